package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const ruleColumns = `id, name, description, trigger_kind, event_name, cron_expression, trigger_entity,
	conditions, actions, guardrails, enabled, priority, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	conditions, actions, guardrails, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	result, err := s.db.Exec(`
		INSERT INTO rules (id, tenant_id, name, description, trigger_kind, event_name, cron_expression,
			trigger_entity, conditions, actions, guardrails, enabled, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, rule.ID, s.tenantID, rule.Name, rule.Description, string(rule.Trigger.Kind),
		rule.Trigger.EventName, rule.Trigger.CronExpression, rule.Trigger.Entity,
		conditions, actions, guardrails, rule.Enabled, string(rule.Priority),
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// List returns every rule for the tenant
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, s.tenantID)
}

// ListActive returns all enabled rules for the tenant
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY created_at ASC, id ASC
	`, s.tenantID)
}

// ListByEvent returns enabled rules subscribed to eventName
func (s *PostgresRuleStore) ListByEvent(eventName string) ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND enabled = true AND trigger_kind = 'EVENT' AND event_name = $2
		ORDER BY created_at ASC, id ASC
	`, s.tenantID, eventName)
}

// ListScheduled returns enabled schedule-triggered rules
func (s *PostgresRuleStore) ListScheduled() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND enabled = true AND trigger_kind = 'SCHEDULE'
		ORDER BY created_at ASC, id ASC
	`, s.tenantID)
}

func (s *PostgresRuleStore) query(q string, args ...any) ([]*Rule, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	conditions, actions, guardrails, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, description = $2, trigger_kind = $3, event_name = $4, cron_expression = $5,
			trigger_entity = $6, conditions = $7, actions = $8, guardrails = $9, enabled = $10,
			priority = $11, updated_at = $12
		WHERE id = $13 AND tenant_id = $14
	`, rule.Name, rule.Description, string(rule.Trigger.Kind), rule.Trigger.EventName,
		rule.Trigger.CronExpression, rule.Trigger.Entity, conditions, actions, guardrails, rule.Enabled,
		string(rule.Priority), rule.UpdatedAt, rule.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return expectOneRow(result, rule.ID)
}

// SetEnabled flips the enabled flag in a single statement
func (s *PostgresRuleStore) SetEnabled(id string, enabled bool) error {
	result, err := s.db.Exec(`
		UPDATE rules
		SET enabled = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4
	`, enabled, time.Now(), id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to set rule enabled flag: %w", err)
	}

	return expectOneRow(result, id)
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	return expectOneRow(result, id)
}

// Version digests every rule's id and updated_at, so any write by any process
// changes it regardless of clock skew between writers
func (s *PostgresRuleStore) Version() (string, error) {
	var (
		count  int64
		digest string
	)
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(md5(string_agg(id || '@' || extract(epoch FROM updated_at)::text, ',' ORDER BY id)), '')
		FROM rules
		WHERE tenant_id = $1
	`, s.tenantID).Scan(&count, &digest)
	if err != nil {
		return "", fmt.Errorf("failed to read rule set version: %w", err)
	}
	return fmt.Sprintf("%d:%s", count, digest), nil
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                                  Rule
		kind, priority                     string
		eventName, cronExpr, description   sql.NullString
		entity                             sql.NullString
		conditions, actions, guardrailJSON []byte
	)

	if err := row.Scan(&r.ID, &r.Name, &description, &kind, &eventName, &cronExpr, &entity,
		&conditions, &actions, &guardrailJSON, &r.Enabled, &priority,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	r.Description = description.String
	r.Trigger = Trigger{
		Kind:           TriggerKind(kind),
		EventName:      eventName.String,
		CronExpression: cronExpr.String,
		Entity:         entity.String,
	}
	r.Priority = Priority(priority)

	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("invalid conditions for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("invalid actions for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(guardrailJSON, &r.Guardrails); err != nil {
		return nil, fmt.Errorf("invalid guardrails for rule %s: %w", r.ID, err)
	}

	return &r, nil
}

func encodeRuleBody(rule *Rule) (conditions, actions, guardrails []byte, err error) {
	conds := rule.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	if conditions, err = json.Marshal(conds); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	if actions, err = json.Marshal(rule.Actions); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	if guardrails, err = json.Marshal(rule.Guardrails); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal guardrails: %w", err)
	}
	return conditions, actions, guardrails, nil
}
