package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/automations/rules"
)

const executionColumns = `id, tenant_id, rule_id, trigger_context_id, priority, state, overall_status,
	condition_result, condition_error, started_at, finished_at, transitions, action_outcomes, corrects_id`

// PostgresLedger implements Ledger backed by PostgreSQL, scoped to one tenant
type PostgresLedger struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresLedger creates a ledger for a specific tenant
func NewPostgresLedger(db *sql.DB, tenantID string) *PostgresLedger {
	return &PostgresLedger{db: db, tenantID: tenantID}
}

func (l *PostgresLedger) Begin(ctx context.Context, exec *Execution) error {
	if err := prepareBegin(exec); err != nil {
		return err
	}
	exec.TenantID = l.tenantID

	return l.insert(ctx, exec)
}

func (l *PostgresLedger) insert(ctx context.Context, exec *Execution) error {
	transitions, err := json.Marshal(exec.Transitions)
	if err != nil {
		return fmt.Errorf("failed to marshal transitions: %w", err)
	}
	outcomes, err := json.Marshal(exec.ActionOutcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal action outcomes: %w", err)
	}

	var conditionResult sql.NullBool
	if exec.ConditionResult != nil {
		conditionResult = sql.NullBool{Bool: *exec.ConditionResult, Valid: true}
	}
	var finishedAt sql.NullTime
	if exec.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *exec.FinishedAt, Valid: true}
	}
	var correctsID sql.NullString
	if exec.CorrectsID != "" {
		correctsID = sql.NullString{String: exec.CorrectsID, Valid: true}
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, exec.ID, l.tenantID, exec.RuleID, exec.TriggerContextID, string(exec.Priority), string(exec.State),
		string(exec.OverallStatus), conditionResult, exec.ConditionError, exec.StartedAt, finishedAt,
		transitions, outcomes, correctsID)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Transition(ctx context.Context, id string, state State, at time.Time) error {
	if state.Terminal() {
		return fmt.Errorf("use Finalize to enter terminal state %s", state)
	}
	step, err := json.Marshal([]Transition{{State: state, At: at}})
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET state = $1, transitions = transitions || $2::jsonb
		WHERE id = $3 AND tenant_id = $4 AND finished_at IS NULL
	`, string(state), step, id, l.tenantID)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return l.expectRunning(ctx, result, id)
}

func (l *PostgresLedger) RecordCondition(ctx context.Context, id string, res bool, condErr error) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET condition_result = $1, condition_error = $2
		WHERE id = $3 AND tenant_id = $4 AND finished_at IS NULL
	`, res, errorText(condErr), id, l.tenantID)
	if err != nil {
		return fmt.Errorf("failed to record condition result: %w", err)
	}
	return l.expectRunning(ctx, result, id)
}

func (l *PostgresLedger) AppendOutcome(ctx context.Context, id string, outcome ActionOutcome) error {
	item, err := json.Marshal([]ActionOutcome{outcome})
	if err != nil {
		return fmt.Errorf("failed to marshal action outcome: %w", err)
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET action_outcomes = action_outcomes || $1::jsonb
		WHERE id = $2 AND tenant_id = $3 AND finished_at IS NULL
	`, item, id, l.tenantID)
	if err != nil {
		return fmt.Errorf("failed to append action outcome: %w", err)
	}
	return l.expectRunning(ctx, result, id)
}

func (l *PostgresLedger) Finalize(ctx context.Context, id string, status State, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize with non-terminal state %s", status)
	}
	step, err := json.Marshal([]Transition{{State: status, At: at}})
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET state = $1, overall_status = $1, finished_at = $2, transitions = transitions || $3::jsonb
		WHERE id = $4 AND tenant_id = $5 AND finished_at IS NULL
	`, string(status), at, step, id, l.tenantID)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return l.expectRunning(ctx, result, id)
}

// expectRunning turns a zero-row update into not-found or already-finalized
func (l *PostgresLedger) expectRunning(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var done bool
	err = l.db.QueryRowContext(ctx, `
		SELECT finished_at IS NOT NULL FROM executions WHERE id = $1 AND tenant_id = $2
	`, id, l.tenantID).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return fmt.Errorf("failed to check execution %s: %w", id, err)
	}
	if done {
		return finalized(id)
	}
	return fmt.Errorf("execution %s was not updated", id)
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (*Execution, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1 AND tenant_id = $2
	`, id, l.tenantID)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

func (l *PostgresLedger) Query(ctx context.Context, filter Filter) ([]*Execution, error) {
	where := []string{"tenant_id = $1"}
	args := []any{l.tenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.RuleID != "" {
		where = append(where, "rule_id = "+arg(filter.RuleID))
	}
	if filter.Status != "" {
		p := arg(string(filter.Status))
		where = append(where, "(overall_status = "+p+" OR state = "+p+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "started_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "started_at < "+arg(filter.To))
	}
	limit := arg(filter.limit())

	rows, err := l.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY started_at DESC, id DESC
		LIMIT `+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

func (l *PostgresLedger) Stats(ctx context.Context, since time.Time) (Stats, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT e.overall_status, COUNT(*)
		FROM executions e
		WHERE e.tenant_id = $1 AND e.started_at >= $2 AND e.finished_at IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM executions c WHERE c.tenant_id = e.tenant_id AND c.corrects_id = e.id
			)
		GROUP BY e.overall_status
	`, l.tenantID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate executions: %w", err)
	}
	defer rows.Close()

	stats := Stats{Since: since}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan execution stats: %w", err)
		}
		stats.add(State(status), count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating execution stats: %w", err)
	}
	return stats, nil
}

func (l *PostgresLedger) Correct(ctx context.Context, originalID string, entry *Execution) (*Execution, error) {
	original, err := l.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}

	c, err := prepareCorrection(original, entry)
	if err != nil {
		return nil, err
	}
	if err := l.insert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                           Execution
		priority, state, overall    string
		conditionResult             sql.NullBool
		conditionError, correctsID  sql.NullString
		finishedAt                  sql.NullTime
		transitions, actionOutcomes []byte
	)

	if err := row.Scan(&e.ID, &e.TenantID, &e.RuleID, &e.TriggerContextID, &priority, &state, &overall,
		&conditionResult, &conditionError, &e.StartedAt, &finishedAt, &transitions, &actionOutcomes,
		&correctsID); err != nil {
		return nil, err
	}

	e.Priority = rules.Priority(priority)
	e.State = State(state)
	e.OverallStatus = State(overall)
	e.ConditionError = conditionError.String
	e.CorrectsID = correctsID.String
	if conditionResult.Valid {
		b := conditionResult.Bool
		e.ConditionResult = &b
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}

	if err := json.Unmarshal(transitions, &e.Transitions); err != nil {
		return nil, fmt.Errorf("invalid transitions for execution %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(actionOutcomes, &e.ActionOutcomes); err != nil {
		return nil, fmt.Errorf("invalid action outcomes for execution %s: %w", e.ID, err)
	}
	return &e, nil
}
