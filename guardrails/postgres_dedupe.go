package guardrails

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/automations/ledger"
)

// PostgresDedupeStore keeps idempotency keys in the dedupe_keys table.
// expires_at is the lease deadline while IN_PROGRESS, the release time for a
// failed outcome, and NULL for a success.
type PostgresDedupeStore struct {
	db       *sql.DB
	tenantID string
	opts     StoreOptions
	now      func() time.Time
}

// NewPostgresDedupeStore creates a store scoped to one tenant
func NewPostgresDedupeStore(db *sql.DB, tenantID string, opts StoreOptions) *PostgresDedupeStore {
	return &PostgresDedupeStore{db: db, tenantID: tenantID, opts: opts.withDefaults(), now: time.Now}
}

func (s *PostgresDedupeStore) Begin(ctx context.Context, key string, leaseFor time.Duration) (Claim, error) {
	if leaseFor <= 0 {
		leaseFor = s.opts.LeaseTTL
	}
	for {
		now := s.now()
		lease := now.Add(leaseFor)
		token := newToken()

		result, err := s.db.ExecContext(ctx, `
			INSERT INTO dedupe_keys (tenant_id, key, status, owner, expires_at, updated_at)
			VALUES ($1, $2, 'IN_PROGRESS', $3, $4, $5)
			ON CONFLICT (tenant_id, key) DO NOTHING
		`, s.tenantID, key, token, lease, now)
		if err != nil {
			return Claim{}, fmt.Errorf("failed to acquire dedupe key: %w", err)
		}
		if claim, done, err := ownedBy(result, token); done {
			return claim, err
		}

		// Take over an abandoned lease or a released failure
		result, err = s.db.ExecContext(ctx, `
			UPDATE dedupe_keys
			SET status = 'IN_PROGRESS', owner = $1, outcome = NULL, expires_at = $2, updated_at = $3
			WHERE tenant_id = $4 AND key = $5 AND expires_at IS NOT NULL AND expires_at < $3
		`, token, lease, now, s.tenantID, key)
		if err != nil {
			return Claim{}, fmt.Errorf("failed to reclaim dedupe key: %w", err)
		}
		if claim, done, err := ownedBy(result, token); done {
			return claim, err
		}

		var (
			status  string
			outcome []byte
		)
		err = s.db.QueryRowContext(ctx, `
			SELECT status, outcome FROM dedupe_keys WHERE tenant_id = $1 AND key = $2
		`, s.tenantID, key).Scan(&status, &outcome)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return Claim{}, fmt.Errorf("failed to read dedupe key: %w", err)
		case status == "DONE" && len(outcome) > 0:
			var prior ledger.ActionOutcome
			if err := json.Unmarshal(outcome, &prior); err != nil {
				return Claim{}, fmt.Errorf("corrupt dedupe record for %s: %w", key, err)
			}
			return Claim{Prior: &prior}, nil
		}

		select {
		case <-ctx.Done():
			return Claim{}, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *PostgresDedupeStore) Renew(ctx context.Context, key, token string, leaseFor time.Duration) error {
	if leaseFor <= 0 {
		leaseFor = s.opts.LeaseTTL
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE dedupe_keys
		SET expires_at = $1, updated_at = $2
		WHERE tenant_id = $3 AND key = $4 AND status = 'IN_PROGRESS' AND owner = $5
	`, now.Add(leaseFor), now, s.tenantID, key, token)
	if err != nil {
		return fmt.Errorf("failed to renew dedupe lease: %w", err)
	}
	return stillOwned(result)
}

func (s *PostgresDedupeStore) Finish(ctx context.Context, key, token string, outcome ledger.ActionOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	now := s.now()
	var expiresAt sql.NullTime
	if outcome.Status != ledger.OutcomeSucceeded {
		expiresAt = sql.NullTime{Time: now.Add(s.opts.ReleaseTTL), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE dedupe_keys
		SET status = 'DONE', outcome = $1, expires_at = $2, updated_at = $3
		WHERE tenant_id = $4 AND key = $5 AND status = 'IN_PROGRESS' AND owner = $6
	`, data, expiresAt, now, s.tenantID, key, token)
	if err != nil {
		return fmt.Errorf("failed to record dedupe outcome: %w", err)
	}
	return stillOwned(result)
}

// ownedBy reports done when the statement settled the claim, either because
// it took the key for token or because it failed
func ownedBy(result sql.Result, token string) (Claim, bool, error) {
	owned, err := affectedOne(result)
	if err != nil {
		return Claim{}, true, err
	}
	if !owned {
		return Claim{}, false, nil
	}
	return Claim{Token: token}, true, nil
}

func stillOwned(result sql.Result) error {
	owned, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !owned {
		return ErrLeaseLost
	}
	return nil
}

// Cleanup removes released failures and abandoned leases older than the cutoff
func (s *PostgresDedupeStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM dedupe_keys WHERE tenant_id = $1 AND expires_at IS NOT NULL AND expires_at < $2
	`, s.tenantID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to clean dedupe keys: %w", err)
	}
	return result.RowsAffected()
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
