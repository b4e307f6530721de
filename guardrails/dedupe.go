package guardrails

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/ledger"
)

// ErrLeaseLost means the caller no longer owns the idempotency key: its lease
// expired and another dispatch may have claimed it
var ErrLeaseLost = errors.New("idempotency lease lost")

// Claim is the result of Begin: ownership of the key (Token set) or the
// outcome recorded by its owner (Prior set)
type Claim struct {
	Token string
	Prior *ledger.ActionOutcome
}

func (c Claim) Owned() bool { return c.Prior == nil }

// DedupeStore serialises executions that share an idempotency key.
//
// Begin either grants ownership of the key for lease or returns the outcome
// recorded by the owner, blocking while the owner is still in progress. A
// lease <= 0 uses the store default. The owner keeps the lease alive with
// Renew and must call Finish exactly once; both fail with ErrLeaseLost when
// the token no longer owns the key. SUCCEEDED outcomes are kept; any other
// outcome is handed to current waiters and then released so a later dispatch
// can try again.
type DedupeStore interface {
	Begin(ctx context.Context, key string, lease time.Duration) (Claim, error)
	Renew(ctx context.Context, key, token string, lease time.Duration) error
	Finish(ctx context.Context, key, token string, outcome ledger.ActionOutcome) error
}

func newToken() string { return uuid.NewString() }

type dedupeEntry struct {
	token   string
	done    chan struct{}
	outcome *ledger.ActionOutcome
}

// MemoryDedupeStore is a process-local DedupeStore. Its leases never expire:
// an owner in this process holds the key until Finish.
type MemoryDedupeStore struct {
	mu      sync.Mutex
	entries map[string]*dedupeEntry
}

func NewMemoryDedupeStore() *MemoryDedupeStore {
	return &MemoryDedupeStore{entries: make(map[string]*dedupeEntry)}
}

func (s *MemoryDedupeStore) Begin(ctx context.Context, key string, _ time.Duration) (Claim, error) {
	s.mu.Lock()
	entry, exists := s.entries[key]
	if !exists {
		token := newToken()
		s.entries[key] = &dedupeEntry{token: token, done: make(chan struct{})}
		s.mu.Unlock()
		return Claim{Token: token}, nil
	}
	s.mu.Unlock()

	select {
	case <-entry.done:
	case <-ctx.Done():
		return Claim{}, ctx.Err()
	}

	s.mu.Lock()
	outcome := *entry.outcome
	s.mu.Unlock()
	return Claim{Prior: &outcome}, nil
}

func (s *MemoryDedupeStore) Renew(_ context.Context, key, token string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.token != token || entry.outcome != nil {
		return ErrLeaseLost
	}
	return nil
}

func (s *MemoryDedupeStore) Finish(_ context.Context, key, token string, outcome ledger.ActionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.token != token || entry.outcome != nil {
		return ErrLeaseLost
	}
	entry.outcome = &outcome
	close(entry.done)

	if outcome.Status != ledger.OutcomeSucceeded {
		delete(s.entries, key)
	}
	return nil
}
