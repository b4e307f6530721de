package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger keeps executions in process
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*Execution
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*Execution)}
}

func (l *MemoryLedger) Begin(_ context.Context, exec *Execution) error {
	if err := prepareBegin(exec); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	l.entries[exec.ID] = exec.Clone()
	return nil
}

// mutate applies fn to a running entry under the write lock
func (l *MemoryLedger) mutate(id string, fn func(e *Execution) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return notFound(id)
	}
	if e.Finalized() {
		return finalized(id)
	}
	return fn(e)
}

func (l *MemoryLedger) Transition(_ context.Context, id string, state State, at time.Time) error {
	if state.Terminal() {
		return fmt.Errorf("use Finalize to enter terminal state %s", state)
	}
	return l.mutate(id, func(e *Execution) error {
		e.State = state
		e.Transitions = append(e.Transitions, Transition{State: state, At: at})
		return nil
	})
}

func (l *MemoryLedger) RecordCondition(_ context.Context, id string, result bool, condErr error) error {
	return l.mutate(id, func(e *Execution) error {
		e.ConditionResult = &result
		e.ConditionError = errorText(condErr)
		return nil
	})
}

func (l *MemoryLedger) AppendOutcome(_ context.Context, id string, outcome ActionOutcome) error {
	outcome.AttemptLog = append([]Attempt(nil), outcome.AttemptLog...)
	return l.mutate(id, func(e *Execution) error {
		e.ActionOutcomes = append(e.ActionOutcomes, outcome)
		return nil
	})
}

func (l *MemoryLedger) Finalize(_ context.Context, id string, status State, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize with non-terminal state %s", status)
	}
	return l.mutate(id, func(e *Execution) error {
		e.State = status
		e.OverallStatus = status
		e.FinishedAt = &at
		e.Transitions = append(e.Transitions, Transition{State: status, At: at})
		return nil
	})
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*Execution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.Clone(), nil
}

func (l *MemoryLedger) Query(_ context.Context, filter Filter) ([]*Execution, error) {
	l.mu.RLock()
	var out []*Execution
	for _, e := range l.entries {
		if filter.matches(e) {
			out = append(out, e.Clone())
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) Stats(_ context.Context, since time.Time) (Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	superseded := make(map[string]bool)
	for _, e := range l.entries {
		if e.CorrectsID != "" {
			superseded[e.CorrectsID] = true
		}
	}

	stats := Stats{Since: since}
	for _, e := range l.entries {
		if !e.Finalized() || e.StartedAt.Before(since) || superseded[e.ID] {
			continue
		}
		stats.add(e.OverallStatus, 1)
	}
	return stats, nil
}

func (l *MemoryLedger) Correct(_ context.Context, originalID string, entry *Execution) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	original, ok := l.entries[originalID]
	if !ok {
		return nil, notFound(originalID)
	}

	c, err := prepareCorrection(original, entry)
	if err != nil {
		return nil, err
	}
	l.entries[c.ID] = c
	return c.Clone(), nil
}
