package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/rules"
)

// Ledger is the append-only store of rule executions
type Ledger interface {
	// Begin creates the entry in PENDING. An empty ID is generated.
	Begin(ctx context.Context, exec *Execution) error

	// Transition moves a running entry to a non-terminal state
	Transition(ctx context.Context, id string, state State, at time.Time) error

	// RecordCondition stores the condition result and any evaluator diagnostic
	RecordCondition(ctx context.Context, id string, result bool, condErr error) error

	// AppendOutcome adds one action's terminal outcome
	AppendOutcome(ctx context.Context, id string, outcome ActionOutcome) error

	// Finalize sets the terminal status. The entry is immutable afterwards.
	Finalize(ctx context.Context, id string, status State, at time.Time) error

	Get(ctx context.Context, id string) (*Execution, error)

	// Query returns matching entries, newest first
	Query(ctx context.Context, filter Filter) ([]*Execution, error)

	// Stats aggregates finalized entries started at or after since. Entries
	// superseded by a correction are not counted.
	Stats(ctx context.Context, since time.Time) (Stats, error)

	// Correct appends a finalized entry that supersedes originalID
	Correct(ctx context.Context, originalID string, entry *Execution) (*Execution, error)
}

// prepareBegin fills defaults shared by every backend
func prepareBegin(exec *Execution) error {
	if exec.RuleID == "" {
		return fmt.Errorf("execution requires a rule id")
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	exec.State = StatePending
	exec.OverallStatus = ""
	exec.FinishedAt = nil
	exec.Transitions = []Transition{{State: StatePending, At: exec.StartedAt}}
	if exec.ActionOutcomes == nil {
		exec.ActionOutcomes = []ActionOutcome{}
	}
	return nil
}

// prepareCorrection builds the superseding entry from the original
func prepareCorrection(original *Execution, entry *Execution) (*Execution, error) {
	if !original.Finalized() {
		return nil, fmt.Errorf("execution %s is still running and cannot be corrected", original.ID)
	}
	if entry == nil || !entry.OverallStatus.Terminal() {
		return nil, fmt.Errorf("correction must carry a terminal overall status")
	}

	c := entry.Clone()
	c.ID = uuid.NewString()
	c.CorrectsID = original.ID
	c.TenantID = original.TenantID
	if c.RuleID == "" {
		c.RuleID = original.RuleID
	}
	if c.TriggerContextID == "" {
		c.TriggerContextID = original.TriggerContextID
	}
	if c.Priority == "" {
		c.Priority = original.Priority
	}

	now := time.Now()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.FinishedAt == nil {
		c.FinishedAt = &now
	}
	c.State = c.OverallStatus
	if len(c.Transitions) == 0 {
		c.Transitions = []Transition{{State: c.OverallStatus, At: *c.FinishedAt}}
	}
	if c.ActionOutcomes == nil {
		c.ActionOutcomes = []ActionOutcome{}
	}
	return c, nil
}

func notFound(id string) error {
	return fmt.Errorf("execution %s: %w", id, rules.ErrExecutionNotFound)
}

func finalized(id string) error {
	return fmt.Errorf("execution %s: %w", id, rules.ErrExecutionFinalized)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
