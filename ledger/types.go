// Package ledger records every rule firing: when it started, which rule matched,
// the condition result, each action's outcome and the terminal status.
//
// Entries are written by exactly one rule worker and become immutable once
// finalized. Corrections are new entries that reference the original.
package ledger

import (
	"time"

	"github.com/liamcoop/automations/rules"
)

// State is the lifecycle of one dispatched rule instance
type State string

const (
	StatePending         State = "PENDING"
	StateEvaluating      State = "EVALUATING"
	StateExecuting       State = "EXECUTING"
	StateSkipped         State = "SKIPPED"
	StateSucceeded       State = "SUCCEEDED"
	StatePartiallyFailed State = "PARTIALLY_FAILED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	switch s {
	case StateSkipped, StateSucceeded, StatePartiallyFailed, StateFailed:
		return true
	}
	return false
}

// OutcomeStatus is the result of one action, or of one attempt of it
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeFailed    OutcomeStatus = "FAILED"
	OutcomeRetried   OutcomeStatus = "RETRIED"
	OutcomeTimedOut  OutcomeStatus = "TIMED_OUT"
	OutcomeSkipped   OutcomeStatus = "SKIPPED"
)

// Attempt is one invocation of an action collaborator
type Attempt struct {
	Number    int           `json:"number"`
	Status    OutcomeStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
}

// ActionOutcome is the final result of one action in a rule's list
type ActionOutcome struct {
	ActionIndex int              `json:"actionIndex"`
	ActionType  rules.ActionType `json:"actionType"`
	Status      OutcomeStatus    `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"lastError,omitempty"`
	// Replayed is set when the outcome came from the idempotency store
	// rather than a fresh collaborator call
	Replayed   bool      `json:"replayed,omitempty"`
	AttemptLog []Attempt `json:"attemptLog,omitempty"`
}

// Transition records entering a state
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Execution is one ledger entry
type Execution struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId,omitempty"`
	RuleID           string          `json:"ruleId"`
	TriggerContextID string          `json:"triggerContextId"`
	Priority         rules.Priority  `json:"priority"`
	StartedAt        time.Time       `json:"startedAt"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
	ConditionResult  *bool           `json:"conditionResult,omitempty"`
	ConditionError   string          `json:"conditionError,omitempty"`
	State            State           `json:"state"`
	Transitions      []Transition    `json:"transitions"`
	ActionOutcomes   []ActionOutcome `json:"actionOutcomes"`
	OverallStatus    State           `json:"overallStatus,omitempty"`
	CorrectsID       string          `json:"correctsId,omitempty"`
}

// Finalized reports whether the entry is immutable
func (e *Execution) Finalized() bool {
	return e.OverallStatus.Terminal()
}

// Latency is the time between start and finalization, zero while running
func (e *Execution) Latency() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Clone returns a deep copy
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	if e.ConditionResult != nil {
		b := *e.ConditionResult
		c.ConditionResult = &b
	}
	c.Transitions = append([]Transition(nil), e.Transitions...)
	c.ActionOutcomes = make([]ActionOutcome, len(e.ActionOutcomes))
	for i, o := range e.ActionOutcomes {
		o.AttemptLog = append([]Attempt(nil), o.AttemptLog...)
		c.ActionOutcomes[i] = o
	}
	return &c
}

// OverallStatusOf derives the terminal status from action outcomes: all
// succeeded, none succeeded, or a mix. A rule without actions succeeds.
func OverallStatusOf(outcomes []ActionOutcome) State {
	succeeded := 0
	for _, o := range outcomes {
		if o.Status == OutcomeSucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == len(outcomes):
		return StateSucceeded
	case succeeded == 0:
		return StateFailed
	default:
		return StatePartiallyFailed
	}
}

// Filter narrows a ledger query. Zero values match everything.
type Filter struct {
	RuleID string
	Status State
	From   time.Time
	To     time.Time
	Limit  int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(e *Execution) bool {
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if f.Status != "" && e.OverallStatus != f.Status && e.State != f.Status {
		return false
	}
	if !f.From.IsZero() && e.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.StartedAt.Before(f.To) {
		return false
	}
	return true
}

// Stats aggregates finalized executions over a window
type Stats struct {
	Since           time.Time `json:"since"`
	Total           int       `json:"total"`
	Succeeded       int       `json:"succeeded"`
	PartiallyFailed int       `json:"partiallyFailed"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
}

func (s *Stats) add(status State, n int) {
	switch status {
	case StateSucceeded:
		s.Succeeded += n
	case StatePartiallyFailed:
		s.PartiallyFailed += n
	case StateFailed:
		s.Failed += n
	case StateSkipped:
		s.Skipped += n
	default:
		return
	}
	s.Total += n
}

// SuccessRate is SUCCEEDED over every firing that ran actions. Skipped firings
// are excluded and an empty window reports 1.
func (s Stats) SuccessRate() float64 {
	ran := s.Succeeded + s.PartiallyFailed + s.Failed
	if ran == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(ran)
}
