package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrRuleNotFound       = errors.New("rule not found")
	ErrRuleExists         = errors.New("rule already exists")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionFinalized = errors.New("execution already finalized")
	ErrBacklogFull        = errors.New("event backlog full")
	ErrEngineStopped      = errors.New("engine stopped")
	ErrTenantNotFound     = errors.New("tenant not found")
)

// ConditionEvaluationError is raised for malformed field paths, unknown operators
// or unknown logic markers. The rule is treated as not satisfied.
type ConditionEvaluationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %d (%s): %s", e.Index, e.Field, e.Reason)
}

// ActionTimeoutError reports an attempt that did not finish within the rule timeout
type ActionTimeoutError struct {
	ActionType ActionType
	Timeout    time.Duration
}

func (e *ActionTimeoutError) Error() string {
	return fmt.Sprintf("%s action timed out after %s", e.ActionType, e.Timeout)
}

// ActionTransportError reports an unreachable collaborator or a non-success response.
// StatusCode is zero when no response was received.
type ActionTransportError struct {
	ActionType ActionType
	StatusCode int
	Err        error
}

func (e *ActionTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s collaborator returned status %d: %v", e.ActionType, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s collaborator unreachable: %v", e.ActionType, e.Err)
}

func (e *ActionTransportError) Unwrap() error { return e.Err }

// RetryExhaustedError is terminal: every allowed attempt failed
type RetryExhaustedError struct {
	Attempts int
	Errors   *multierror.Error
}

// NewRetryExhaustedError aggregates the error of every attempt
func NewRetryExhaustedError(attemptErrs []error) *RetryExhaustedError {
	var merr *multierror.Error
	for _, err := range attemptErrs {
		merr = multierror.Append(merr, err)
	}
	return &RetryExhaustedError{Attempts: len(attemptErrs), Errors: merr}
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Errors.ErrorOrNil())
}

func (e *RetryExhaustedError) Unwrap() error { return e.Errors.ErrorOrNil() }

// DedupeConflictError means the idempotency store could not be consulted.
// The action fails rather than risk a duplicate side effect.
type DedupeConflictError struct {
	Key string
	Err error
}

func (e *DedupeConflictError) Error() string {
	return fmt.Sprintf("idempotency store unavailable for key %s: %v", e.Key, e.Err)
}

func (e *DedupeConflictError) Unwrap() error { return e.Err }
