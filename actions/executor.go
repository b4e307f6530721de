// Package actions executes single rule actions against external collaborators.
//
// The Executor makes exactly one attempt per call and enforces the per-attempt
// timeout. Retries and idempotency belong to the guardrails package.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/rules"
)

// DefaultTimeout applies when a rule has no positive timeout
const DefaultTimeout = 30 * time.Second

// Context identifies the firing an action belongs to
type Context struct {
	Rule             *rules.Rule
	ActionIndex      int
	TriggerContextID string
	IdempotencyKey   string
	Payload          map[string]any
	Now              time.Time
}

// Outcome is the result of a single attempt: SUCCEEDED, FAILED or TIMED_OUT
type Outcome struct {
	Status   ledger.OutcomeStatus
	Err      error
	Duration time.Duration
}

// Executor dispatches each action type to its adapter
type Executor struct {
	adapters  map[rules.ActionType]Adapter
	limiters  map[rules.ActionType]*rate.Limiter
	templater *Templater
}

// Option configures an Executor
type Option func(*Executor)

// WithAdapter registers the adapter for an action type
func WithAdapter(actionType rules.ActionType, adapter Adapter) Option {
	return func(e *Executor) {
		e.adapters[actionType] = adapter
	}
}

// WithRateLimit caps calls to one action type's collaborator. Waiting for a
// token counts against the attempt timeout.
func WithRateLimit(actionType rules.ActionType, perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiters[actionType] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewExecutor creates an executor. A nil templater passes config through unrendered.
func NewExecutor(templater *Templater, opts ...Option) *Executor {
	e := &Executor{
		adapters:  make(map[rules.ActionType]Adapter),
		limiters:  make(map[rules.ActionType]*rate.Limiter),
		templater: templater,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether an adapter is registered for the action type
func (e *Executor) Supports(actionType rules.ActionType) bool {
	_, ok := e.adapters[actionType]
	return ok
}

// Execute makes one attempt. The adapter call runs under a context that expires
// after timeout; when it does, TIMED_OUT is returned at once and the in-flight
// call sees its context cancelled.
func (e *Executor) Execute(ctx context.Context, action rules.Action, actx Context, timeout time.Duration) Outcome {
	start := time.Now()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	adapter, ok := e.adapters[action.Type]
	if !ok {
		return Outcome{
			Status:   ledger.OutcomeFailed,
			Err:      fmt.Errorf("no collaborator registered for action type %s", action.Type),
			Duration: time.Since(start),
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	config := action.Config
	if e.templater != nil {
		rendered, err := e.templater.Render(action.Config, actx.Payload, actx.Now, actx.Rule)
		if err != nil {
			return Outcome{
				Status:   ledger.OutcomeFailed,
				Err:      fmt.Errorf("failed to render %s config: %w", action.Type, err),
				Duration: time.Since(start),
			}
		}
		config = rendered
	}

	if limiter := e.limiters[action.Type]; limiter != nil {
		if err := limiter.Wait(attemptCtx); err != nil {
			if ctx.Err() != nil {
				return Outcome{Status: ledger.OutcomeFailed, Err: ctx.Err(), Duration: time.Since(start)}
			}
			return Outcome{
				Status:   ledger.OutcomeTimedOut,
				Err:      &rules.ActionTimeoutError{ActionType: action.Type, Timeout: timeout},
				Duration: time.Since(start),
			}
		}
	}

	req := Request{
		ActionIndex:      actx.ActionIndex,
		ActionType:       action.Type,
		Config:           config,
		TriggerContextID: actx.TriggerContextID,
		IdempotencyKey:   actx.IdempotencyKey,
		Payload:          actx.Payload,
	}
	if actx.Rule != nil {
		req.RuleID = actx.Rule.ID
		req.Entity = actx.Rule.Trigger.Entity
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s collaborator panicked: %v", action.Type, r)
			}
		}()
		done <- adapter.Invoke(attemptCtx, req)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}
	elapsed := time.Since(start)

	switch {
	case err == nil:
		return Outcome{Status: ledger.OutcomeSucceeded, Duration: elapsed}
	case ctx.Err() != nil:
		// The caller gave up; this is not the action's own timeout
		return Outcome{Status: ledger.OutcomeFailed, Err: ctx.Err(), Duration: elapsed}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return Outcome{
			Status:   ledger.OutcomeTimedOut,
			Err:      &rules.ActionTimeoutError{ActionType: action.Type, Timeout: timeout},
			Duration: elapsed,
		}
	default:
		return Outcome{Status: ledger.OutcomeFailed, Err: err, Duration: elapsed}
	}
}
