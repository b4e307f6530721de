// Package guardrails wraps action execution with idempotency-key deduplication
// and bounded retry with exponential backoff.
package guardrails

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/automations/actions"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/rules"
)

const (
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultLeaseMargin = 30 * time.Second
)

// Runner makes one attempt of an action. *actions.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, action rules.Action, actx actions.Context, timeout time.Duration) actions.Outcome
}

// Config tunes retry backoff: attempt n waits BaseDelay * 2^(n-1), capped at MaxDelay.
// LeaseMargin is added to a rule's worst-case run time to size its idempotency lease.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	LeaseMargin time.Duration
}

// Enforcer applies a rule's guardrails to each of its actions
type Enforcer struct {
	runner      Runner
	dedupe      DedupeStore
	baseDelay   time.Duration
	maxDelay    time.Duration
	leaseMargin time.Duration
}

// NewEnforcer creates an enforcer. A nil dedupe store means an in-memory one.
func NewEnforcer(runner Runner, dedupe DedupeStore, cfg Config) *Enforcer {
	if dedupe == nil {
		dedupe = NewMemoryDedupeStore()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = DefaultMaxDelay
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}
	if cfg.LeaseMargin <= 0 {
		cfg.LeaseMargin = DefaultLeaseMargin
	}
	return &Enforcer{
		runner:      runner,
		dedupe:      dedupe,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		leaseMargin: cfg.LeaseMargin,
	}
}

// Lease is how long an owner holds an idempotency key: every attempt timing
// out, every backoff delay at its cap, plus the margin. The owner renews it at
// a third of that while attempts run.
func (e *Enforcer) Lease(g rules.Guardrails) time.Duration {
	retries := g.MaxRetries
	if retries < 0 {
		retries = 0
	}
	total := time.Duration(retries+1)*g.Timeout + e.leaseMargin
	delay := e.baseDelay
	for i := 0; i < retries; i++ {
		total += delay
		if delay *= 2; delay > e.maxDelay {
			delay = e.maxDelay
		}
	}
	return total
}

// IdempotencyKey is deterministic in (rule, action position, trigger context)
func IdempotencyKey(ruleID string, actionIndex int, triggerContextID string) string {
	return fmt.Sprintf("%s:%d:%s", ruleID, actionIndex, triggerContextID)
}

// Run executes rule.Actions[actionIndex] under the rule's guardrails and returns
// its terminal outcome. The error is nil on success; otherwise it is a
// *rules.RetryExhaustedError, a *rules.DedupeConflictError or the single
// attempt's error when no retries were allowed.
func (e *Enforcer) Run(ctx context.Context, rule *rules.Rule, actionIndex int, actx actions.Context) (ledger.ActionOutcome, error) {
	action := rule.Actions[actionIndex]
	actx.Rule = rule
	actx.ActionIndex = actionIndex

	if !rule.Guardrails.Idempotent {
		return e.attempt(ctx, rule, action, actionIndex, actx)
	}

	key := IdempotencyKey(rule.ID, actionIndex, actx.TriggerContextID)
	actx.IdempotencyKey = key

	lease := e.Lease(rule.Guardrails)
	claim, err := e.dedupe.Begin(ctx, key, lease)
	if err != nil {
		conflict := &rules.DedupeConflictError{Key: key, Err: err}
		logger.DedupeConflicts.Add(1)
		logger.Critical("Idempotency store unavailable, action not executed",
			"rule_id", rule.ID, "action_index", actionIndex, "key", key, "error", err)
		return ledger.ActionOutcome{
			ActionIndex: actionIndex,
			ActionType:  action.Type,
			Status:      ledger.OutcomeFailed,
			LastError:   conflict.Error(),
		}, conflict
	}

	if !claim.Owned() {
		prior := claim.Prior
		replay := *prior
		replay.ActionIndex = actionIndex
		replay.ActionType = action.Type
		replay.Replayed = true
		replay.AttemptLog = append([]ledger.Attempt(nil), prior.AttemptLog...)
		logger.Debug("Replaying idempotent action outcome",
			"rule_id", rule.ID, "action_index", actionIndex, "key", key, "status", replay.Status)
		if replay.Status != ledger.OutcomeSucceeded {
			return replay, fmt.Errorf("adopted failed outcome for key %s: %s", key, replay.LastError)
		}
		return replay, nil
	}

	return e.runOwned(ctx, rule, action, actionIndex, actx, key, claim.Token, lease)
}

// runOwned runs the attempts while holding the key. The outcome is recorded
// even if an attempt panics, so waiters on the key are never stranded.
func (e *Enforcer) runOwned(ctx context.Context, rule *rules.Rule, action rules.Action, actionIndex int,
	actx actions.Context, key, token string, lease time.Duration) (outcome ledger.ActionOutcome, runErr error) {

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenew := e.keepLease(attemptCtx, cancel, rule, actionIndex, key, token, lease)

	defer func() {
		stopRenew()
		r := recover()
		if r != nil {
			outcome = ledger.ActionOutcome{
				ActionIndex: actionIndex,
				ActionType:  action.Type,
				Status:      ledger.OutcomeFailed,
				LastError:   fmt.Sprintf("action panicked: %v", r),
			}
		}
		e.finish(ctx, rule, actionIndex, key, token, outcome)
		if r != nil {
			panic(r)
		}
	}()

	return e.attempt(attemptCtx, rule, action, actionIndex, actx)
}

// keepLease renews the lease at a third of its length until stopped. A lost
// lease cancels the remaining attempts: another dispatch may own the key now.
func (e *Enforcer) keepLease(ctx context.Context, cancel context.CancelFunc, rule *rules.Rule, actionIndex int,
	key, token string, lease time.Duration) (stop func()) {

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			renewCtx, renewCancel := context.WithTimeout(context.WithoutCancel(ctx), lease/3)
			err := e.dedupe.Renew(renewCtx, key, token, lease)
			renewCancel()
			switch {
			case errors.Is(err, ErrLeaseLost):
				logger.Critical("Idempotency lease lost, abandoning remaining attempts",
					"rule_id", rule.ID, "action_index", actionIndex, "key", key)
				cancel()
				return
			case err != nil:
				logger.Warn("Failed to renew idempotency lease",
					"rule_id", rule.ID, "action_index", actionIndex, "key", key, "error", err)
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func (e *Enforcer) finish(ctx context.Context, rule *rules.Rule, actionIndex int, key, token string, outcome ledger.ActionOutcome) {
	// Recording must outlive a cancelled dispatch or waiters would block until their own deadline
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := e.dedupe.Finish(finishCtx, key, token, outcome)
	switch {
	case errors.Is(err, ErrLeaseLost):
		logger.Critical("Idempotent outcome not recorded, lease was lost",
			"rule_id", rule.ID, "action_index", actionIndex, "key", key, "status", outcome.Status)
	case err != nil:
		logger.Critical("Failed to record idempotent outcome",
			"rule_id", rule.ID, "action_index", actionIndex, "key", key, "error", err)
	}
}

// attempt runs the bounded retry loop. maxRetries+1 is a hard ceiling.
func (e *Enforcer) attempt(ctx context.Context, rule *rules.Rule, action rules.Action, actionIndex int, actx actions.Context) (ledger.ActionOutcome, error) {
	maxRetries := rule.Guardrails.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxAttempts := maxRetries + 1

	outcome := ledger.ActionOutcome{ActionIndex: actionIndex, ActionType: action.Type}
	var (
		attemptErrs []error
		last        actions.Outcome
	)

	operation := func() error {
		if outcome.Attempts >= maxAttempts {
			return backoff.Permanent(errAttemptCeiling)
		}
		outcome.Attempts++

		started := time.Now()
		last = e.runner.Execute(ctx, action, actx, rule.Guardrails.Timeout)
		outcome.AttemptLog = append(outcome.AttemptLog, ledger.Attempt{
			Number:    outcome.Attempts,
			Status:    last.Status,
			Error:     errText(last.Err),
			StartedAt: started,
			Duration:  last.Duration,
		})

		if last.Status == ledger.OutcomeSucceeded {
			return nil
		}
		if last.Err == nil {
			last.Err = fmt.Errorf("%s action ended with status %s", action.Type, last.Status)
		}
		attemptErrs = append(attemptErrs, fmt.Errorf("attempt %d: %w", outcome.Attempts, last.Err))
		return last.Err
	}

	notify := func(err error, delay time.Duration) {
		// The failed attempt is about to be retried
		outcome.AttemptLog[len(outcome.AttemptLog)-1].Status = ledger.OutcomeRetried
		logger.Warn("Action attempt failed, retrying",
			"rule_id", rule.ID, "action_index", actionIndex, "attempt", outcome.Attempts,
			"max_attempts", maxAttempts, "delay", delay, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(maxRetries)), ctx)
	_ = backoff.RetryNotify(operation, policy, notify)

	if last.Status == ledger.OutcomeSucceeded {
		outcome.Status = ledger.OutcomeSucceeded
		return outcome, nil
	}

	logger.ActionFailures.Add(1)
	if outcome.Attempts == 0 {
		// The context ended before the first attempt
		err := ctx.Err()
		if err == nil {
			err = errAttemptCeiling
		}
		outcome.Status = ledger.OutcomeFailed
		outcome.LastError = err.Error()
		return outcome, err
	}

	if outcome.Attempts == 1 {
		// No retries: report the attempt as it ended
		outcome.Status = last.Status
		if outcome.Status != ledger.OutcomeTimedOut {
			outcome.Status = ledger.OutcomeFailed
		}
		outcome.LastError = errText(last.Err)
		return outcome, last.Err
	}

	exhausted := rules.NewRetryExhaustedError(attemptErrs)
	outcome.Status = ledger.OutcomeFailed
	outcome.LastError = exhausted.Error()
	return outcome, exhausted
}

func (e *Enforcer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.MaxInterval = e.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

var errAttemptCeiling = errors.New("attempt ceiling reached")

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
