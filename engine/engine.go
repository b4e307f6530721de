// Package engine is the rule orchestrator. It receives events and schedule
// ticks, selects candidate rules, evaluates their conditions and runs the
// actions of satisfied rules through the guardrails, recording every step in
// the execution ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/liamcoop/automations/actions"
	"github.com/liamcoop/automations/conditions"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/rules"
)

const (
	DefaultConcurrency    = 32
	DefaultBacklog        = 1024
	DefaultResyncInterval = 30 * time.Second
)

// ActionRunner runs one action of a rule under its guardrails.
// *guardrails.Enforcer satisfies it.
type ActionRunner interface {
	Run(ctx context.Context, rule *rules.Rule, actionIndex int, actx actions.Context) (ledger.ActionOutcome, error)
}

// Deps are the collaborators an Engine is composed from
type Deps struct {
	Store     rules.RuleStore
	Evaluator conditions.Evaluator
	Actions   ActionRunner
	Ledger    ledger.Ledger
	// Snapshots is optional; without it schedule rules with a trigger entity are skipped
	Snapshots actions.SnapshotSource
	// Limiter bounds concurrent rule workers. Share one across engines to make
	// the bound global; nil creates a private one of Config.Concurrency.
	Limiter *semaphore.Weighted
}

// Config tunes an Engine
type Config struct {
	Concurrency    int
	Backlog        int
	ResyncInterval time.Duration
	// Now replaces the wall clock in tests
	Now func() time.Time
}

// Event is an inbound platform event
type Event struct {
	ID         string
	Name       string
	Payload    map[string]any
	ReceivedAt time.Time
}

// Ack acknowledges an accepted event; execution continues in the background
type Ack struct {
	EventID    string    `json:"eventId"`
	EventName  string    `json:"eventName"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// triggerContext is shared by every rule dispatched for one event or tick
type triggerContext struct {
	id      string
	payload map[string]any
	now     time.Time
}

// Engine dispatches one tenant's rules
type Engine struct {
	tenantID  string
	store     rules.RuleStore
	evaluator conditions.Evaluator
	runner    ActionRunner
	ledger    ledger.Ledger
	snapshots actions.SnapshotSource
	limiter   *semaphore.Weighted
	scheduler *Scheduler
	cfg       Config
	now       func() time.Time

	queue   chan Event
	wake    chan struct{}
	workers sync.WaitGroup

	mu             sync.RWMutex
	started        bool
	stopped        bool
	stopScheduler  context.CancelFunc
	dispatcherDone chan struct{}
	schedulerDone  chan struct{}
}

// New creates an engine for one tenant
func New(tenantID string, deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Actions == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("engine requires a rule store, an action runner and a ledger")
	}
	if deps.Evaluator == nil {
		deps.Evaluator = conditions.NewEvaluator()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Limiter == nil {
		deps.Limiter = semaphore.NewWeighted(int64(cfg.Concurrency))
	}

	return &Engine{
		tenantID:  tenantID,
		store:     deps.Store,
		evaluator: deps.Evaluator,
		runner:    deps.Actions,
		ledger:    deps.Ledger,
		snapshots: deps.Snapshots,
		limiter:   deps.Limiter,
		scheduler: NewScheduler(),
		cfg:       cfg,
		now:       cfg.Now,
		queue:     make(chan Event, cfg.Backlog),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Store returns the engine's rule store
func (e *Engine) Store() rules.RuleStore { return e.store }

// Ledger returns the engine's execution ledger
func (e *Engine) Ledger() ledger.Ledger { return e.ledger }

// Scheduler exposes the schedule heap for inspection
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Start launches the event dispatcher and the scheduler loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return rules.ErrEngineStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	e.dispatcherDone = make(chan struct{})
	go e.runDispatcher()

	schedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.stopScheduler = cancel
	e.schedulerDone = make(chan struct{})
	go e.runScheduler(schedCtx)

	logger.Info("Rule engine started", "tenant_id", e.tenantID, "concurrency", e.cfg.Concurrency)
	return nil
}

// Stop stops accepting events, drains queued events and in-flight rule workers
// to terminal states, and stops the scheduler. If ctx expires first, Stop
// returns its error while the remaining workers keep draining.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	close(e.queue)
	if started {
		e.stopScheduler()
	} else {
		// events queued before Start still get dispatched
		e.dispatcherDone = make(chan struct{})
		go e.runDispatcher()
	}
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		<-e.dispatcherDone
		if started {
			<-e.schedulerDone
		}
		e.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info("Rule engine stopped", "tenant_id", e.tenantID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine %s did not drain: %w", e.tenantID, ctx.Err())
	}
}

// SubmitEvent queues an event for dispatch and returns immediately. The event
// id is payload.eventId when present, otherwise a new UUID.
func (e *Engine) SubmitEvent(name string, payload map[string]any) (Ack, error) {
	id, _ := payload["eventId"].(string)
	return e.Submit(Event{ID: id, Name: name, Payload: payload})
}

// Submit queues an event. It never blocks: a full backlog is ErrBacklogFull.
func (e *Engine) Submit(ev Event) (Ack, error) {
	if ev.Name == "" {
		return Ack{}, fmt.Errorf("%w: event name is required", rules.ErrInvalidRule)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return Ack{}, rules.ErrEngineStopped
	}

	select {
	case e.queue <- ev:
		return Ack{EventID: ev.ID, EventName: ev.Name, ReceivedAt: ev.ReceivedAt}, nil
	default:
		return Ack{}, rules.ErrBacklogFull
	}
}

// NotifyRulesChanged asks the scheduler loop to resync with the store
func (e *Engine) NotifyRulesChanged() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// runDispatcher hands events to workers strictly in arrival order
func (e *Engine) runDispatcher() {
	defer close(e.dispatcherDone)
	for ev := range e.queue {
		e.startEvent(context.Background(), ev, nil)
	}
}

// Dispatch runs every enabled rule subscribed to the event and waits for all of
// them to reach a terminal state. It returns the ledger execution ids.
func (e *Engine) Dispatch(ctx context.Context, ev Event) ([]string, error) {
	if ev.Name == "" {
		return nil, fmt.Errorf("%w: event name is required", rules.ErrInvalidRule)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if e.isStopped() {
		return nil, rules.ErrEngineStopped
	}

	var (
		wg  sync.WaitGroup
		ids = &idCollector{}
	)
	err := e.startEvent(ctx, ev, ids.add, &wg)
	wg.Wait()
	return ids.list(), err
}

func (e *Engine) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

func (e *Engine) startEvent(ctx context.Context, ev Event, onExec func(string), wgs ...*sync.WaitGroup) error {
	candidates, err := e.store.ListByEvent(ev.Name)
	if err != nil {
		logger.Error("Failed to load rules for event", "tenant_id", e.tenantID, "event", ev.Name, "error", err)
		return fmt.Errorf("failed to load rules for event %s: %w", ev.Name, err)
	}

	tc := triggerContext{id: ev.ID, payload: ev.Payload, now: e.now()}
	logger.Debug("Dispatching event", "tenant_id", e.tenantID, "event", ev.Name, "event_id", ev.ID, "rules", len(candidates))

	for _, rule := range candidates {
		if err := e.spawn(ctx, rule, tc, onExec, wgs...); err != nil {
			return err
		}
	}
	return nil
}

// spawn acquires a worker slot and runs one rule instance in its own goroutine
func (e *Engine) spawn(ctx context.Context, rule *rules.Rule, tc triggerContext, onExec func(string), wgs ...*sync.WaitGroup) error {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire dispatch slot: %w", err)
	}

	e.workers.Add(1)
	for _, wg := range wgs {
		wg.Add(1)
	}
	go func() {
		defer func() {
			for _, wg := range wgs {
				wg.Done()
			}
			e.workers.Done()
			e.limiter.Release(1)
		}()

		id := e.runRule(rule, tc)
		if onExec != nil && id != "" {
			onExec(id)
		}
	}()
	return nil
}

type idCollector struct {
	mu  sync.Mutex
	ids []string
}

func (c *idCollector) add(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func (c *idCollector) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// runRule drives one rule instance through its state machine. Workers run on a
// context that is never cancelled so every instance reaches a terminal state.
func (e *Engine) runRule(rule *rules.Rule, tc triggerContext) (execID string) {
	ctx := context.Background()
	logger.RuleExecutions.Add(1)

	exec := &ledger.Execution{
		TenantID:         e.tenantID,
		RuleID:           rule.ID,
		TriggerContextID: tc.id,
		Priority:         rule.Priority,
		StartedAt:        e.now(),
	}
	if err := e.ledger.Begin(ctx, exec); err != nil {
		logger.Error("Failed to open execution", "tenant_id", e.tenantID, "rule_id", rule.ID, "error", err)
		return ""
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WorkerPanics.Add(1)
			logger.Error("Rule worker panicked", "tenant_id", e.tenantID, "rule_id", rule.ID,
				"execution_id", exec.ID, "panic", fmt.Sprint(r))
			e.finalize(ctx, exec.ID, ledger.StateFailed)
		}
	}()

	e.transition(ctx, exec.ID, ledger.StateEvaluating)

	satisfied, condErr := e.evaluate(rule, tc)
	if condErr != nil {
		logger.ConditionErrors.Add(1)
		logger.Critical("Condition evaluation failed, rule not fired", "tenant_id", e.tenantID,
			"rule_id", rule.ID, "trigger_context_id", tc.id, "error", condErr)
		satisfied = false
	}
	if err := e.ledger.RecordCondition(ctx, exec.ID, satisfied, condErr); err != nil {
		logger.Error("Failed to record condition result", "execution_id", exec.ID, "error", err)
	}

	if !satisfied {
		e.finalize(ctx, exec.ID, ledger.StateSkipped)
		return exec.ID
	}

	e.transition(ctx, exec.ID, ledger.StateExecuting)

	outcomes := make([]ledger.ActionOutcome, 0, len(rule.Actions))
	halted := false
	for i, action := range rule.Actions {
		var outcome ledger.ActionOutcome
		if halted {
			outcome = ledger.ActionOutcome{
				ActionIndex: i,
				ActionType:  action.Type,
				Status:      ledger.OutcomeSkipped,
				LastError:   "not run: an earlier critical action failed",
			}
		} else {
			var runErr error
			outcome, runErr = e.runner.Run(ctx, rule, i, actions.Context{
				TriggerContextID: tc.id,
				Payload:          tc.payload,
				Now:              tc.now,
			})
			if runErr != nil {
				logger.Warn("Action failed", "tenant_id", e.tenantID, "rule_id", rule.ID,
					"action_index", i, "action_type", action.Type, "status", outcome.Status, "error", runErr)
				if action.Critical() {
					halted = true
				}
			}
		}

		outcomes = append(outcomes, outcome)
		if err := e.ledger.AppendOutcome(ctx, exec.ID, outcome); err != nil {
			logger.Error("Failed to record action outcome", "execution_id", exec.ID, "error", err)
		}
	}

	e.finalize(ctx, exec.ID, ledger.OverallStatusOf(outcomes))
	return exec.ID
}

// evaluate calls the evaluator, turning a panic into a condition error
func (e *Engine) evaluate(rule *rules.Rule, tc triggerContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &rules.ConditionEvaluationError{Index: -1, Reason: fmt.Sprintf("evaluator panic: %v", r)}
		}
	}()
	return e.evaluator.Evaluate(rule.Conditions, conditions.Context{Payload: tc.payload, Now: tc.now})
}

func (e *Engine) transition(ctx context.Context, id string, state ledger.State) {
	if err := e.ledger.Transition(ctx, id, state, e.now()); err != nil {
		logger.Error("Failed to record transition", "execution_id", id, "state", state, "error", err)
	}
}

func (e *Engine) finalize(ctx context.Context, id string, status ledger.State) {
	err := e.ledger.Finalize(ctx, id, status, e.now())
	if err != nil && !errors.Is(err, rules.ErrExecutionFinalized) {
		logger.Error("Failed to finalize execution", "execution_id", id, "status", status, "error", err)
	}
}
