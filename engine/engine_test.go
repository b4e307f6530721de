package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/automations/actions"
	"github.com/liamcoop/automations/conditions"
	"github.com/liamcoop/automations/guardrails"
	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/rules"
)

type harness struct {
	engine *Engine
	store  *rules.InMemoryRuleStore
	ledger *ledger.MemoryLedger
}

func newHarness(t *testing.T, deps Deps, cfg Config, opts ...actions.Option) *harness {
	t.Helper()

	templater, err := actions.NewTemplater()
	if err != nil {
		t.Fatalf("NewTemplater() failed: %v", err)
	}
	store := rules.NewInMemoryRuleStore()
	ldg := ledger.NewMemoryLedger()

	deps.Store = store
	deps.Ledger = ldg
	if deps.Actions == nil {
		executor := actions.NewExecutor(templater, opts...)
		deps.Actions = guardrails.NewEnforcer(executor, nil, guardrails.Config{
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
		})
	}

	e, err := New("tenant-1", deps, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &harness{engine: e, store: store, ledger: ldg}
}

func (h *harness) add(t *testing.T, r *rules.Rule) {
	t.Helper()
	if err := h.store.Add(r); err != nil {
		t.Fatalf("Add(%s) failed: %v", r.ID, err)
	}
}

func (h *harness) get(t *testing.T, id string) *ledger.Execution {
	t.Helper()
	exec, err := h.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("ledger Get(%s) failed: %v", id, err)
	}
	return exec
}

func (h *harness) executions(t *testing.T, ruleID string) []*ledger.Execution {
	t.Helper()
	execs, err := h.ledger.Query(context.Background(), ledger.Filter{RuleID: ruleID})
	if err != nil {
		t.Fatalf("ledger Query() failed: %v", err)
	}
	return execs
}

func eventRule(id, event string, conds []rules.Condition, acts ...rules.Action) *rules.Rule {
	return &rules.Rule{
		ID:         id,
		Name:       id,
		Trigger:    rules.OnEvent(event),
		Conditions: conds,
		Actions:    acts,
		Guardrails: rules.Guardrails{Idempotent: true, MaxRetries: 0, Timeout: time.Second},
		Enabled:    true,
		Priority:   rules.PriorityMedium,
	}
}

func webhook(url string) rules.Action {
	return rules.Action{Type: rules.ActionWebhook, Config: map[string]any{"url": url}}
}

// counter is a webhook adapter that records every invocation
type counter struct {
	calls atomic.Int32
	fail  map[string]bool
	delay time.Duration
}

func (c *counter) option() actions.Option {
	return actions.WithAdapter(rules.ActionWebhook, actions.AdapterFunc(func(ctx context.Context, req actions.Request) error {
		c.calls.Add(1)
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		if url, _ := req.Config["url"].(string); c.fail[url] {
			return &rules.ActionTransportError{ActionType: req.ActionType, StatusCode: 500, Err: errors.New("server error")}
		}
		return nil
	}))
}

// TestDisputeFreezesFunds dispatches dispute.opened against the freeze rule
// with a real HTTP collaborator
func TestDisputeFreezesFunds(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/escrow/freeze" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		hits = append(hits, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook, err := actions.NewWebhookAdapter(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewWebhookAdapter() failed: %v", err)
	}
	h := newHarness(t, Deps{}, Config{}, actions.WithAdapter(rules.ActionWebhook, hook))
	h.add(t, eventRule("RULE_FREEZE_FUNDS_ON_DISPUTE", "dispute.opened",
		[]rules.Condition{{Field: "escrowId", Operator: rules.OpExists}},
		rules.Action{Type: rules.ActionWebhook, Config: map[string]any{
			"url":  "/api/escrow/freeze",
			"body": map[string]any{"escrowId": "=payload.escrowId"},
		}},
	))

	ids, err := h.engine.Dispatch(context.Background(), Event{
		ID:      "evt-1",
		Name:    "dispute.opened",
		Payload: map[string]any{"escrowId": "E1", "amount": 5000},
	})
	if err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("Dispatch() returned %d executions, want 1", len(ids))
	}

	exec := h.get(t, ids[0])
	if exec.OverallStatus != ledger.StateSucceeded {
		t.Errorf("overallStatus = %s, want SUCCEEDED", exec.OverallStatus)
	}
	if exec.TriggerContextID != "evt-1" {
		t.Errorf("triggerContextId = %s, want evt-1", exec.TriggerContextID)
	}
	if exec.ConditionResult == nil || !*exec.ConditionResult {
		t.Error("conditionResult should be true")
	}
	if len(exec.ActionOutcomes) != 1 || exec.ActionOutcomes[0].Status != ledger.OutcomeSucceeded {
		t.Errorf("unexpected action outcomes: %+v", exec.ActionOutcomes)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 1 {
		t.Fatalf("freeze endpoint called %d times, want 1", len(hits))
	}
	if hits[0]["escrowId"] != "E1" {
		t.Errorf("freeze body = %v", hits[0])
	}
}

func TestDispatchSkipsUnsatisfiedRule(t *testing.T) {
	c := &counter{}
	h := newHarness(t, Deps{}, Config{}, c.option())
	h.add(t, eventRule("RULE_BIG_DISPUTE", "dispute.opened",
		[]rules.Condition{{Field: "amount", Operator: rules.OpGreaterThan, Value: 10000}},
		webhook("/hook"),
	))

	ids, err := h.engine.Dispatch(context.Background(), Event{Name: "dispute.opened", Payload: map[string]any{"amount": 5000}})
	if err != nil || len(ids) != 1 {
		t.Fatalf("Dispatch() = %v, %v", ids, err)
	}
	exec := h.get(t, ids[0])
	if exec.OverallStatus != ledger.StateSkipped || len(exec.ActionOutcomes) != 0 {
		t.Errorf("execution = %s with %d outcomes, want SKIPPED and none", exec.OverallStatus, len(exec.ActionOutcomes))
	}
	if c.calls.Load() != 0 {
		t.Errorf("collaborator called %d times, want 0", c.calls.Load())
	}
}

// panicEvaluator blows up on any condition list whose first field is "boom"
type panicEvaluator struct{ conditions.Evaluator }

func (p panicEvaluator) Evaluate(conds []rules.Condition, ctx conditions.Context) (bool, error) {
	if len(conds) > 0 && conds[0].Field == "boom" {
		panic("evaluator exploded")
	}
	return p.Evaluator.Evaluate(conds, ctx)
}

// TestRuleFailuresAreIsolated verifies a crashing evaluation of one rule does
// not affect another rule on the same event
func TestRuleFailuresAreIsolated(t *testing.T) {
	c := &counter{}
	h := newHarness(t, Deps{Evaluator: panicEvaluator{conditions.NewEvaluator()}}, Config{}, c.option())
	h.add(t, eventRule("RULE_BROKEN", "order.placed",
		[]rules.Condition{{Field: "boom", Operator: rules.OpExists}}, webhook("/a")))
	h.add(t, eventRule("RULE_MALFORMED", "order.placed",
		[]rules.Condition{{Field: "total", Operator: "between", Value: 1}}, webhook("/b")))
	h.add(t, eventRule("RULE_HEALTHY", "order.placed", nil, webhook("/c")))

	ids, err := h.engine.Dispatch(context.Background(), Event{Name: "order.placed", Payload: map[string]any{"total": 10}})
	if err != nil || len(ids) != 3 {
		t.Fatalf("Dispatch() = %v, %v", ids, err)
	}

	for _, id := range []string{"RULE_BROKEN", "RULE_MALFORMED"} {
		execs := h.executions(t, id)
		if len(execs) != 1 {
			t.Fatalf("%s: %d executions, want 1", id, len(execs))
		}
		if execs[0].OverallStatus != ledger.StateSkipped || execs[0].ConditionError == "" {
			t.Errorf("%s: status %s, conditionError %q; want SKIPPED with an error", id, execs[0].OverallStatus, execs[0].ConditionError)
		}
	}

	healthy := h.executions(t, "RULE_HEALTHY")
	if len(healthy) != 1 || healthy[0].OverallStatus != ledger.StateSucceeded {
		t.Errorf("RULE_HEALTHY should have succeeded: %+v", healthy)
	}
	if c.calls.Load() != 1 {
		t.Errorf("collaborator called %d times, want 1", c.calls.Load())
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, *rules.Rule, int, actions.Context) (ledger.ActionOutcome, error) {
	panic("runner exploded")
}

func TestWorkerPanicFinalizesFailed(t *testing.T) {
	h := newHarness(t, Deps{Actions: panicRunner{}}, Config{})
	h.add(t, eventRule("RULE_A", "order.placed", nil, webhook("/a")))

	ids, err := h.engine.Dispatch(context.Background(), Event{Name: "order.placed"})
	if err != nil || len(ids) != 1 {
		t.Fatalf("Dispatch() = %v, %v", ids, err)
	}
	if exec := h.get(t, ids[0]); exec.OverallStatus != ledger.StateFailed {
		t.Errorf("overallStatus = %s, want FAILED", exec.OverallStatus)
	}
}

func TestCriticalFailureHaltsSequence(t *testing.T) {
	c := &counter{fail: map[string]bool{"/freeze": true}}
	h := newHarness(t, Deps{}, Config{}, c.option())

	critical := webhook("/freeze")
	critical.Config["critical"] = true
	h.add(t, eventRule("RULE_HALT", "dispute.opened", nil, critical, webhook("/notify")))

	ids, _ := h.engine.Dispatch(context.Background(), Event{Name: "dispute.opened"})
	exec := h.get(t, ids[0])

	if exec.OverallStatus != ledger.StateFailed {
		t.Errorf("overallStatus = %s, want FAILED", exec.OverallStatus)
	}
	if len(exec.ActionOutcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(exec.ActionOutcomes))
	}
	if exec.ActionOutcomes[0].Status != ledger.OutcomeFailed || exec.ActionOutcomes[1].Status != ledger.OutcomeSkipped {
		t.Errorf("outcomes = %s, %s; want FAILED, SKIPPED", exec.ActionOutcomes[0].Status, exec.ActionOutcomes[1].Status)
	}
	if c.calls.Load() != 1 {
		t.Errorf("collaborator called %d times, want 1", c.calls.Load())
	}
}

func TestNonCriticalFailureContinues(t *testing.T) {
	c := &counter{fail: map[string]bool{"/first": true}}
	h := newHarness(t, Deps{}, Config{}, c.option())
	h.add(t, eventRule("RULE_MIXED", "dispute.opened", nil, webhook("/first"), webhook("/second")))

	ids, _ := h.engine.Dispatch(context.Background(), Event{Name: "dispute.opened"})
	exec := h.get(t, ids[0])

	if exec.OverallStatus != ledger.StatePartiallyFailed {
		t.Errorf("overallStatus = %s, want PARTIALLY_FAILED", exec.OverallStatus)
	}
	if c.calls.Load() != 2 {
		t.Errorf("collaborator called %d times, want 2", c.calls.Load())
	}
}

// TestRuleDisabledBehindCacheStopsFiring disables a rule directly in the
// backing store, as another replica would, and expects the next dispatch to
// skip it even though the cached rule set has not expired
func TestRuleDisabledBehindCacheStopsFiring(t *testing.T) {
	templater, err := actions.NewTemplater()
	if err != nil {
		t.Fatalf("NewTemplater() failed: %v", err)
	}
	c := &counter{}
	backing := rules.NewInMemoryRuleStore()
	cached := rules.NewCachedRuleStore(backing, rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: time.Minute}))

	e, err := New("tenant-1", Deps{
		Store:   cached,
		Actions: guardrails.NewEnforcer(actions.NewExecutor(templater, c.option()), nil, guardrails.Config{}),
		Ledger:  ledger.NewMemoryLedger(),
	}, Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := backing.Add(eventRule("R", "dispute.opened", nil, webhook("/freeze"))); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	ctx := context.Background()
	if ids, err := e.Dispatch(ctx, Event{ID: "evt-1", Name: "dispute.opened"}); err != nil || len(ids) != 1 {
		t.Fatalf("first Dispatch() = %v, %v", ids, err)
	}

	if err := backing.SetEnabled("R", false); err != nil {
		t.Fatalf("SetEnabled() failed: %v", err)
	}
	if ids, err := e.Dispatch(ctx, Event{ID: "evt-2", Name: "dispute.opened"}); err != nil || len(ids) != 0 {
		t.Errorf("Dispatch() after disable = %v, %v; want no executions", ids, err)
	}
	if calls := c.calls.Load(); calls != 1 {
		t.Errorf("collaborator called %d times, want 1", calls)
	}
}

// TestDuplicateTriggerContextRunsOnce dispatches the same event concurrently
// and expects a single collaborator call for the idempotent rule
func TestDuplicateTriggerContextRunsOnce(t *testing.T) {
	c := &counter{delay: 20 * time.Millisecond}
	h := newHarness(t, Deps{}, Config{}, c.option())
	h.add(t, eventRule("RULE_FREEZE_FUNDS_ON_DISPUTE", "dispute.opened", nil, webhook("/freeze")))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Dispatch(context.Background(), Event{ID: "evt-dup", Name: "dispute.opened"}); err != nil {
				t.Errorf("Dispatch() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := c.calls.Load(); got != 1 {
		t.Errorf("collaborator called %d times, want 1", got)
	}
	execs := h.executions(t, "RULE_FREEZE_FUNDS_ON_DISPUTE")
	if len(execs) != 5 {
		t.Fatalf("got %d executions, want 5", len(execs))
	}
	replayed := 0
	for _, exec := range execs {
		if exec.OverallStatus != ledger.StateSucceeded {
			t.Errorf("execution %s status = %s", exec.ID, exec.OverallStatus)
		}
		if exec.ActionOutcomes[0].Replayed {
			replayed++
		}
	}
	if replayed != 4 {
		t.Errorf("replayed = %d, want 4", replayed)
	}
}

type fakeSnapshots struct {
	entities map[string][]map[string]any
}

func (f fakeSnapshots) Snapshots(_ context.Context, entity string) ([]map[string]any, error) {
	return f.entities[entity], nil
}

// TestRetentionSchedule ticks the retention rule over an old and a new record
func TestRetentionSchedule(t *testing.T) {
	tick := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	snaps := fakeSnapshots{entities: map[string][]map[string]any{
		"record": {
			{"id": "rec-old", "createdAt": tick.AddDate(0, 0, -400).Format(time.RFC3339)},
			{"id": "rec-new", "createdAt": tick.AddDate(0, 0, -10).Format(time.RFC3339)},
		},
	}}

	c := &counter{}
	h := newHarness(t, Deps{Snapshots: snaps}, Config{Now: func() time.Time { return tick }}, c.option())
	h.add(t, &rules.Rule{
		ID:         "RULE_ENFORCE_DATA_RETENTION",
		Trigger:    rules.Trigger{Kind: rules.TriggerSchedule, CronExpression: "0 3 * * *", Entity: "record"},
		Conditions: []rules.Condition{{Field: "createdAt", Operator: rules.OpLessThan, Value: "NOW-365d"}},
		Actions:    []rules.Action{{Type: rules.ActionWebhook, Config: map[string]any{"url": "/records/delete", "method": "DELETE"}}},
		Guardrails: rules.Guardrails{Idempotent: true, Timeout: time.Second},
		Enabled:    true,
		Priority:   rules.PriorityHigh,
	})

	ctx := context.Background()
	if ids, err := h.engine.Tick(ctx, t0); err != nil || len(ids) != 0 {
		t.Fatalf("first Tick() = %v, %v; want nothing due", ids, err)
	}

	ids, err := h.engine.Tick(ctx, tick)
	if err != nil {
		t.Fatalf("Tick() failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Tick() returned %d executions, want 2", len(ids))
	}

	byContext := map[string]*ledger.Execution{}
	for _, id := range ids {
		exec := h.get(t, id)
		byContext[exec.TriggerContextID] = exec
	}

	prefix := fmt.Sprintf("tick:RULE_ENFORCE_DATA_RETENTION:%d", tick.Unix())
	if exec := byContext[prefix+":rec-old"]; exec == nil || exec.OverallStatus != ledger.StateSucceeded {
		t.Errorf("old record execution = %+v, want SUCCEEDED", exec)
	}
	if exec := byContext[prefix+":rec-new"]; exec == nil || exec.OverallStatus != ledger.StateSkipped {
		t.Errorf("new record execution = %+v, want SKIPPED", exec)
	}
	if c.calls.Load() != 1 {
		t.Errorf("delete webhook called %d times, want 1", c.calls.Load())
	}
}

func TestTickSkipsDisabledRule(t *testing.T) {
	c := &counter{}
	h := newHarness(t, Deps{}, Config{}, c.option())
	r := &rules.Rule{
		ID:         "RULE_HOURLY",
		Trigger:    rules.OnSchedule("0 * * * *"),
		Actions:    []rules.Action{webhook("/hourly")},
		Guardrails: rules.Guardrails{Timeout: time.Second},
		Enabled:    true,
	}
	h.add(t, r)

	ctx := context.Background()
	if _, err := h.engine.Tick(ctx, t0); err != nil {
		t.Fatalf("Tick() failed: %v", err)
	}
	ids, _ := h.engine.Tick(ctx, t0.Add(time.Hour))
	if len(ids) != 1 {
		t.Fatalf("enabled rule: %d executions, want 1", len(ids))
	}
	if exec := h.get(t, ids[0]); exec.TriggerContextID != fmt.Sprintf("tick:RULE_HOURLY:%d", t0.Add(time.Hour).Unix()) {
		t.Errorf("triggerContextId = %s", exec.TriggerContextID)
	}

	if err := h.store.SetEnabled("RULE_HOURLY", false); err != nil {
		t.Fatalf("SetEnabled() failed: %v", err)
	}
	if ids, _ := h.engine.Tick(ctx, t0.Add(2*time.Hour)); len(ids) != 0 {
		t.Errorf("disabled rule fired %d times", len(ids))
	}
}

func TestSubmitEventBacklogFull(t *testing.T) {
	c := &counter{}
	h := newHarness(t, Deps{}, Config{Backlog: 1}, c.option())
	h.add(t, eventRule("RULE_A", "order.placed", nil, webhook("/a")))

	ack, err := h.engine.SubmitEvent("order.placed", map[string]any{"eventId": "evt-7"})
	if err != nil {
		t.Fatalf("SubmitEvent() failed: %v", err)
	}
	if ack.EventID != "evt-7" {
		t.Errorf("ack event id = %s, want evt-7", ack.EventID)
	}

	if _, err := h.engine.SubmitEvent("order.placed", nil); !errors.Is(err, rules.ErrBacklogFull) {
		t.Errorf("second SubmitEvent() error = %v, want ErrBacklogFull", err)
	}

	// the queued event still runs when the engine shuts down
	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	execs := h.executions(t, "RULE_A")
	if len(execs) != 1 || execs[0].TriggerContextID != "evt-7" {
		t.Errorf("executions after drain = %+v", execs)
	}
}

// TestStopDrainsInFlightWork submits events to a running engine and expects
// every execution to be terminal once Stop returns
func TestStopDrainsInFlightWork(t *testing.T) {
	c := &counter{delay: 10 * time.Millisecond}
	h := newHarness(t, Deps{}, Config{Concurrency: 2}, c.option())
	h.add(t, eventRule("RULE_A", "order.placed", nil, webhook("/a")))

	ctx := context.Background()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := h.engine.SubmitEvent("order.placed", map[string]any{"eventId": fmt.Sprintf("evt-%d", i)}); err != nil {
			t.Fatalf("SubmitEvent() failed: %v", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.engine.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	execs := h.executions(t, "RULE_A")
	if len(execs) != 10 {
		t.Fatalf("got %d executions, want 10", len(execs))
	}
	for _, exec := range execs {
		if !exec.Finalized() {
			t.Errorf("execution %s not finalized after Stop", exec.ID)
		}
	}
	if c.calls.Load() != 10 {
		t.Errorf("collaborator called %d times, want 10", c.calls.Load())
	}

	if _, err := h.engine.SubmitEvent("order.placed", nil); !errors.Is(err, rules.ErrEngineStopped) {
		t.Errorf("SubmitEvent() after Stop error = %v, want ErrEngineStopped", err)
	}
}

func TestExecutionLedgerTransitions(t *testing.T) {
	c := &counter{}
	h := newHarness(t, Deps{}, Config{}, c.option())
	h.add(t, eventRule("RULE_A", "order.placed", nil, webhook("/a")))

	ids, _ := h.engine.Dispatch(context.Background(), Event{Name: "order.placed"})
	exec := h.get(t, ids[0])

	want := []ledger.State{ledger.StatePending, ledger.StateEvaluating, ledger.StateExecuting, ledger.StateSucceeded}
	if len(exec.Transitions) != len(want) {
		t.Fatalf("transitions = %+v, want %v", exec.Transitions, want)
	}
	for i, s := range want {
		if exec.Transitions[i].State != s {
			t.Errorf("transition %d = %s, want %s", i, exec.Transitions[i].State, s)
		}
	}
}
