package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/liamcoop/automations/rules"
)

func beginExecution(t *testing.T, l Ledger, ruleID string, startedAt time.Time) *Execution {
	t.Helper()
	exec := &Execution{RuleID: ruleID, TriggerContextID: "evt-1", Priority: rules.PriorityHigh, StartedAt: startedAt}
	if err := l.Begin(context.Background(), exec); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	return exec
}

// TestMemoryLedgerLifecycle verifies an entry moves through its states and becomes immutable
func TestMemoryLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	exec := beginExecution(t, l, "RULE_A", start)
	if exec.ID == "" {
		t.Fatal("Begin() should assign an ID")
	}

	if err := l.Transition(ctx, exec.ID, StateEvaluating, start.Add(time.Millisecond)); err != nil {
		t.Fatalf("Transition() failed: %v", err)
	}
	if err := l.RecordCondition(ctx, exec.ID, true, nil); err != nil {
		t.Fatalf("RecordCondition() failed: %v", err)
	}
	if err := l.Transition(ctx, exec.ID, StateExecuting, start.Add(2*time.Millisecond)); err != nil {
		t.Fatalf("Transition() failed: %v", err)
	}
	outcome := ActionOutcome{ActionIndex: 0, ActionType: rules.ActionWebhook, Status: OutcomeSucceeded, Attempts: 1}
	if err := l.AppendOutcome(ctx, exec.ID, outcome); err != nil {
		t.Fatalf("AppendOutcome() failed: %v", err)
	}
	finish := start.Add(50 * time.Millisecond)
	if err := l.Finalize(ctx, exec.ID, StateSucceeded, finish); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}

	got, err := l.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.OverallStatus != StateSucceeded {
		t.Errorf("OverallStatus = %s, want SUCCEEDED", got.OverallStatus)
	}
	if got.ConditionResult == nil || !*got.ConditionResult {
		t.Error("condition result should be recorded as true")
	}
	if got.Latency() != 50*time.Millisecond {
		t.Errorf("Latency() = %v, want 50ms", got.Latency())
	}

	wantStates := []State{StatePending, StateEvaluating, StateExecuting, StateSucceeded}
	if len(got.Transitions) != len(wantStates) {
		t.Fatalf("got %d transitions, want %d", len(got.Transitions), len(wantStates))
	}
	for i, s := range wantStates {
		if got.Transitions[i].State != s {
			t.Errorf("transition %d = %s, want %s", i, got.Transitions[i].State, s)
		}
	}

	// Every write after finalization is rejected
	if err := l.AppendOutcome(ctx, exec.ID, outcome); !errors.Is(err, rules.ErrExecutionFinalized) {
		t.Errorf("AppendOutcome() after finalize = %v, want ErrExecutionFinalized", err)
	}
	if err := l.Transition(ctx, exec.ID, StateExecuting, finish); !errors.Is(err, rules.ErrExecutionFinalized) {
		t.Errorf("Transition() after finalize = %v, want ErrExecutionFinalized", err)
	}
	if err := l.Finalize(ctx, exec.ID, StateFailed, finish); !errors.Is(err, rules.ErrExecutionFinalized) {
		t.Errorf("Finalize() twice = %v, want ErrExecutionFinalized", err)
	}
}

// TestMemoryLedgerGetReturnsCopy verifies callers cannot mutate stored entries
func TestMemoryLedgerGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	exec := beginExecution(t, l, "RULE_A", time.Now())

	got, _ := l.Get(ctx, exec.ID)
	got.RuleID = "tampered"
	got.Transitions[0].State = StateFailed

	again, _ := l.Get(ctx, exec.ID)
	if again.RuleID != "RULE_A" || again.Transitions[0].State != StatePending {
		t.Error("stored execution was mutated through a returned copy")
	}
}

func TestMemoryLedgerUnknownExecution(t *testing.T) {
	l := NewMemoryLedger()
	if _, err := l.Get(context.Background(), "missing"); !errors.Is(err, rules.ErrExecutionNotFound) {
		t.Errorf("Get() = %v, want ErrExecutionNotFound", err)
	}
	if err := l.AppendOutcome(context.Background(), "missing", ActionOutcome{}); !errors.Is(err, rules.ErrExecutionNotFound) {
		t.Errorf("AppendOutcome() = %v, want ErrExecutionNotFound", err)
	}
}

func TestMemoryLedgerRejectsWrongStateKinds(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	exec := beginExecution(t, l, "RULE_A", time.Now())

	if err := l.Transition(ctx, exec.ID, StateSucceeded, time.Now()); err == nil {
		t.Error("Transition() into a terminal state should fail")
	}
	if err := l.Finalize(ctx, exec.ID, StateExecuting, time.Now()); err == nil {
		t.Error("Finalize() with a non-terminal state should fail")
	}
}

// TestMemoryLedgerQuery verifies filtering by rule, status, time range and limit
func TestMemoryLedgerQuery(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	statuses := []State{StateSucceeded, StateFailed, StateSkipped, StateSucceeded}
	for i, status := range statuses {
		ruleID := "RULE_A"
		if i%2 == 1 {
			ruleID = "RULE_B"
		}
		exec := beginExecution(t, l, ruleID, base.Add(time.Duration(i)*time.Hour))
		if err := l.Finalize(ctx, exec.ID, status, exec.StartedAt.Add(time.Second)); err != nil {
			t.Fatalf("Finalize() failed: %v", err)
		}
	}
	running := beginExecution(t, l, "RULE_A", base.Add(10*time.Hour))

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"by rule", Filter{RuleID: "RULE_A"}, 3},
		{"by status", Filter{Status: StateSucceeded}, 2},
		{"running by state", Filter{Status: StatePending}, 1},
		{"from", Filter{From: base.Add(2 * time.Hour)}, 3},
		{"range", Filter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}, 2},
		{"limit", Filter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Query() returned %d executions, want %d", len(got), tt.want)
			}
		})
	}

	newest, _ := l.Query(ctx, Filter{Limit: 1})
	if newest[0].ID != running.ID {
		t.Error("Query() should order newest first")
	}
}

// TestStatsSuccessRate verifies skipped runs are excluded and running entries are ignored
func TestStatsSuccessRate(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	now := time.Now()

	for _, status := range []State{StateSucceeded, StateSucceeded, StateSucceeded, StatePartiallyFailed, StateSkipped, StateSkipped} {
		exec := beginExecution(t, l, "RULE_A", now.Add(-time.Hour))
		if err := l.Finalize(ctx, exec.ID, status, now); err != nil {
			t.Fatalf("Finalize() failed: %v", err)
		}
	}
	old := beginExecution(t, l, "RULE_A", now.Add(-48*time.Hour))
	_ = l.Finalize(ctx, old.ID, StateFailed, now.Add(-47*time.Hour))
	beginExecution(t, l, "RULE_A", now)

	stats, err := l.Stats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 6 {
		t.Errorf("Total = %d, want 6", stats.Total)
	}
	if stats.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", stats.Skipped)
	}
	if rate := stats.SuccessRate(); rate != 0.75 {
		t.Errorf("SuccessRate() = %v, want 0.75", rate)
	}

	if rate := (Stats{}).SuccessRate(); rate != 1 {
		t.Errorf("empty SuccessRate() = %v, want 1", rate)
	}
}

// TestCorrectAppendsNewEntry verifies corrections leave the original intact and replace it in stats
func TestCorrectAppendsNewEntry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	now := time.Now()

	orig := beginExecution(t, l, "RULE_A", now.Add(-time.Minute))

	if _, err := l.Correct(ctx, orig.ID, &Execution{OverallStatus: StateSucceeded}); err == nil {
		t.Fatal("correcting a running execution should fail")
	}

	if err := l.Finalize(ctx, orig.ID, StateFailed, now); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}

	if _, err := l.Correct(ctx, orig.ID, &Execution{}); err == nil {
		t.Error("correction without terminal status should fail")
	}

	corrected, err := l.Correct(ctx, orig.ID, &Execution{OverallStatus: StateSucceeded})
	if err != nil {
		t.Fatalf("Correct() failed: %v", err)
	}
	if corrected.ID == orig.ID || corrected.CorrectsID != orig.ID {
		t.Errorf("correction should be a new entry referencing %s, got id=%s corrects=%s", orig.ID, corrected.ID, corrected.CorrectsID)
	}
	if corrected.RuleID != "RULE_A" || corrected.TriggerContextID != "evt-1" {
		t.Error("correction should inherit rule and trigger context")
	}

	original, _ := l.Get(ctx, orig.ID)
	if original.OverallStatus != StateFailed {
		t.Error("original entry must not change")
	}

	stats, _ := l.Stats(ctx, now.Add(-time.Hour))
	if stats.Failed != 0 || stats.Succeeded != 1 {
		t.Errorf("stats should count only the correction, got %+v", stats)
	}

	if _, err := l.Correct(ctx, "missing", &Execution{OverallStatus: StateSucceeded}); !errors.Is(err, rules.ErrExecutionNotFound) {
		t.Errorf("Correct() on missing = %v, want ErrExecutionNotFound", err)
	}
}

func TestOverallStatusOf(t *testing.T) {
	ok := ActionOutcome{Status: OutcomeSucceeded}
	failed := ActionOutcome{Status: OutcomeFailed}
	skipped := ActionOutcome{Status: OutcomeSkipped}

	tests := []struct {
		outcomes []ActionOutcome
		want     State
	}{
		{[]ActionOutcome{ok, ok}, StateSucceeded},
		{[]ActionOutcome{ok, failed}, StatePartiallyFailed},
		{[]ActionOutcome{failed, skipped}, StateFailed},
		{[]ActionOutcome{ok, failed, skipped}, StatePartiallyFailed},
		{nil, StateSucceeded},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := OverallStatusOf(tt.outcomes); got != tt.want {
				t.Errorf("OverallStatusOf() = %s, want %s", got, tt.want)
			}
		})
	}
}
