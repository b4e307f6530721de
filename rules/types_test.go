package rules

import (
	"encoding/json"
	"testing"
	"time"
)

// TestRuleClone verifies a clone shares no mutable state with the original
func TestRuleClone(t *testing.T) {
	r := testRule("clone-me")
	r.Actions[0].Config["headers"] = map[string]any{"X-Source": "automations"}

	c := r.Clone()
	c.Conditions[0].Field = "changed"
	c.Actions[0].Config["url"] = "/changed"
	c.Actions[0].Config["headers"].(map[string]any)["X-Source"] = "changed"

	if r.Conditions[0].Field != "amount" {
		t.Errorf("clone shares conditions with original")
	}
	if r.Actions[0].Config["url"] != "/hook" {
		t.Errorf("clone shares action config with original")
	}
	if r.Actions[0].Config["headers"].(map[string]any)["X-Source"] != "automations" {
		t.Errorf("clone shares nested config with original")
	}

	var nilRule *Rule
	if nilRule.Clone() != nil {
		t.Error("Clone() of nil rule should be nil")
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Priority("").Rank() != PriorityMedium.Rank() || Priority("URGENT").Rank() != PriorityMedium.Rank() {
		t.Error("unknown priorities should rank as MEDIUM")
	}
}

func TestActionCritical(t *testing.T) {
	tests := []struct {
		config map[string]any
		want   bool
	}{
		{nil, false},
		{map[string]any{}, false},
		{map[string]any{"critical": true}, true},
		{map[string]any{"critical": false}, false},
		{map[string]any{"critical": "yes"}, false},
	}
	for _, tt := range tests {
		if got := (Action{Type: ActionWebhook, Config: tt.config}).Critical(); got != tt.want {
			t.Errorf("Critical() with %v = %v, want %v", tt.config, got, tt.want)
		}
	}
}

func TestGuardrailsJSON(t *testing.T) {
	data, err := json.Marshal(Guardrails{Idempotent: true, MaxRetries: 3, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if string(data) != `{"idempotent":true,"maxRetries":3,"timeout":"30s"}` {
		t.Errorf("Marshal() = %s", data)
	}

	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`{"timeout":"1m30s"}`, 90 * time.Second, false},
		{`{"timeout":2500}`, 2500 * time.Millisecond, false},
		{`{}`, 0, false},
		{`{"timeout":"soon"}`, 0, true},
		{`{"timeout":true}`, 0, true},
	}
	for _, tt := range tests {
		var g Guardrails
		err := json.Unmarshal([]byte(tt.input), &g)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && g.Timeout != tt.want {
			t.Errorf("Unmarshal(%s) timeout = %v, want %v", tt.input, g.Timeout, tt.want)
		}
	}
}
