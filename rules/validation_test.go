package rules

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr string
	}{
		{"valid event rule", func(r *Rule) {}, ""},
		{"valid schedule rule", func(r *Rule) {
			r.Trigger = Trigger{Kind: TriggerSchedule, CronExpression: "0 3 * * *", Entity: "talent_record"}
		}, ""},
		{"descriptor schedule", func(r *Rule) { r.Trigger = OnSchedule("@every 5m") }, ""},
		{"no conditions is allowed", func(r *Rule) { r.Conditions = nil }, ""},
		{"empty priority defaults later", func(r *Rule) { r.Priority = "" }, ""},

		{"empty id", func(r *Rule) { r.ID = "" }, "identifier cannot be empty"},
		{"id starting with digit", func(r *Rule) { r.ID = "9lives" }, "must match pattern"},
		{"id too long", func(r *Rule) { r.ID = strings.Repeat("a", 101) }, "exceeds maximum"},
		{"unknown trigger kind", func(r *Rule) { r.Trigger.Kind = "WEBHOOK" }, "unknown trigger kind"},
		{"event with cron", func(r *Rule) { r.Trigger.CronExpression = "* * * * *" }, "cannot carry a cron"},
		{"bad event name", func(r *Rule) { r.Trigger.EventName = "dispute..opened" }, "invalid event name"},
		{"schedule with event", func(r *Rule) {
			r.Trigger = Trigger{Kind: TriggerSchedule, CronExpression: "@daily", EventName: "x"}
		}, "cannot carry an event name"},
		{"bad cron", func(r *Rule) { r.Trigger = OnSchedule("61 * * * *") }, "invalid cron expression"},
		{"bad entity", func(r *Rule) {
			r.Trigger = Trigger{Kind: TriggerSchedule, CronExpression: "@daily", Entity: "talent record"}
		}, "invalid schedule entity"},
		{"unknown operator", func(r *Rule) { r.Conditions[0].Operator = "between" }, "unknown operator"},
		{"empty field segment", func(r *Rule) { r.Conditions[0].Field = "consent..signed" }, "empty segment"},
		{"unknown logic", func(r *Rule) { r.Conditions[0].Logic = "XOR" }, "unknown logic"},
		{"bad time expression", func(r *Rule) { r.Conditions[0].Value = "NOW-3y" }, "invalid time expression"},
		{"no actions", func(r *Rule) { r.Actions = nil }, "at least one action"},
		{"unknown action", func(r *Rule) { r.Actions[0].Type = "SMS" }, "unknown action type"},
		{"missing required config", func(r *Rule) {
			r.Actions[0] = Action{Type: ActionNotification, Config: map[string]any{"template": "t"}}
		}, "requires config.recipients"},
		{"blank required config", func(r *Rule) { r.Actions[0].Config["url"] = "  " }, "non-empty config.url"},
		{"non-bool critical", func(r *Rule) { r.Actions[0].Config["critical"] = "true" }, "must be a boolean"},
		{"negative retries", func(r *Rule) { r.Guardrails.MaxRetries = -1 }, "maxRetries"},
		{"zero timeout", func(r *Rule) { r.Guardrails.Timeout = 0 }, "timeout must be positive"},
		{"unknown priority", func(r *Rule) { r.Priority = "URGENT" }, "unknown priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRule("RULE_UNDER_TEST")
			tt.mutate(r)

			err := ValidateRule(r)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRule() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateRule() = nil, want error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("ValidateRule() error does not wrap ErrInvalidRule: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateRule() = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRuleLimits(t *testing.T) {
	r := testRule("RULE_LIMITS")
	r.Conditions = make([]Condition, maxConditions+1)
	for i := range r.Conditions {
		r.Conditions[i] = Condition{Field: "a", Operator: OpExists}
	}
	if err := ValidateRule(r); err == nil {
		t.Error("expected too many conditions to be rejected")
	}

	r = testRule("RULE_LIMITS")
	r.Actions = make([]Action, maxActions+1)
	for i := range r.Actions {
		r.Actions[i] = Action{Type: ActionWebhook, Config: map[string]any{"url": "/x"}}
	}
	if err := ValidateRule(r); err == nil {
		t.Error("expected too many actions to be rejected")
	}

	r = testRule("RULE_LIMITS")
	r.Guardrails.MaxRetries = MaxRetryLimit + 1
	if err := ValidateRule(r); err == nil {
		t.Error("expected maxRetries above the ceiling to be rejected")
	}

	r = testRule("RULE_LIMITS")
	r.Guardrails.Timeout = MaxActionTimeout + time.Second
	if err := ValidateRule(r); err == nil {
		t.Error("expected a timeout above the ceiling to be rejected")
	}

	r = testRule("RULE_LIMITS")
	r.Conditions = []Condition{{Field: "createdAt", Operator: OpLessThan, Value: "NOW-300000d"}}
	if err := ValidateRule(r); err == nil {
		t.Error("expected an out-of-range time expression to be rejected")
	}

	if err := ValidateRule(nil); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("ValidateRule(nil) = %v", err)
	}
}

func TestResolveTimeExpression(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		expr    string
		want    time.Time
		wantErr bool
	}{
		{"NOW", now, false},
		{" NOW ", now, false},
		{"NOW-30d", now.AddDate(0, 0, -30), false},
		{"NOW+2h", now.Add(2 * time.Hour), false},
		{"NOW-90m", now.Add(-90 * time.Minute), false},
		{"NOW-15s", now.Add(-15 * time.Second), false},
		{"NOW+1w", now.AddDate(0, 0, 7), false},
		{"NOW-1y", time.Time{}, true},
		{"NOW-d", time.Time{}, true},
		{"NOWISH", time.Time{}, true},
		{"NOW-106751d", now.Add(-106751 * 24 * time.Hour), false},
		{"NOW-300000d", time.Time{}, true},
		{"NOW+20000000w", time.Time{}, true},
	}

	for _, tt := range tests {
		got, err := ResolveTimeExpression(tt.expr, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveTimeExpression(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ResolveTimeExpression(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}

	if IsTimeExpression("now-1d") {
		t.Error("the NOW prefix is case sensitive")
	}
	if !IsTimeExpression("NOW-1d") {
		t.Error("NOW-1d should be a time expression")
	}
}

func TestParseSchedule(t *testing.T) {
	sched, err := ParseSchedule("0 3 * * *")
	if err != nil {
		t.Fatalf("ParseSchedule() failed: %v", err)
	}
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if next := sched.Next(from); !next.Equal(time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)) {
		t.Errorf("Next() = %v", next)
	}

	for _, expr := range []string{"", "0 3 * *", "*/5 * * * * *", "every day"} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", expr)
		}
	}
}
