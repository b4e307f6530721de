package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerKind selects how a rule is considered for evaluation
type TriggerKind string

const (
	TriggerEvent    TriggerKind = "EVENT"
	TriggerSchedule TriggerKind = "SCHEDULE"
)

// Trigger is either an event subscription or a cron schedule, never both.
// A SCHEDULE trigger may name an Entity type; each tick then evaluates the rule
// once per entity snapshot instead of once against an empty payload.
type Trigger struct {
	Kind           TriggerKind `json:"kind" yaml:"kind"`
	EventName      string      `json:"eventName,omitempty" yaml:"eventName,omitempty"`
	CronExpression string      `json:"cronExpression,omitempty" yaml:"cronExpression,omitempty"`
	Entity         string      `json:"entity,omitempty" yaml:"entity,omitempty"`
}

// OnEvent builds an EVENT trigger
func OnEvent(eventName string) Trigger {
	return Trigger{Kind: TriggerEvent, EventName: eventName}
}

// OnSchedule builds a SCHEDULE trigger
func OnSchedule(cronExpression string) Trigger {
	return Trigger{Kind: TriggerSchedule, CronExpression: cronExpression}
}

// Operator is a condition predicate name
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpLessThan    Operator = "less_than"
	OpGreaterThan Operator = "greater_than"
	OpExists      Operator = "exists"
	OpContains    Operator = "contains"
)

// Logic describes how a condition combines with the next one in the list
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is one predicate over the trigger context
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Logic    Logic    `json:"logic,omitempty" yaml:"logic,omitempty"` // empty means AND
}

// ActionType selects the collaborator an action is sent to
type ActionType string

const (
	ActionWebhook      ActionType = "WEBHOOK"
	ActionNotification ActionType = "NOTIFICATION"
	ActionCreateTask   ActionType = "CREATE_TASK"
	ActionUpdateField  ActionType = "UPDATE_FIELD"
	ActionSendEmail    ActionType = "SEND_EMAIL"
)

// Action is one side-effecting step of a rule
type Action struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Critical reports whether a failure of this action halts the rest of the sequence
func (a Action) Critical() bool {
	v, ok := a.Config["critical"].(bool)
	return ok && v
}

// Guardrails apply uniformly to every action of a rule
type Guardrails struct {
	Idempotent bool          `json:"idempotent" yaml:"idempotent"`
	MaxRetries int           `json:"maxRetries" yaml:"maxRetries"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// Priority is advisory: ledger triage and scheduler tie-breaks only
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities, higher is more urgent. Unknown values rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Rule represents a single automation rule
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     Trigger     `json:"trigger" yaml:"trigger"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Actions     []Action    `json:"actions" yaml:"actions"`
	Guardrails  Guardrails  `json:"guardrails" yaml:"guardrails"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	Priority    Priority    `json:"priority" yaml:"priority"`
	CreatedAt   time.Time   `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time   `json:"updatedAt" yaml:"-"`
}

// Clone returns a deep copy so stored rules stay immutable to callers
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = Action{Type: a.Type, Config: cloneMap(a.Config)}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

type guardrailsJSON struct {
	Idempotent bool `json:"idempotent"`
	MaxRetries int  `json:"maxRetries"`
	Timeout    any  `json:"timeout"`
}

// MarshalJSON renders the timeout as a Go duration string ("30s")
func (g Guardrails) MarshalJSON() ([]byte, error) {
	return json.Marshal(guardrailsJSON{
		Idempotent: g.Idempotent,
		MaxRetries: g.MaxRetries,
		Timeout:    g.Timeout.String(),
	})
}

// UnmarshalJSON accepts the timeout either as a duration string or as milliseconds
func (g *Guardrails) UnmarshalJSON(data []byte) error {
	var raw guardrailsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Idempotent = raw.Idempotent
	g.MaxRetries = raw.MaxRetries

	switch v := raw.Timeout.(type) {
	case nil:
		g.Timeout = 0
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid guardrail timeout %q: %w", v, err)
		}
		g.Timeout = d
	case float64:
		g.Timeout = time.Duration(v) * time.Millisecond
	default:
		return fmt.Errorf("invalid guardrail timeout type %T", v)
	}
	return nil
}
