package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)
	eventNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*(\.[A-Za-z_][A-Za-z0-9_\-]*)*$`)
)

const (
	maxIdentifierLength = 100
	maxConditions       = 50
	maxActions          = 20

	// MaxRetryLimit and MaxActionTimeout bound a rule's worst-case run time, and
	// with it the idempotency lease its owner must hold
	MaxRetryLimit    = 10
	MaxActionTimeout = 10 * time.Minute
)

// requiredConfig lists the config keys each action type cannot run without
var requiredConfig = map[ActionType][]string{
	ActionWebhook:      {"url"},
	ActionNotification: {"template", "recipients"},
	ActionSendEmail:    {"template", "recipients"},
	ActionCreateTask:   {"title"},
	ActionUpdateField:  {"field"},
}

var validOperators = map[Operator]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpLessThan:    true,
	OpGreaterThan: true,
	OpExists:      true,
	OpContains:    true,
}

var validPriorities = map[Priority]bool{
	"":               true, // defaults to MEDIUM
	PriorityLow:      true,
	PriorityMedium:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

// ValidateRule checks a rule definition before it is stored.
// The returned error wraps ErrInvalidRule.
func ValidateRule(r *Rule) error {
	if err := validateRule(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func validateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("rule is nil")
	}

	if err := validateIdentifier(r.ID); err != nil {
		return fmt.Errorf("invalid rule id %q: %w", r.ID, err)
	}

	if err := validateTrigger(r.Trigger); err != nil {
		return err
	}

	if len(r.Conditions) > maxConditions {
		return fmt.Errorf("rule contains %d conditions, maximum allowed is %d", len(r.Conditions), maxConditions)
	}
	for i, c := range r.Conditions {
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}

	if len(r.Actions) == 0 {
		return fmt.Errorf("rule must contain at least one action")
	}
	if len(r.Actions) > maxActions {
		return fmt.Errorf("rule contains %d actions, maximum allowed is %d", len(r.Actions), maxActions)
	}
	for i, a := range r.Actions {
		if err := validateAction(a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}

	if r.Guardrails.MaxRetries < 0 || r.Guardrails.MaxRetries > MaxRetryLimit {
		return fmt.Errorf("maxRetries must be between 0 and %d, got %d", MaxRetryLimit, r.Guardrails.MaxRetries)
	}
	if r.Guardrails.Timeout <= 0 || r.Guardrails.Timeout > MaxActionTimeout {
		return fmt.Errorf("timeout must be positive and at most %s, got %s", MaxActionTimeout, r.Guardrails.Timeout)
	}

	if !validPriorities[r.Priority] {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}

	return nil
}

func validateTrigger(t Trigger) error {
	switch t.Kind {
	case TriggerEvent:
		if t.CronExpression != "" || t.Entity != "" {
			return fmt.Errorf("EVENT trigger cannot carry a cron expression or entity")
		}
		if len(t.EventName) == 0 || len(t.EventName) > maxIdentifierLength {
			return fmt.Errorf("event name must be 1-%d characters", maxIdentifierLength)
		}
		if !eventNamePattern.MatchString(t.EventName) {
			return fmt.Errorf("invalid event name %q (expected dotted identifiers such as dispute.opened)", t.EventName)
		}
	case TriggerSchedule:
		if t.EventName != "" {
			return fmt.Errorf("SCHEDULE trigger cannot carry an event name")
		}
		if _, err := ParseSchedule(t.CronExpression); err != nil {
			return err
		}
		if t.Entity != "" && !identifierPattern.MatchString(t.Entity) {
			return fmt.Errorf("invalid schedule entity %q", t.Entity)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q (must be EVENT or SCHEDULE)", t.Kind)
	}
	return nil
}

func validateCondition(c Condition) error {
	if err := ValidateFieldPath(c.Field); err != nil {
		return err
	}
	if !validOperators[c.Operator] {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	switch c.Logic {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("unknown logic %q (must be AND or OR)", c.Logic)
	}
	if s, ok := c.Value.(string); ok && IsTimeExpression(s) {
		if _, err := ResolveTimeExpression(s, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(a Action) error {
	required, known := requiredConfig[a.Type]
	if !known {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	for _, key := range required {
		v, ok := a.Config[key]
		if !ok || v == nil {
			return fmt.Errorf("%s action requires config.%s", a.Type, key)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s action requires non-empty config.%s", a.Type, key)
		}
	}
	if v, ok := a.Config["critical"]; ok {
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("config.critical must be a boolean")
		}
	}
	return nil
}

// ValidateFieldPath rejects empty paths and empty segments ("a..b")
func ValidateFieldPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("field path cannot be empty")
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("field path %q contains an empty segment", path)
		}
	}
	return nil
}

// validateIdentifier validates a rule ID: 1-100 characters of letters, digits,
// underscore or dash, not starting with a digit or dash
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern.String())
	}
	return nil
}
