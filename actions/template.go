package actions

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/liamcoop/automations/rules"
)

// expressionPrefix marks a config string as a CEL expression. A doubled prefix
// ("==x") escapes a literal leading "=".
const expressionPrefix = "="

// templateCostLimit bounds the work a single config expression may do
const templateCostLimit = 100000

// Templater renders action config values. Strings starting with "=" are CEL
// expressions over payload, now and rule; everything else passes through.
// Compiled programs are cached by expression text and safe for concurrent use.
type Templater struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewTemplater creates the CEL environment used for config expressions
func NewTemplater() (*Templater, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("now", cel.TimestampType),
		cel.Variable("rule", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Templater{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile compiles and caches one expression (without the "=" prefix)
func (t *Templater) Compile(expr string) (cel.Program, error) {
	t.mu.RLock()
	prog, ok := t.programs[expr]
	t.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := t.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error in %q: %w", expr, issues.Err())
	}

	prog, err := t.env.Program(ast, cel.CostLimit(templateCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error in %q: %w", expr, err)
	}

	t.mu.Lock()
	t.programs[expr] = prog
	t.mu.Unlock()

	return prog, nil
}

// CheckRule compiles every expression in the rule's action configs so a broken
// template is rejected when the rule is saved rather than when it fires
func (t *Templater) CheckRule(r *rules.Rule) error {
	for i, a := range r.Actions {
		if err := t.check(a.Config); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func (t *Templater) check(v any) error {
	switch val := v.(type) {
	case string:
		if expr, ok := expression(val); ok {
			_, err := t.Compile(expr)
			return err
		}
	case map[string]any:
		for _, item := range val {
			if err := t.check(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := t.check(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Render returns a copy of config with every expression evaluated
func (t *Templater) Render(config map[string]any, payload map[string]any, now time.Time, r *rules.Rule) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	vars := map[string]any{
		"payload": payload,
		"now":     now,
		"rule":    ruleVars(r),
	}

	out, err := t.render(config, vars)
	if err != nil {
		return nil, err
	}
	rendered, _ := out.(map[string]any)
	return rendered, nil
}

func (t *Templater) render(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, expressionPrefix+expressionPrefix) {
			return val[len(expressionPrefix):], nil
		}
		expr, ok := expression(val)
		if !ok {
			return val, nil
		}
		prog, err := t.Compile(expr)
		if err != nil {
			return nil, err
		}
		result, _, err := prog.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", expr, err)
		}
		return nativeValue(result)
	case map[string]any:
		if val == nil {
			return map[string]any(nil), nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := t.render(item, vars)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := t.render(item, vars)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func expression(s string) (string, bool) {
	if !strings.HasPrefix(s, expressionPrefix) || strings.HasPrefix(s, expressionPrefix+expressionPrefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(expressionPrefix):]), true
}

var (
	anySliceType = reflect.TypeOf([]any{})
	anyMapType   = reflect.TypeOf(map[string]any{})
)

func nativeValue(v ref.Val) (any, error) {
	switch v.Type() {
	case types.ListType:
		return v.ConvertToNative(anySliceType)
	case types.MapType:
		return v.ConvertToNative(anyMapType)
	case types.TimestampType:
		ts, ok := v.Value().(time.Time)
		if !ok {
			return nil, fmt.Errorf("unexpected timestamp value %v", v)
		}
		return ts.UTC().Format(time.RFC3339), nil
	case types.NullType:
		return nil, nil
	default:
		return v.Value(), nil
	}
}

func ruleVars(r *rules.Rule) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":       r.ID,
		"name":     r.Name,
		"priority": string(r.Priority),
	}
}
