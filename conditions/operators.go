package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/liamcoop/automations/rules"
)

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func equalsPredicate(actual any, found bool, expected any, now time.Time) (bool, error) {
	if !found {
		return false, nil
	}
	return valuesEqual(actual, expected, now)
}

func notEqualsPredicate(actual any, found bool, expected any, now time.Time) (bool, error) {
	if !found {
		return false, nil
	}
	eq, err := valuesEqual(actual, expected, now)
	if err != nil {
		return false, err
	}
	return !eq, nil
}

func lessThanPredicate(actual any, found bool, expected any, now time.Time) (bool, error) {
	if !found {
		return false, nil
	}
	cmp, ok, err := compare(actual, expected, now)
	if err != nil || !ok {
		return false, err
	}
	return cmp < 0, nil
}

func greaterThanPredicate(actual any, found bool, expected any, now time.Time) (bool, error) {
	if !found {
		return false, nil
	}
	cmp, ok, err := compare(actual, expected, now)
	if err != nil || !ok {
		return false, err
	}
	return cmp > 0, nil
}

// existsPredicate: a nil value (or true) asks for presence, false asks for absence
func existsPredicate(_ any, found bool, expected any, _ time.Time) (bool, error) {
	switch want := expected.(type) {
	case nil:
		return found, nil
	case bool:
		return found == want, nil
	default:
		return false, fmt.Errorf("exists expects a boolean value, got %T", expected)
	}
}

func containsPredicate(actual any, found bool, expected any, now time.Time) (bool, error) {
	if !found {
		return false, nil
	}

	switch container := actual.(type) {
	case string:
		needle, ok := expected.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(container, needle), nil
	case []any:
		for _, item := range container {
			eq, err := valuesEqual(item, expected, now)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	case []string:
		needle, ok := expected.(string)
		if !ok {
			return false, nil
		}
		for _, item := range container {
			if item == needle {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := expected.(string)
		if !ok {
			return false, nil
		}
		_, has := container[key]
		return has, nil
	default:
		return false, nil
	}
}

// valuesEqual compares after normalising numbers to float64 and resolving
// relative time literals
func valuesEqual(actual, expected any, now time.Time) (bool, error) {
	if s, ok := expected.(string); ok && rules.IsTimeExpression(s) {
		want, err := rules.ResolveTimeExpression(s, now)
		if err != nil {
			return false, err
		}
		got, ok := asTime(actual)
		if !ok {
			return false, nil
		}
		return got.Equal(want), nil
	}

	if a, ok := asNumber(actual); ok {
		if b, ok := asNumber(expected); ok {
			return a == b, nil
		}
		return false, nil
	}

	if at, ok := actual.(time.Time); ok {
		bt, ok := asTime(expected)
		return ok && at.Equal(bt), nil
	}

	return reflect.DeepEqual(actual, expected), nil
}

// compare orders two values. ok is false when they are not comparable, which
// makes the predicate false without being an error.
func compare(actual, expected any, now time.Time) (cmp int, ok bool, err error) {
	if s, isString := expected.(string); isString && rules.IsTimeExpression(s) {
		want, err := rules.ResolveTimeExpression(s, now)
		if err != nil {
			return 0, false, err
		}
		got, ok := asTime(actual)
		if !ok {
			return 0, false, nil
		}
		return compareTimes(got, want), true, nil
	}

	if a, isNum := asNumber(actual); isNum {
		b, isNum := asNumber(expected)
		if !isNum {
			return 0, false, nil
		}
		switch {
		case a < b:
			return -1, true, nil
		case a > b:
			return 1, true, nil
		default:
			return 0, true, nil
		}
	}

	if got, isTime := asTime(actual); isTime {
		want, isTime := asTime(expected)
		if !isTime {
			return 0, false, nil
		}
		return compareTimes(got, want), true, nil
	}

	if a, isString := actual.(string); isString {
		b, isString := expected.(string)
		if !isString {
			return 0, false, nil
		}
		return strings.Compare(a, b), true, nil
	}

	return 0, false, nil
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
