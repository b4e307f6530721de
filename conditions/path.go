package conditions

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path (user.age, items.0.sku) inside data.
// It never panics: any segment that cannot be followed reports found=false.
// A key that is present with a nil value also reports found=false.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	var current any = data
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}

		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}

	if current == nil {
		return nil, false
	}
	return current, true
}
