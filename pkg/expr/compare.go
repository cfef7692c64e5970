package expr

import (
	"fmt"
	"strings"
)

// compare implements the comparison operators' semantics, including the
// missing-value rule: Missing compares unequal to anything (so Missing ==
// Missing is false) and fails ordering/contains comparisons (treated as
// false), per the expression grammar's semantics.
func compare(l, r any, op compareOp) bool {
	if IsMissing(l) || IsMissing(r) {
		switch op {
		case opEq:
			return false
		case opNe:
			return true
		default:
			return false
		}
	}

	switch op {
	case opEq:
		return valuesEqual(l, r)
	case opNe:
		return !valuesEqual(l, r)
	case opContains:
		return containsOp(l, r)
	}

	if ln, lok := toNumber(l); lok {
		if rn, rok := toNumber(r); rok {
			return numericCompare(ln, rn, op)
		}
	}
	return stringCompare(toDisplayString(l), toDisplayString(r), op)
}

func numericCompare(l, r float64, op compareOp) bool {
	switch op {
	case opGt:
		return l > r
	case opGe:
		return l >= r
	case opLt:
		return l < r
	case opLe:
		return l <= r
	}
	return false
}

func stringCompare(l, r string, op compareOp) bool {
	switch op {
	case opGt:
		return l > r
	case opGe:
		return l >= r
	case opLt:
		return l < r
	case opLe:
		return l <= r
	}
	return false
}

func valuesEqual(l, r any) bool {
	if ln, lok := toNumber(l); lok {
		if rn, rok := toNumber(r); rok {
			return ln == rn
		}
	}
	if lb, lok := l.(bool); lok {
		if rb, rok := r.(bool); rok {
			return lb == rb
		}
	}
	return toDisplayString(l) == toDisplayString(r)
}

func containsOp(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		return strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toDisplayString stringifies a value for string comparison and
// interpolation. Missing stringifies to the empty string; null stringifies
// to the empty string as well since there is no user-facing "null" token in
// this grammar.
func toDisplayString(v any) string {
	switch t := v.(type) {
	case missingType:
		return ""
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
