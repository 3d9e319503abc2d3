package helpers

import (
	"fmt"
	"strings"
	"time"

	"tesseradb/src/models"
)

// CompareValues evaluates `left op right` across the value types the
// engines return: numbers, strings, booleans, timestamps and metric
// samples. Numeric types are widened to float64 before comparing.
func CompareValues(left interface{}, op string, right interface{}) (bool, error) {
	// Metric engines surface samples; the predicate targets the value.
	if p, ok := left.(models.MetricPoint); ok {
		left = p.Value
	}
	if p, ok := right.(models.MetricPoint); ok {
		right = p.Value
	}
	if lt, lok := asTime(left); lok {
		if rt, rok := asTime(right); rok {
			return compareOrdered(float64(lt.UnixNano()), op, float64(rt.UnixNano()))
		}
	}
	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			return compareOrdered(lf, op, rf)
		}
	}
	if lb, lok := left.(bool); lok {
		if rb, rok := right.(bool); rok {
			switch op {
			case "=":
				return lb == rb, nil
			case "!=":
				return lb != rb, nil
			}
			return false, fmt.Errorf("operator %s not defined for booleans", op)
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	if op == "CONTAINS" {
		return strings.Contains(ls, rs), nil
	}
	return compareOrdered(ls, op, rs)
}

func compareOrdered[T float64 | string](left T, op string, right T) (bool, error) {
	switch op {
	case "=":
		return left == right, nil
	case "!=":
		return left != right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	}
	return false, fmt.Errorf("unsupported comparison operator %q", op)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
