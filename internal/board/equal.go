package board

import (
	"fmt"
	"reflect"
)

// jsonEqual compares two values the way two JSON-round-tripped values
// should compare: exact for identical types, falling back to a formatted
// comparison for numeric-looking mismatches (e.g. int 1 vs float64 1, both
// of which decode_json would have produced as float64, but callers may
// build filters with Go int literals directly).
func jsonEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
