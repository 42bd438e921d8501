package rows

import (
	"cmp"
	"maps"
	"slices"
	"strings"
)

// ToBoolean converts a document value to a boolean: null, false, zero and the
// empty string are false; arrays and objects are always true.
func ToBoolean(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int64, uint64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

// ToNumber returns the numeric value of v and whether v is a number.
func ToNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

// Compare orders document values: null < bool < number < string < array <
// object. Arrays compare element-wise; objects compare by their sorted keys
// and then by value.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok {
			return 0
		}
		kx, ky := slices.Sorted(maps.Keys(x)), slices.Sorted(maps.Keys(y))
		if c := slices.Compare(kx, ky); c != 0 {
			return c
		}
		for _, k := range kx {
			if c := Compare(x[k], y[k]); c != 0 {
				return c
			}
		}
		return 0
	}
	if fa, ok := ToNumber(a); ok {
		fb, _ := ToNumber(b)
		return cmp.Compare(fa, fb)
	}
	return 0
}
