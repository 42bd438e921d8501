package expr

import (
	"fmt"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/hanpama/planexec/internal/qerrors"
)

// ToNative converts a CEL value into the document model used by rows: nil,
// bool, int64, float64, string, []any and map[string]any.
func ToNative(v ref.Val) (any, error) {
	if types.IsError(v) {
		return nil, qerrors.RuntimeDataf("%v", v)
	}
	switch x := v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(x), nil
	case types.Int:
		return int64(x), nil
	case types.Uint:
		return float64(x), nil
	case types.Double:
		return float64(x), nil
	case types.String:
		return string(x), nil
	case types.Bytes:
		return string(x), nil
	}

	switch x := v.(type) {
	case traits.Mapper:
		out := map[string]any{}
		it := x.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			key, err := ToNative(k)
			if err != nil {
				return nil, err
			}
			val, err := ToNative(x.Get(k))
			if err != nil {
				return nil, err
			}
			if s, ok := key.(string); ok {
				out[s] = val
			} else {
				out[fmt.Sprint(key)] = val
			}
		}
		return out, nil
	case traits.Lister:
		out := []any{}
		it := x.Iterator()
		for it.HasNext() == types.True {
			val, err := ToNative(it.Next())
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	}
	return v.Value(), nil
}
