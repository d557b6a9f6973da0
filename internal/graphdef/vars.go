package graphdef

import (
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// Object converts a flat map of Go values into a cty object. Integers and
// floats become numbers, strings stay strings, and slices become tuples.
// Values of any other type are left out.
func Object(m map[string]any) cty.Value {
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		if cv, ok := Value(v); ok {
			attrs[k] = cv
		}
	}
	return cty.ObjectVal(attrs)
}

// Value converts one Go value into a cty value.
func Value(v any) (cty.Value, bool) {
	switch x := v.(type) {
	case string:
		return cty.StringVal(x), true
	case bool:
		return cty.BoolVal(x), true
	case int:
		return cty.NumberIntVal(int64(x)), true
	case int8:
		return cty.NumberIntVal(int64(x)), true
	case int16:
		return cty.NumberIntVal(int64(x)), true
	case int32:
		return cty.NumberIntVal(int64(x)), true
	case int64:
		return cty.NumberIntVal(x), true
	case uint8:
		return cty.NumberUIntVal(uint64(x)), true
	case uint16:
		return cty.NumberUIntVal(uint64(x)), true
	case uint32:
		return cty.NumberUIntVal(uint64(x)), true
	case uint64:
		return cty.NumberUIntVal(x), true
	case float32:
		return cty.NumberFloatVal(float64(x)), true
	case float64:
		return cty.NumberFloatVal(x), true
	case []string:
		return tuple(x)
	case []uint32:
		return tuple(x)
	case []int32:
		return tuple(x)
	case []uint64:
		return tuple(x)
	case []int64:
		return tuple(x)
	case []float32:
		return tuple(x)
	case []float64:
		return tuple(x)
	default:
		return cty.NilVal, false
	}
}

func tuple[T any](xs []T) (cty.Value, bool) {
	if len(xs) == 0 {
		return cty.EmptyTupleVal, true
	}
	vals := make([]cty.Value, 0, len(xs))
	for _, x := range xs {
		v, ok := Value(x)
		if !ok {
			return cty.NilVal, false
		}
		vals = append(vals, v)
	}
	return cty.TupleVal(vals), true
}

// Names returns the sorted attribute names of an object value.
func Names(obj cty.Value) []string {
	if !obj.Type().IsObjectType() {
		return nil
	}
	names := make([]string, 0, len(obj.Type().AttributeTypes()))
	for name := range obj.Type().AttributeTypes() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
