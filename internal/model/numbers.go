package model

import "math"

// NormalizeNumbers converts integral float64 values, as produced by decoding
// JSON into any, back to int. Slices and maps are rewritten in place.
func NormalizeNumbers(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int(x)
		}
		return x
	case []any:
		for i := range x {
			x[i] = NormalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = NormalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}
