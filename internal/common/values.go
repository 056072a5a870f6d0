package common

import "math"

// JSONValue converts a value decoded by encoding/json into the value a
// statement parameter expects: whole numbers become int64, lists are
// converted element-wise.
func JSONValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = JSONValue(e)
		}
		return out
	}
	return v
}

// JSONValues applies JSONValue to every value of m.
func JSONValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = JSONValue(v)
	}
	return out
}
