package schema

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// KeyDelimiter joins the values of a composite key.
//
// Values are not escaped: two rows whose string values contain the delimiter
// can produce the same key. Kept for compatibility with existing key strings.
const KeyDelimiter = ";"

// KeyValue joins the values of fieldNames in row, in field order.
func KeyValue(fieldNames []string, row map[string]any) string {
	if len(fieldNames) == 1 {
		return FormatKeyPart(Lookup(row, fieldNames[0]))
	}
	parts := make([]string, len(fieldNames))
	for i, fn := range fieldNames {
		parts[i] = FormatKeyPart(Lookup(row, fn))
	}
	return strings.Join(parts, KeyDelimiter)
}

// KeyFields copies the values of fieldNames out of row.
func KeyFields(fieldNames []string, row map[string]any) map[string]any {
	out := make(map[string]any, len(fieldNames))
	for _, fn := range fieldNames {
		out[fn] = Lookup(row, fn)
	}
	return out
}

// Lookup returns row[name], falling back to a case-insensitive match.
func Lookup(row map[string]any, name string) any {
	if v, ok := row[name]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// FormatKeyPart renders a single value the way it appears inside a key.
func FormatKeyPart(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	}
	if n, ok := AsInt64(v); ok {
		return strconv.FormatInt(n, 10)
	}
	if u, ok := bigUint(v); ok {
		return strconv.FormatUint(u, 10)
	}
	if f, ok := AsFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// ValuesEqual compares two field values, treating all integer and float
// widths as numbers and []byte as string.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if u, ok := bigUint(a); ok {
		return uintEqual(u, b)
	}
	if u, ok := bigUint(b); ok {
		return uintEqual(u, a)
	}
	if ai, ok := AsInt64(a); ok {
		if bi, ok := AsInt64(b); ok {
			return ai == bi
		}
	}
	if af, ok := AsFloat64(a); ok {
		if bf, ok := AsFloat64(b); ok {
			return af == bf
		}
	}
	if as, ok := asString(a); ok {
		if bs, ok := asString(b); ok {
			return as == bs
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	return reflect.DeepEqual(a, b)
}

// uintEqual compares an unsigned value above math.MaxInt64 with v. No value
// in int64 range can equal it.
func uintEqual(u uint64, v any) bool {
	if vu, ok := bigUint(v); ok {
		return u == vu
	}
	if _, ok := AsInt64(v); ok {
		return false
	}
	if f, ok := AsFloat64(v); ok {
		return float64(u) == f
	}
	return false
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}

// AsInt64 converts any Go integer type to int64. Unsigned values above
// math.MaxInt64 are not converted.
func AsInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		if uint64(t) > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	}
	return 0, false
}

// bigUint reports unsigned values that do not fit in an int64.
func bigUint(v any) (uint64, bool) {
	var u uint64
	switch t := v.(type) {
	case uint:
		u = uint64(t)
	case uint64:
		u = t
	default:
		return 0, false
	}
	return u, u > math.MaxInt64
}

// AsFloat64 converts any Go integer or float type to float64.
func AsFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	if n, ok := AsInt64(v); ok {
		return float64(n), true
	}
	if u, ok := bigUint(v); ok {
		return float64(u), true
	}
	return 0, false
}
