package memdb

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerce converts v to the Go type stored for f: string, int64, float64 or
// time.Time. nil stays nil.
func coerce(f *schema.FieldDef, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.FieldTypeString:
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case []byte:
			s = string(t)
		default:
			s = schema.FormatKeyPart(v)
		}
		if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
			return nil, errors.Newf(errors.ErrSchemaViolation, "value for %s is longer than %d characters", f.Name, f.MaxLength)
		}
		return s, nil

	case schema.FieldTypeInt, schema.FieldTypeLong, schema.FieldTypeByte:
		n, ok := toInt64(v)
		if !ok {
			break
		}
		if f.Type == schema.FieldTypeByte && (n < math.MinInt8 || n > math.MaxUint8) {
			return nil, errors.Newf(errors.ErrSchemaViolation, "value %d out of range for %s", n, f.Name)
		}
		if f.Type == schema.FieldTypeInt && (n < math.MinInt32 || n > math.MaxUint32) {
			return nil, errors.Newf(errors.ErrSchemaViolation, "value %d out of range for %s", n, f.Name)
		}
		return n, nil

	case schema.FieldTypeFloat, schema.FieldTypeDouble:
		if x, ok := schema.AsFloat64(v); ok {
			return x, nil
		}
		if s, ok := v.(string); ok {
			if x, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return x, nil
			}
		}

	case schema.FieldTypeDateTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts.UTC(), nil
				}
			}
		}
	}
	return nil, errors.Newf(errors.ErrSchemaViolation, "cannot store %T value %v in %s field %s", v, v, f.Type, f.Name)
}

func toInt64(v any) (int64, bool) {
	if n, ok := schema.AsInt64(v); ok {
		return n, true
	}
	switch t := v.(type) {
	case float32, float64:
		x, _ := schema.AsFloat64(t)
		if x == math.Trunc(x) {
			return int64(x), true
		}
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// compare orders two non-nil values. ok is false when they are not
// comparable.
func compare(a, b any) (c int, ok bool) {
	if ai, ok := schema.AsInt64(a); ok {
		if bi, ok := schema.AsInt64(b); ok {
			return cmp3(ai < bi, ai > bi), true
		}
	}
	if af, ok := schema.AsFloat64(a); ok {
		if bf, ok := schema.AsFloat64(b); ok {
			return cmp3(af < bf, af > bf), true
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return cmp3(at.Before(bt), at.After(bt)), true
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return cmp3(!ab && bb, ab && !bb), true
		}
	}
	as, aok := text(a)
	bs, bok := text(b)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func text(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}
