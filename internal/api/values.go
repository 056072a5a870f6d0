package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/zoravur/liveview/internal/common"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceRow converts JSON-decoded values and handle key strings to the
// types the fields of t hold. Unknown fields are passed through for the
// statement compiler to reject.
func coerceRow(t *schema.Table, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		f := t.FindField(name)
		if f == nil {
			out[name] = common.JSONValue(v)
			continue
		}
		cv, err := coerceValue(f, common.JSONValue(v))
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	return out, nil
}

func coerceValue(f *schema.FieldDef, v any) (any, error) {
	s, isString := v.(string)
	if v == nil || !isString {
		return v, nil
	}
	switch f.Type {
	case schema.FieldTypeInt, schema.FieldTypeLong, schema.FieldTypeByte:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrBind, "%s: %q is not an integer", f.Name, s)
		}
		return n, nil
	case schema.FieldTypeFloat, schema.FieldTypeDouble:
		x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrBind, "%s: %q is not a number", f.Name, s)
		}
		return x, nil
	case schema.FieldTypeDateTime:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, errors.Newf(errors.ErrBind, "%s: %q is not a timestamp", f.Name, s)
	}
	return s, nil
}
