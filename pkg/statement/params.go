package statement

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/zoravur/liveview/pkg/errors"
)

// ValueKind tags a parameter Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindScalar
	KindList
)

// Value is a bound parameter: null, a single scalar, or a list of scalars.
type Value struct {
	kind   ValueKind
	scalar any
	list   []any
	source Valuer
}

func Null() Value { return Value{} }

func Scalar(v any) Value {
	if v == nil {
		return Value{}
	}
	return Value{kind: KindScalar, scalar: v}
}

func List(vs ...any) Value {
	return Value{kind: KindList, list: append([]any{}, vs...)}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Scalar() any     { return v.scalar }
func (v Value) List() []any     { return v.list }

// Interface returns nil, the scalar, or a copy of the list.
func (v Value) Interface() any {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindList:
		return append([]any{}, v.list...)
	}
	return nil
}

// Source returns the Valuer the value was computed from, if any.
func (v Value) Source() Valuer { return v.source }

// Valuer is implemented by values whose parameter value is computed at bind
// time, such as dynamic parameters.
type Valuer interface {
	ParamValue() Value
}

// ValueOf converts a Go value into a parameter Value. Slices and arrays other
// than []byte become lists; nil and nil pointers become null.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case Valuer:
		v := t.ParamValue()
		v.source = t
		return v
	case []byte, string, time.Time:
		return Scalar(t)
	case []any:
		return List(t...)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return List()
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return List(out...)
	}
	return Scalar(v)
}

// Params maps parameter names (without "@") to values. Lookups are
// case-insensitive.
type Params map[string]Value

// NewParams is the single conversion point from caller-supplied arguments
// into Params. It accepts nil, Params, map[string]Value, map[string]any, or a
// struct (or pointer to one) whose exported fields become parameters named by
// their `db` tag or, failing that, their field name.
func NewParams(v any) (Params, error) {
	switch t := v.(type) {
	case nil:
		return Params{}, nil
	case Params:
		return t.Clone(), nil
	case map[string]Value:
		return Params(t).Clone(), nil
	case map[string]any:
		out := make(Params, len(t))
		for k, val := range t {
			out[k] = ValueOf(val)
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Params{}, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(Params, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = ValueOf(iter.Value().Interface())
		}
		return out, nil
	case reflect.Struct:
		out := make(Params)
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("db"); ok {
				if tag == "-" {
					continue
				}
				name = strings.Split(tag, ",")[0]
			}
			out[name] = ValueOf(rv.Field(i).Interface())
		}
		return out, nil
	}
	return nil, errors.Newf(errors.ErrBind, "cannot use %T as statement parameters", v)
}

// MustParams is NewParams for literals known to convert.
func MustParams(v any) Params {
	p, err := NewParams(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Get looks up name, exactly first and then case-insensitively.
func (p Params) Get(name string) (Value, bool) {
	if v, ok := p[name]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return Value{}, false
}

// Set stores ValueOf(v) under name and returns p.
func (p Params) Set(name string, v any) Params {
	p[name] = ValueOf(v)
	return p
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with other.
func (p Params) Merge(other Params) Params {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Resolve returns a copy of p with every Valuer-backed value recomputed.
func (p Params) Resolve() Params {
	out := make(Params, len(p))
	for k, v := range p {
		if v.source != nil {
			v = ValueOf(v.source)
		}
		out[k] = v
	}
	return out
}

// Names returns the parameter names, sorted.
func (p Params) Names() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
