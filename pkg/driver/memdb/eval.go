package memdb

import (
	"sort"
	"strings"

	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

// tuple holds one row per table ref; nil stands for the NULL side of an
// outer join.
type tuple []dataevent.Row

type evaluator struct {
	refs   []*statement.TableRef
	params map[string]any
	output dataevent.Row // set while ordering by output aliases
}

// query evaluates q over tables.
func query(tables map[string]*table, q *statement.BoundSelect) ([]dataevent.Row, error) {
	s := q.Statement
	ev := &evaluator{refs: s.TableRefs, params: q.Params}

	var tuples []tuple
	for i, ref := range s.TableRefs {
		t, ok := tables[strings.ToLower(ref.Table.Name)]
		if !ok {
			return nil, errors.Newf(errors.ErrParse, "table %s does not exist", ref.Table.Name)
		}
		rows := rowsOf(t)
		if i == 0 {
			for _, r := range rows {
				tp := make(tuple, len(s.TableRefs))
				tp[0] = r
				tuples = append(tuples, tp)
			}
			continue
		}
		var err error
		if tuples, err = ev.join(tuples, rows, i, ref); err != nil {
			return nil, err
		}
	}

	if s.Where != nil {
		kept := tuples[:0]
		for _, tp := range tuples {
			ok, err := ev.truth(s.Where, tp)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, tp)
			}
		}
		tuples = kept
	}

	out := make([]dataevent.Row, len(tuples))
	for i, tp := range tuples {
		row, err := ev.project(s.Columns, tp)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}

	if len(s.OrderBy) > 0 {
		if err := ev.order(s.OrderBy, tuples, out); err != nil {
			return nil, err
		}
	}

	if s.Limit != nil {
		v, err := ev.eval(s.Limit, nil)
		if err != nil {
			return nil, err
		}
		n, ok := toInt64(v)
		if !ok || n < 0 {
			return nil, errors.Newf(errors.ErrBind, "invalid LIMIT %v", v)
		}
		if int(n) < len(out) {
			out = out[:n]
		}
	}
	return out, nil
}

func rowsOf(t *table) []dataevent.Row {
	recs := t.records()
	out := make([]dataevent.Row, len(recs))
	for i, rec := range recs {
		out[i] = rec.values
	}
	return out
}

func (ev *evaluator) join(left []tuple, rows []dataevent.Row, i int, ref *statement.TableRef) ([]tuple, error) {
	var out []tuple
	matches := func(tp tuple) (bool, error) {
		if ref.On == nil {
			return true, nil
		}
		return ev.truth(ref.On, tp)
	}

	if ref.JoinType == statement.JoinRight {
		for _, r := range rows {
			found := false
			for _, l := range left {
				tp := append(tuple(nil), l...)
				tp[i] = r
				ok, err := matches(tp)
				if err != nil {
					return nil, err
				}
				if ok {
					found = true
					out = append(out, tp)
				}
			}
			if !found {
				tp := make(tuple, len(ev.refs))
				tp[i] = r
				out = append(out, tp)
			}
		}
		return out, nil
	}

	for _, l := range left {
		found := false
		for _, r := range rows {
			tp := append(tuple(nil), l...)
			tp[i] = r
			ok, err := matches(tp)
			if err != nil {
				return nil, err
			}
			if ok {
				found = true
				out = append(out, tp)
			}
		}
		if !found && ref.JoinType == statement.JoinLeft {
			out = append(out, append(tuple(nil), l...))
		}
	}
	return out, nil
}

// project builds the output row. With "*" every field of every ref is
// written in FROM order, so a later table wins a name collision.
func (ev *evaluator) project(cols []*statement.ResultColumn, tp tuple) (dataevent.Row, error) {
	out := make(dataevent.Row)
	for _, c := range cols {
		if c.Star {
			for i, ref := range ev.refs {
				if c.Table != "" && !strings.EqualFold(c.Table, ref.RefName()) {
					continue
				}
				for _, f := range ref.Table.Fields {
					if tp[i] == nil {
						out[f.Name] = nil
						continue
					}
					out[f.Name] = tp[i][f.Name]
				}
			}
			continue
		}
		v, err := ev.eval(c.Expr, tp)
		if err != nil {
			return nil, err
		}
		out[c.OutputName()] = v
	}
	return out, nil
}

func (ev *evaluator) order(terms []*statement.OrderingTerm, tuples []tuple, rows []dataevent.Row) error {
	type keyed struct {
		row  dataevent.Row
		keys []any
	}
	items := make([]keyed, len(rows))
	for i := range rows {
		ev.output = rows[i]
		keys := make([]any, len(terms))
		for j, term := range terms {
			v, err := ev.eval(term.Expr, tuples[i])
			if err != nil {
				ev.output = nil
				return err
			}
			keys[j] = v
		}
		items[i] = keyed{row: rows[i], keys: keys}
	}
	ev.output = nil

	sort.SliceStable(items, func(a, b int) bool {
		for j, term := range terms {
			c := orderCompare(items[a].keys[j], items[b].keys[j])
			if c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	for i := range items {
		rows[i] = items[i].row
	}
	return nil
}

// orderCompare sorts NULL before any value.
func orderCompare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, _ := compare(a, b)
	return c
}

// truth evaluates a condition. NULL counts as false.
func (ev *evaluator) truth(e statement.Expr, tp tuple) (bool, error) {
	v, err := ev.eval(e, tp)
	if err != nil {
		return false, err
	}
	b, known := boolOf(v)
	return known && b, nil
}

func boolOf(v any) (b bool, known bool) {
	if v == nil {
		return false, false
	}
	if t, ok := v.(bool); ok {
		return t, true
	}
	if n, ok := schema.AsFloat64(v); ok {
		return n != 0, true
	}
	return false, true
}

// eval computes e with SQL three-valued logic; nil is NULL.
func (ev *evaluator) eval(e statement.Expr, tp tuple) (any, error) {
	switch t := e.(type) {
	case *statement.ColumnRef:
		return ev.column(t, tp)

	case *statement.Param:
		if v, ok := ev.params[t.Name]; ok {
			return v, nil
		}
		for k, v := range ev.params {
			if strings.EqualFold(k, t.Name) {
				return v, nil
			}
		}
		return nil, errors.Newf(errors.ErrBind, "missing parameter @%s", t.Name)

	case *statement.ParenExpr:
		return ev.eval(t.X, tp)

	case *statement.NotExpr:
		v, err := ev.eval(t.X, tp)
		if err != nil {
			return nil, err
		}
		b, known := boolOf(v)
		if !known {
			return nil, nil
		}
		return !b, nil

	case *statement.IsNullExpr:
		v, err := ev.eval(t.X, tp)
		if err != nil {
			return nil, err
		}
		return (v == nil) != t.Not, nil

	case *statement.InExpr:
		return ev.in(t, tp)

	case *statement.BinaryExpr:
		return ev.binary(t, tp)
	}

	if v, ok := statement.LiteralValue(e); ok {
		return v, nil
	}
	return nil, errors.Newf(errors.ErrEngineInvariant, "cannot evaluate %s", e)
}

func (ev *evaluator) column(c *statement.ColumnRef, tp tuple) (any, error) {
	if c.Table == "" && ev.output != nil {
		if v, ok := ev.output[c.Name]; ok {
			return v, nil
		}
	}
	for i, ref := range ev.refs {
		if c.Table != "" && !strings.EqualFold(c.Table, ref.RefName()) {
			continue
		}
		f := ref.Table.FindField(c.Name)
		if f == nil {
			continue
		}
		if tp == nil || tp[i] == nil {
			return nil, nil
		}
		return tp[i][f.Name], nil
	}
	if ev.output != nil {
		if v := schema.Lookup(ev.output, c.Name); v != nil {
			return v, nil
		}
	}
	return nil, errors.Newf(errors.ErrParse, "unknown field %s", c)
}

func (ev *evaluator) in(e *statement.InExpr, tp tuple) (any, error) {
	x, err := ev.eval(e.X, tp)
	if err != nil || x == nil {
		return nil, err
	}
	sawNull := false
	for _, ve := range e.Values {
		v, err := ev.eval(ve, tp)
		if err != nil {
			return nil, err
		}
		if v == nil {
			sawNull = true
			continue
		}
		if schema.ValuesEqual(x, v) {
			return !e.Not, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return e.Not, nil
}

func (ev *evaluator) binary(e *statement.BinaryExpr, tp tuple) (any, error) {
	x, err := ev.eval(e.X, tp)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case statement.AND, statement.OR:
		xb, xk := boolOf(x)
		if e.Op == statement.AND && xk && !xb {
			return false, nil
		}
		if e.Op == statement.OR && xk && xb {
			return true, nil
		}
		y, err := ev.eval(e.Y, tp)
		if err != nil {
			return nil, err
		}
		yb, yk := boolOf(y)
		if e.Op == statement.AND {
			switch {
			case yk && !yb:
				return false, nil
			case xk && yk:
				return true, nil
			}
			return nil, nil
		}
		switch {
		case yk && yb:
			return true, nil
		case xk && yk:
			return false, nil
		}
		return nil, nil
	}

	y, err := ev.eval(e.Y, tp)
	if err != nil {
		return nil, err
	}
	if x == nil || y == nil {
		return nil, nil
	}

	switch e.Op {
	case statement.EQ:
		return schema.ValuesEqual(x, y), nil
	case statement.NE:
		return !schema.ValuesEqual(x, y), nil
	case statement.LIKE:
		xs, xok := text(x)
		ys, yok := text(y)
		if !xok || !yok {
			xs, ys = schema.FormatKeyPart(x), schema.FormatKeyPart(y)
		}
		return like(xs, ys), nil
	}

	c, ok := compare(x, y)
	if !ok {
		return nil, errors.Newf(errors.ErrBind, "cannot compare %T with %T in %s", x, y, e)
	}
	switch e.Op {
	case statement.LT:
		return c < 0, nil
	case statement.LE:
		return c <= 0, nil
	case statement.GT:
		return c > 0, nil
	case statement.GE:
		return c >= 0, nil
	}
	return nil, errors.Newf(errors.ErrEngineInvariant, "unsupported operator %s", e.Op)
}

// like matches s against a pattern where % is any run of characters and _
// is exactly one.
func like(s, pattern string) bool {
	sr, pr := []rune(s), []rune(pattern)
	var match func(i, j int) bool
	match = func(i, j int) bool {
		for j < len(pr) {
			switch pr[j] {
			case '%':
				for j < len(pr) && pr[j] == '%' {
					j++
				}
				if j == len(pr) {
					return true
				}
				for k := i; k <= len(sr); k++ {
					if match(k, j) {
						return true
					}
				}
				return false
			case '_':
				if i >= len(sr) {
					return false
				}
			default:
				if i >= len(sr) || sr[i] != pr[j] {
					return false
				}
			}
			i++
			j++
		}
		return i == len(sr)
	}
	return match(0, 0)
}
