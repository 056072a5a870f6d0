package statement

import (
	"strconv"

	"github.com/zoravur/liveview/pkg/errors"
)

// binder rewrites an expression tree against a set of parameter values,
// collecting the values of the params that remain in the output.
type binder struct {
	params Params
	out    map[string]any
}

func (b *binder) value(p *Param) (Value, error) {
	v, ok := b.params.Get(p.Name)
	if !ok {
		return Value{}, errors.Newf(errors.ErrBind, "missing parameter @%s", p.Name)
	}
	return v, nil
}

func (b *binder) expr(e Expr) (Expr, error) {
	var err error
	switch t := e.(type) {
	case nil:
		return nil, nil
	case *BinaryExpr:
		if t.Op == EQ || t.Op == NE {
			if x, p, ok := paramOperand(t); ok {
				return b.equality(t.Op, x, p)
			}
		}
		c := &BinaryExpr{Op: t.Op}
		if c.X, err = b.expr(t.X); err != nil {
			return nil, err
		}
		if c.Y, err = b.expr(t.Y); err != nil {
			return nil, err
		}
		return c, nil
	case *NotExpr:
		c := &NotExpr{}
		if c.X, err = b.expr(t.X); err != nil {
			return nil, err
		}
		return c, nil
	case *ParenExpr:
		c := &ParenExpr{}
		if c.X, err = b.expr(t.X); err != nil {
			return nil, err
		}
		return c, nil
	case *IsNullExpr:
		c := &IsNullExpr{Not: t.Not}
		if c.X, err = b.expr(t.X); err != nil {
			return nil, err
		}
		return c, nil
	case *InExpr:
		return b.in(t)
	case *Param:
		return b.scalar(t)
	}
	return e, nil
}

// equality rewrites "x = @p" / "x != @p" according to the kind of p's value.
func (b *binder) equality(op Token, x Expr, p *Param) (Expr, error) {
	x, err := b.expr(x)
	if err != nil {
		return nil, err
	}
	v, err := b.value(p)
	if err != nil {
		return nil, err
	}

	switch v.Kind() {
	case KindNull:
		return &IsNullExpr{X: x, Not: op == NE}, nil
	case KindList:
		list := v.List()
		switch len(list) {
		case 0:
			return constant(op == NE), nil
		case 1:
			b.out[p.Name] = list[0]
			return &BinaryExpr{Op: op, X: x, Y: &Param{Name: p.Name}}, nil
		}
		in := &InExpr{X: x, Not: op == NE, Values: make([]Expr, len(list))}
		for i, item := range list {
			name := listParam(p.Name, i)
			b.out[name] = item
			in.Values[i] = &Param{Name: name}
		}
		return in, nil
	}
	b.out[p.Name] = v.Scalar()
	return &BinaryExpr{Op: op, X: x, Y: &Param{Name: p.Name}}, nil
}

func (b *binder) in(t *InExpr) (Expr, error) {
	x, err := b.expr(t.X)
	if err != nil {
		return nil, err
	}
	c := &InExpr{X: x, Not: t.Not}
	for _, e := range t.Values {
		p, ok := e.(*Param)
		if !ok {
			v, err := b.expr(e)
			if err != nil {
				return nil, err
			}
			c.Values = append(c.Values, v)
			continue
		}
		v, err := b.value(p)
		if err != nil {
			return nil, err
		}
		switch v.Kind() {
		case KindNull:
			c.Values = append(c.Values, &NullLit{})
		case KindScalar:
			b.out[p.Name] = v.Scalar()
			c.Values = append(c.Values, &Param{Name: p.Name})
		case KindList:
			for i, item := range v.List() {
				name := listParam(p.Name, i)
				b.out[name] = item
				c.Values = append(c.Values, &Param{Name: name})
			}
		}
	}
	if len(c.Values) == 0 {
		return constant(c.Not), nil
	}
	return c, nil
}

func (b *binder) scalar(p *Param) (Expr, error) {
	v, err := b.value(p)
	if err != nil {
		return nil, err
	}
	if v.Kind() == KindList {
		return nil, errors.Newf(errors.ErrBind, "list parameter @%s can only be compared with = or !=", p.Name)
	}
	b.out[p.Name] = v.Scalar()
	return p, nil
}

// paramOperand splits "x = @p" or "@p = x" into x and p.
func paramOperand(e *BinaryExpr) (Expr, *Param, bool) {
	if p, ok := e.Y.(*Param); ok {
		return e.X, p, true
	}
	if p, ok := e.X.(*Param); ok {
		return e.Y, p, true
	}
	return nil, nil, false
}

// constant renders an always-true (1=1) or always-false (1=2) condition.
func constant(truth bool) Expr {
	y := "2"
	if truth {
		y = "1"
	}
	return &BinaryExpr{Op: EQ, X: &NumberLit{Value: "1"}, Y: &NumberLit{Value: y}}
}

func listParam(name string, i int) string {
	return name + "_" + strconv.Itoa(i)
}
