package statement

import (
	"strings"

	"github.com/zoravur/liveview/pkg/schema"
)

// Expr is a node of a WHERE, ON, SET or VALUES expression.
type Expr interface {
	expr()
	String() string
}

func (*ColumnRef) expr()  {}
func (*Param) expr()      {}
func (*NullLit) expr()    {}
func (*BoolLit) expr()    {}
func (*NumberLit) expr()  {}
func (*StringLit) expr()  {}
func (*BinaryExpr) expr() {}
func (*NotExpr) expr()    {}
func (*ParenExpr) expr()  {}
func (*InExpr) expr()     {}
func (*IsNullExpr) expr() {}

// ColumnRef is a possibly qualified field reference.
type ColumnRef struct {
	Table string // alias or table name, empty when unqualified
	Name  string
}

func (c *ColumnRef) String() string {
	if c.Table != "" {
		return c.Table + "." + c.Name
	}
	return c.Name
}

// Param is a named "@name" placeholder.
type Param struct {
	Name string
}

func (p *Param) String() string { return "@" + p.Name }

type NullLit struct{}

func (*NullLit) String() string { return "NULL" }

type BoolLit struct {
	Value bool
}

func (b *BoolLit) String() string {
	if b.Value {
		return "TRUE"
	}
	return "FALSE"
}

// NumberLit keeps the literal text; Float reports whether it had a fraction
// or exponent.
type NumberLit struct {
	Value string
	Float bool
}

func (n *NumberLit) String() string { return n.Value }

type StringLit struct {
	Value string
}

func (s *StringLit) String() string {
	return "'" + strings.ReplaceAll(s.Value, "'", "''") + "'"
}

// BinaryExpr is a comparison (=, !=, <, <=, >, >=, LIKE) or a logical
// connective (AND, OR).
type BinaryExpr struct {
	Op Token
	X  Expr
	Y  Expr
}

func (b *BinaryExpr) String() string {
	return b.X.String() + " " + b.Op.String() + " " + b.Y.String()
}

type NotExpr struct {
	X Expr
}

func (n *NotExpr) String() string { return "NOT " + n.X.String() }

type ParenExpr struct {
	X Expr
}

func (p *ParenExpr) String() string { return "(" + p.X.String() + ")" }

type InExpr struct {
	X      Expr
	Not    bool
	Values []Expr
}

func (e *InExpr) String() string {
	var b strings.Builder
	b.WriteString(e.X.String())
	if e.Not {
		b.WriteString(" NOT")
	}
	b.WriteString(" IN (")
	for i, v := range e.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteString(")")
	return b.String()
}

type IsNullExpr struct {
	X   Expr
	Not bool
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return e.X.String() + " IS NOT NULL"
	}
	return e.X.String() + " IS NULL"
}

// JoinType is the kind of join that attached a TableRef to the FROM clause.
type JoinType int

const (
	JoinNone JoinType = iota // first FROM term
	JoinInner
	JoinLeft
	JoinRight
)

func (j JoinType) String() string {
	switch j {
	case JoinInner:
		return "INNER JOIN"
	case JoinLeft:
		return "LEFT JOIN"
	case JoinRight:
		return "RIGHT JOIN"
	default:
		return ""
	}
}

// TableRef is one table of a FROM clause, resolved against the catalog.
type TableRef struct {
	Table    *schema.Table
	Alias    string
	JoinType JoinType
	On       Expr
}

// RefName is the name columns of this table are qualified with.
func (r *TableRef) RefName() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Table.Name
}

func (r *TableRef) String() string {
	if r.Alias != "" {
		return r.Table.Name + " " + r.Alias
	}
	return r.Table.Name
}

// ResultColumn is "*", "ref.*" or an expression with an optional alias.
type ResultColumn struct {
	Star  bool
	Table string // set for "ref.*"
	Expr  Expr
	Alias string
}

func (c *ResultColumn) String() string {
	switch {
	case c.Star && c.Table != "":
		return c.Table + ".*"
	case c.Star:
		return "*"
	case c.Alias != "":
		return c.Expr.String() + " AS " + c.Alias
	default:
		return c.Expr.String()
	}
}

// OutputName is the name the column has in result rows.
func (c *ResultColumn) OutputName() string {
	if c.Alias != "" {
		return c.Alias
	}
	if ref, ok := c.Expr.(*ColumnRef); ok {
		return ref.Name
	}
	return c.Expr.String()
}

type OrderingTerm struct {
	Expr Expr
	Desc bool
}

func (o *OrderingTerm) String() string {
	if o.Desc {
		return o.Expr.String() + " DESC"
	}
	return o.Expr.String()
}

// walkExpr calls fn for e and every expression below it, depth first.
func walkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch t := e.(type) {
	case *BinaryExpr:
		walkExpr(t.X, fn)
		walkExpr(t.Y, fn)
	case *NotExpr:
		walkExpr(t.X, fn)
	case *ParenExpr:
		walkExpr(t.X, fn)
	case *InExpr:
		walkExpr(t.X, fn)
		for _, v := range t.Values {
			walkExpr(v, fn)
		}
	case *IsNullExpr:
		walkExpr(t.X, fn)
	}
}

// and joins conditions with AND. OR expressions are parenthesized when
// combined with anything else.
func and(exprs ...Expr) Expr {
	var terms []Expr
	for _, e := range exprs {
		if e != nil {
			terms = append(terms, e)
		}
	}
	if len(terms) == 1 {
		return terms[0]
	}
	var out Expr
	for _, e := range terms {
		if b, ok := e.(*BinaryExpr); ok && b.Op == OR {
			e = &ParenExpr{X: e}
		}
		if out == nil {
			out = e
			continue
		}
		out = &BinaryExpr{Op: AND, X: out, Y: e}
	}
	return out
}

// or joins conditions with OR.
func or(exprs ...Expr) Expr {
	var out Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
			continue
		}
		out = &BinaryExpr{Op: OR, X: out, Y: e}
	}
	return out
}
