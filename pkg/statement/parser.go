package statement

import (
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

// Catalog resolves table names while parsing. *schema.Catalog satisfies it.
type Catalog interface {
	Table(name string) (*schema.Table, bool)
}

type item struct {
	pos int
	tok Token
	lit string
}

type parser struct {
	src   string
	items []item
	i     int
	cat   Catalog
}

func newParser(src string, cat Catalog) (*parser, error) {
	p := &parser{src: src, cat: cat}
	s := NewScanner(src)
	for {
		pos, tok, lit := s.Scan()
		if tok == ILLEGAL {
			return nil, errors.Newf(errors.ErrParse, "illegal token %q at offset %d", lit, pos)
		}
		p.items = append(p.items, item{pos: pos, tok: tok, lit: lit})
		if tok == EOF {
			return p, nil
		}
	}
}

func (p *parser) peek() item { return p.items[p.i] }

func (p *parser) peekN(n int) item {
	if p.i+n >= len(p.items) {
		return p.items[len(p.items)-1]
	}
	return p.items[p.i+n]
}

func (p *parser) next() item {
	it := p.items[p.i]
	if it.tok != EOF {
		p.i++
	}
	return it
}

func (p *parser) accept(tok Token) bool {
	if p.peek().tok == tok {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(tok Token) (item, error) {
	it := p.next()
	if it.tok != tok {
		return it, p.errorAt(it, "expected %s", tok)
	}
	return it, nil
}

// end accepts an optional trailing ";" followed by EOF.
func (p *parser) end() error {
	p.accept(SEMI)
	if it := p.peek(); it.tok != EOF {
		return p.errorAt(it, "unexpected trailing input")
	}
	return nil
}

func (p *parser) errorAt(it item, format string, args ...any) error {
	found := it.lit
	if it.tok == EOF {
		found = "end of statement"
	}
	return errors.Newf(errors.ErrParse, "syntax error: "+format+", found %q at offset %d in %q",
		append(args, found, it.pos, p.src)...)
}

func (p *parser) ident() (string, error) {
	it := p.next()
	if !isIdent(it.tok) {
		return "", p.errorAt(it, "expected identifier")
	}
	return it.lit, nil
}

func (p *parser) table() (*schema.Table, error) {
	it := p.peek()
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	t, ok := p.cat.Table(name)
	if !ok {
		return nil, errors.Newf(errors.ErrParse, "invalid table name %s at offset %d", name, it.pos)
	}
	return t, nil
}

// alias parses an optional "[AS] alias".
func (p *parser) alias() (string, error) {
	if p.accept(AS) {
		return p.ident()
	}
	if isIdent(p.peek().tok) {
		return p.next().lit, nil
	}
	return "", nil
}

func (p *parser) parseExpr() (Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(OR) {
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: OR, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseAnd() (Expr, error) {
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(AND) {
		y, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: AND, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.accept(NOT) {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{X: x}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Expr, error) {
	x, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch it := p.peek(); it.tok {
	case EQ, NE, LT, LE, GT, GE, LIKE:
		p.next()
		y, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: it.tok, X: x, Y: y}, nil
	case IS:
		p.next()
		not := p.accept(NOT)
		if _, err := p.expect(NULL); err != nil {
			return nil, err
		}
		return &IsNullExpr{X: x, Not: not}, nil
	case IN:
		p.next()
		return p.parseInList(x, false)
	case NOT:
		switch p.peekN(1).tok {
		case IN:
			p.next()
			p.next()
			return p.parseInList(x, true)
		case LIKE:
			p.next()
			p.next()
			y, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &NotExpr{X: &BinaryExpr{Op: LIKE, X: x, Y: y}}, nil
		}
	}
	return x, nil
}

// parseInList parses "(a, b, ...)" or a single list parameter "@ids".
func (p *parser) parseInList(x Expr, not bool) (Expr, error) {
	in := &InExpr{X: x, Not: not}
	if it := p.peek(); it.tok == PARAM {
		p.next()
		in.Values = []Expr{&Param{Name: it.lit}}
		return in, nil
	}
	if _, err := p.expect(LP); err != nil {
		return nil, err
	}
	for {
		v, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		in.Values = append(in.Values, v)
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RP); err != nil {
		return nil, err
	}
	return in, nil
}

func (p *parser) parseOperand() (Expr, error) {
	it := p.next()
	switch it.tok {
	case PARAM:
		return &Param{Name: it.lit}, nil
	case NULL:
		return &NullLit{}, nil
	case TRUE:
		return &BoolLit{Value: true}, nil
	case FALSE:
		return &BoolLit{Value: false}, nil
	case INTEGER:
		return &NumberLit{Value: it.lit}, nil
	case FLOAT:
		return &NumberLit{Value: it.lit, Float: true}, nil
	case MINUS:
		num := p.next()
		if num.tok != INTEGER && num.tok != FLOAT {
			return nil, p.errorAt(num, "expected number after -")
		}
		return &NumberLit{Value: "-" + num.lit, Float: num.tok == FLOAT}, nil
	case STRING:
		return &StringLit{Value: it.lit}, nil
	case IDENT, QIDENT:
		if p.accept(DOT) {
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			return &ColumnRef{Table: it.lit, Name: name}, nil
		}
		return &ColumnRef{Name: it.lit}, nil
	case LP:
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RP); err != nil {
			return nil, err
		}
		return &ParenExpr{X: x}, nil
	}
	return nil, p.errorAt(it, "expected expression")
}

// parseNameList parses "(a, b, ...)".
func (p *parser) parseNameList() ([]string, error) {
	if _, err := p.expect(LP); err != nil {
		return nil, err
	}
	var names []string
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RP); err != nil {
		return nil, err
	}
	return names, nil
}

// isBareName reports whether text is a single identifier, the convenience
// form naming a table.
func isBareName(text string) (string, bool) {
	s := NewScanner(text)
	_, tok, lit := s.Scan()
	if !isIdent(tok) {
		return "", false
	}
	_, next, _ := s.Scan()
	if next == SEMI {
		_, next, _ = s.Scan()
	}
	return lit, next == EOF
}

// fieldOf resolves name against t, returning the declared spelling. code is
// ErrParse for names written in statement text and ErrSchemaViolation for
// names derived from parameters.
func fieldOf(t *schema.Table, name string, code errors.Code) (string, error) {
	f := t.FindField(name)
	if f == nil {
		return "", errors.Newf(code, "unknown field %s in table %s", name, t.Name)
	}
	return f.Name, nil
}

func lower(s string) string { return strings.ToLower(s) }
