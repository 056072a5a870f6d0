package statement

import (
	"strconv"
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

// SelectStatement is a parsed SELECT. It is immutable once returned by
// ParseSelect; Bind and WithKeyFilter return modified copies.
type SelectStatement struct {
	SQL       string
	Columns   []*ResultColumn
	TableRefs []*TableRef
	Where     Expr
	OrderBy   []*OrderingTerm
	Limit     Expr

	// WhereRefs are the field=@param and field!=@param pairs of the WHERE
	// clause.
	WhereRefs []*EqualsRef
	// FieldRefs are the plain column references of the select list.
	FieldRefs []*ColumnRef
}

// ParseSelect parses a SELECT against cat. A bare table name is shorthand for
// "SELECT * FROM name".
func ParseSelect(text string, cat Catalog) (*SelectStatement, error) {
	if name, ok := isBareName(text); ok {
		text = "SELECT * FROM " + name
	}
	p, err := newParser(text, cat)
	if err != nil {
		return nil, err
	}
	s, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	s.SQL = text
	if err := s.resolve(); err != nil {
		return nil, err
	}
	s.WhereRefs = equalsRefs(s.Where)
	for _, c := range s.Columns {
		if ref, ok := c.Expr.(*ColumnRef); ok {
			s.FieldRefs = append(s.FieldRefs, ref)
		}
	}
	return s, nil
}

func (p *parser) parseSelect() (*SelectStatement, error) {
	if _, err := p.expect(SELECT); err != nil {
		return nil, err
	}
	s := &SelectStatement{}
	for {
		col, err := p.parseResultColumn()
		if err != nil {
			return nil, err
		}
		s.Columns = append(s.Columns, col)
		if !p.accept(COMMA) {
			break
		}
	}

	if _, err := p.expect(FROM); err != nil {
		return nil, err
	}
	first, err := p.parseTableRef(JoinNone)
	if err != nil {
		return nil, err
	}
	s.TableRefs = append(s.TableRefs, first)

joins:
	for {
		jt := JoinNone
		switch p.peek().tok {
		case JOIN:
			jt = JoinInner
		case INNER:
			p.next()
			jt = JoinInner
		case LEFT:
			p.next()
			p.accept(OUTER)
			jt = JoinLeft
		case RIGHT:
			p.next()
			p.accept(OUTER)
			jt = JoinRight
		default:
			break joins
		}
		if _, err := p.expect(JOIN); err != nil {
			return nil, err
		}
		ref, err := p.parseTableRef(jt)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(ON); err != nil {
			return nil, err
		}
		if ref.On, err = p.parseExpr(); err != nil {
			return nil, err
		}
		s.TableRefs = append(s.TableRefs, ref)
	}

	if p.accept(WHERE) {
		if s.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}

	if p.accept(ORDER) {
		if _, err := p.expect(BY); err != nil {
			return nil, err
		}
		for {
			x, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			term := &OrderingTerm{Expr: x}
			if p.accept(DESC) {
				term.Desc = true
			} else {
				p.accept(ASC)
			}
			s.OrderBy = append(s.OrderBy, term)
			if !p.accept(COMMA) {
				break
			}
		}
	}

	if p.accept(LIMIT) {
		if s.Limit, err = p.parseOperand(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *parser) parseResultColumn() (*ResultColumn, error) {
	if p.accept(STAR) {
		return &ResultColumn{Star: true}, nil
	}
	if it := p.peek(); isIdent(it.tok) && p.peekN(1).tok == DOT && p.peekN(2).tok == STAR {
		p.next()
		p.next()
		p.next()
		return &ResultColumn{Star: true, Table: it.lit}, nil
	}
	x, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	alias, err := p.alias()
	if err != nil {
		return nil, err
	}
	return &ResultColumn{Expr: x, Alias: alias}, nil
}

func (p *parser) parseTableRef(jt JoinType) (*TableRef, error) {
	t, err := p.table()
	if err != nil {
		return nil, err
	}
	alias, err := p.alias()
	if err != nil {
		return nil, err
	}
	return &TableRef{Table: t, Alias: alias, JoinType: jt}, nil
}

// resolve checks every column reference against the FROM clause.
func (s *SelectStatement) resolve() error {
	seen := make(map[string]struct{}, len(s.TableRefs))
	for _, ref := range s.TableRefs {
		name := lower(ref.RefName())
		if _, ok := seen[name]; ok {
			return errors.Newf(errors.ErrParse, "table reference %s is used more than once", ref.RefName())
		}
		seen[name] = struct{}{}
	}

	aliases := make(map[string]struct{})
	var firstErr error
	check := func(e Expr) {
		walkExpr(e, func(e Expr) {
			col, ok := e.(*ColumnRef)
			if !ok || firstErr != nil {
				return
			}
			if col.Table == "" {
				if _, ok := aliases[lower(col.Name)]; ok {
					return
				}
			}
			firstErr = s.resolveColumn(col)
		})
	}

	for _, c := range s.Columns {
		if c.Star && c.Table != "" && s.refByName(c.Table) == nil {
			return errors.Newf(errors.ErrParse, "unknown table reference %s", c.Table)
		}
		check(c.Expr)
	}
	for _, ref := range s.TableRefs {
		check(ref.On)
	}
	check(s.Where)
	for _, c := range s.Columns {
		if c.Alias != "" {
			aliases[lower(c.Alias)] = struct{}{}
		}
	}
	for _, o := range s.OrderBy {
		check(o.Expr)
	}
	return firstErr
}

func (s *SelectStatement) resolveColumn(col *ColumnRef) error {
	if col.Table != "" {
		ref := s.refByName(col.Table)
		if ref == nil {
			return errors.Newf(errors.ErrParse, "unknown table reference %s", col.Table)
		}
		if ref.Table.FindField(col.Name) == nil {
			return errors.Newf(errors.ErrParse, "unknown field %s", col)
		}
		return nil
	}
	matches := 0
	for _, ref := range s.TableRefs {
		if ref.Table.FindField(col.Name) != nil {
			matches++
		}
	}
	switch {
	case matches == 0:
		return errors.Newf(errors.ErrParse, "unknown field %s", col.Name)
	case matches > 1:
		return errors.Newf(errors.ErrParse, "ambiguous field %s", col.Name)
	}
	return nil
}

func (s *SelectStatement) refByName(name string) *TableRef {
	for _, ref := range s.TableRefs {
		if strings.EqualFold(ref.RefName(), name) {
			return ref
		}
	}
	return nil
}

// References returns the table refs that read from table.
func (s *SelectStatement) References(table string) []*TableRef {
	var out []*TableRef
	for _, ref := range s.TableRefs {
		if strings.EqualFold(ref.Table.Name, table) {
			out = append(out, ref)
		}
	}
	return out
}

// Tables returns the distinct tables the statement reads, in FROM order.
func (s *SelectStatement) Tables() []*schema.Table {
	var out []*schema.Table
	seen := make(map[string]struct{})
	for _, ref := range s.TableRefs {
		name := lower(ref.Table.Name)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, ref.Table)
	}
	return out
}

// ParamNames lists every @param the statement uses, in order of appearance.
func (s *SelectStatement) ParamNames() []string {
	exprs := make([]Expr, 0, len(s.Columns)+len(s.TableRefs)+2)
	for _, c := range s.Columns {
		exprs = append(exprs, c.Expr)
	}
	for _, ref := range s.TableRefs {
		exprs = append(exprs, ref.On)
	}
	exprs = append(exprs, s.Where, s.Limit)
	return paramNames(exprs...)
}

// OutputNames returns the names of the explicit result columns and whether the
// select list contains a star.
func (s *SelectStatement) OutputNames() (names []string, star bool) {
	for _, c := range s.Columns {
		if c.Star {
			star = true
			continue
		}
		names = append(names, c.OutputName())
	}
	return names, star
}

// ResultNames expands the select list into the names of the result columns,
// stars included, in output order. Rows are maps keyed by column name, so a
// name produced twice is an ErrSchemaViolation.
func (s *SelectStatement) ResultNames() ([]string, error) {
	var names []string
	seen := make(map[string]struct{})
	add := func(name string) error {
		k := lower(name)
		if _, ok := seen[k]; ok {
			return errors.Newf(errors.ErrSchemaViolation, "result column %s is produced more than once", name)
		}
		seen[k] = struct{}{}
		names = append(names, name)
		return nil
	}
	for _, c := range s.Columns {
		if !c.Star {
			if err := add(c.OutputName()); err != nil {
				return nil, err
			}
			continue
		}
		for _, ref := range s.TableRefs {
			if c.Table != "" && !strings.EqualFold(c.Table, ref.RefName()) {
				continue
			}
			for _, f := range ref.Table.Fields {
				if err := add(f.Name); err != nil {
					return nil, err
				}
			}
		}
	}
	return names, nil
}

func (s *SelectStatement) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.String())
	}
	b.WriteString(" FROM ")
	for i, ref := range s.TableRefs {
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(ref.JoinType.String())
			b.WriteString(" ")
		}
		b.WriteString(ref.String())
		if ref.On != nil {
			b.WriteString(" ON ")
			b.WriteString(ref.On.String())
		}
	}
	if s.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(s.Where.String())
	}
	for i, o := range s.OrderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.String())
	}
	if s.Limit != nil {
		b.WriteString(" LIMIT ")
		b.WriteString(s.Limit.String())
	}
	return b.String()
}

func (s *SelectStatement) clone() *SelectStatement {
	c := *s
	c.Columns = append([]*ResultColumn(nil), s.Columns...)
	c.TableRefs = append([]*TableRef(nil), s.TableRefs...)
	c.OrderBy = append([]*OrderingTerm(nil), s.OrderBy...)
	return &c
}

// KeyParamPrefix prefixes the parameters WithKeyFilter introduces.
const KeyParamPrefix = "__key_"

func keyParam(i int) string { return KeyParamPrefix + strconv.Itoa(i) }

// WithKeyFilter returns a copy of s restricted to rows in which table's
// primary-index fields equal key. When table is referenced more than once the
// conditions are OR-ed across references. Columns are left bare for a
// single-table statement and qualified by alias otherwise. The returned
// Params hold the key values and must be merged into the caller's params.
//
// A reference on the nullable side of an outer join is also pinned through
// the equalities of its join condition, so rows in which it is null-extended
// before or after the write are found as well. A reference whose join
// condition does not equate every key field with another table's column
// cannot be pinned and yields an ErrSchemaViolation.
func (s *SelectStatement) WithKeyFilter(table string, key map[string]any) (*SelectStatement, Params, error) {
	refs := s.References(table)
	if len(refs) == 0 {
		return nil, nil, errors.Newf(errors.ErrEngineInvariant, "statement does not reference table %s", table)
	}
	fields := refs[0].Table.PrimaryIndex().FieldNames
	params := make(Params, len(fields))
	for i, fn := range fields {
		params[keyParam(i)] = Scalar(schema.Lookup(key, fn))
	}

	qualify := len(s.TableRefs) > 1
	pins := make([]Expr, 0, len(refs))
	for _, ref := range refs {
		cols := make([]*ColumnRef, len(fields))
		for i, fn := range fields {
			cols[i] = &ColumnRef{Name: fn}
			if qualify {
				cols[i].Table = ref.RefName()
			}
		}
		pins = append(pins, pinKey(cols))
		for _, on := range s.outerJoinConditions(ref) {
			joined, ok := s.joinedColumns(ref, on, fields)
			if !ok {
				return nil, nil, errors.Newf(errors.ErrSchemaViolation,
					"outer-joined %s cannot be pinned through its join condition", ref.RefName())
			}
			pins = append(pins, pinKey(joined))
		}
	}

	c := s.clone()
	c.Where = and(s.Where, or(pins...))
	return c, params, nil
}

func pinKey(cols []*ColumnRef) Expr {
	conds := make([]Expr, len(cols))
	for i, col := range cols {
		conds[i] = &BinaryExpr{Op: EQ, X: col, Y: &Param{Name: keyParam(i)}}
	}
	return and(conds...)
}

// outerJoinConditions returns the join conditions under which ref can be
// null-extended: its own ON clause for a LEFT JOIN, and the ON clause of
// every later RIGHT JOIN.
func (s *SelectStatement) outerJoinConditions(ref *TableRef) []Expr {
	var out []Expr
	after := false
	for _, r := range s.TableRefs {
		if r == ref {
			after = true
			if r.JoinType == JoinLeft {
				out = append(out, r.On)
			}
			continue
		}
		if after && r.JoinType == JoinRight {
			out = append(out, r.On)
		}
	}
	return out
}

// joinedColumns maps every field of ref to the column of another table that
// on equates it with. ok is false unless all fields are mapped.
func (s *SelectStatement) joinedColumns(ref *TableRef, on Expr, fields []string) ([]*ColumnRef, bool) {
	out := make([]*ColumnRef, len(fields))
	for _, e := range conjuncts(on) {
		b, ok := e.(*BinaryExpr)
		if !ok || b.Op != EQ {
			continue
		}
		x, okX := b.X.(*ColumnRef)
		y, okY := b.Y.(*ColumnRef)
		if !okX || !okY {
			continue
		}
		if s.refOf(x) != ref {
			x, y = y, x
		}
		other := s.refOf(y)
		if s.refOf(x) != ref || other == nil || other == ref {
			continue
		}
		for i, fn := range fields {
			if out[i] == nil && strings.EqualFold(x.Name, fn) {
				out[i] = &ColumnRef{Table: other.RefName(), Name: y.Name}
			}
		}
	}
	for _, col := range out {
		if col == nil {
			return nil, false
		}
	}
	return out, true
}

// refOf returns the table ref a resolved column reads.
func (s *SelectStatement) refOf(col *ColumnRef) *TableRef {
	if col.Table != "" {
		return s.refByName(col.Table)
	}
	for _, ref := range s.TableRefs {
		if ref.Table.FindField(col.Name) != nil {
			return ref
		}
	}
	return nil
}

// BoundSelect is a SELECT with its parameters resolved: null comparisons
// became IS [NOT] NULL, list comparisons became IN lists or constant
// conditions, and Params holds a value for every @param left in Statement.
type BoundSelect struct {
	Statement *SelectStatement
	SQL       string
	Params    map[string]any
}

// Bind resolves params into the statement. A missing parameter is an ErrBind.
func (s *SelectStatement) Bind(params Params) (*BoundSelect, error) {
	b := &binder{params: params, out: make(map[string]any)}
	c := s.clone()
	var err error
	for i, col := range s.Columns {
		if col.Expr == nil {
			continue
		}
		cc := *col
		if cc.Expr, err = b.expr(col.Expr); err != nil {
			return nil, err
		}
		c.Columns[i] = &cc
	}
	for i, ref := range s.TableRefs {
		if ref.On == nil {
			continue
		}
		rc := *ref
		if rc.On, err = b.expr(ref.On); err != nil {
			return nil, err
		}
		c.TableRefs[i] = &rc
	}
	if c.Where, err = b.expr(s.Where); err != nil {
		return nil, err
	}
	if c.Limit, err = b.expr(s.Limit); err != nil {
		return nil, err
	}
	return &BoundSelect{Statement: c, SQL: c.String(), Params: b.out}, nil
}
