package statement

import (
	"strconv"
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

// InsertStatement is a parsed INSERT. Columns is nil for the convenience form
// (a bare table name), whose columns come from the bound parameters.
type InsertStatement struct {
	SQL     string
	Table   *schema.Table
	Columns []string
	Values  []Expr
}

// ParseInsert parses "INSERT INTO t [(cols)] VALUES (...)" or a bare table
// name.
func ParseInsert(text string, cat Catalog) (*InsertStatement, error) {
	p, err := newParser(text, cat)
	if err != nil {
		return nil, err
	}
	if _, ok := isBareName(text); ok {
		t, err := p.table()
		if err != nil {
			return nil, err
		}
		return &InsertStatement{SQL: text, Table: t}, nil
	}

	if _, err := p.expect(INSERT); err != nil {
		return nil, err
	}
	if _, err := p.expect(INTO); err != nil {
		return nil, err
	}
	s := &InsertStatement{SQL: text}
	if s.Table, err = p.table(); err != nil {
		return nil, err
	}
	if p.peek().tok == LP {
		names, err := p.parseNameList()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			f, err := fieldOf(s.Table, n, errors.ErrParse)
			if err != nil {
				return nil, err
			}
			s.Columns = append(s.Columns, f)
		}
	} else {
		s.Columns = s.Table.FieldNames()
	}
	if _, err := p.expect(VALUES); err != nil {
		return nil, err
	}
	if _, err := p.expect(LP); err != nil {
		return nil, err
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		s.Values = append(s.Values, v)
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RP); err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	if len(s.Values) != len(s.Columns) {
		return nil, errors.Newf(errors.ErrParse, "INSERT into %s has %d columns but %d values", s.Table.Name, len(s.Columns), len(s.Values))
	}
	return s, nil
}

// parseValue parses a parameter or literal.
func (p *parser) parseValue() (Expr, error) {
	it := p.peek()
	x, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch x.(type) {
	case *ColumnRef, *ParenExpr:
		return nil, p.errorAt(it, "expected parameter or literal")
	}
	return x, nil
}

// BoundInsert is an INSERT with every value resolved. Record maps each column
// to the value being written.
type BoundInsert struct {
	Table   *schema.Table
	Columns []string
	Values  []Expr
	Record  map[string]any
	SQL     string
	Params  map[string]any
}

// Bind resolves params. In the convenience form every parameter names a
// column; unknown names are an ErrSchemaViolation.
func (s *InsertStatement) Bind(params Params) (*BoundInsert, error) {
	out := &BoundInsert{
		Table:  s.Table,
		Record: make(map[string]any),
		Params: make(map[string]any),
	}
	if s.Columns == nil {
		for _, name := range params.Names() {
			f, err := fieldOf(s.Table, name, errors.ErrSchemaViolation)
			if err != nil {
				return nil, err
			}
			out.Columns = append(out.Columns, f)
			out.Values = append(out.Values, &Param{Name: name})
		}
		if len(out.Columns) == 0 {
			return nil, errors.Newf(errors.ErrSchemaViolation, "no fields to insert into %s", s.Table.Name)
		}
	} else {
		out.Columns = s.Columns
		out.Values = s.Values
	}

	for i, col := range out.Columns {
		v, err := bindValue(out.Values[i], params, out.Params)
		if err != nil {
			return nil, err
		}
		out.Record[col] = v
	}
	out.SQL = renderInsert(s.Table.Name, out.Columns, out.Values)
	return out, nil
}

func renderInsert(table string, cols []string, values []Expr) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES (")
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteString(")")
	return b.String()
}

// Assignment is one "field = value" of an UPDATE.
type Assignment struct {
	Field string
	Value Expr
}

func (a *Assignment) String() string { return a.Field + " = " + a.Value.String() }

// UpdateStatement is a parsed UPDATE. Set is nil for the convenience form; its
// assignments and WHERE clause are derived from the bound parameters.
type UpdateStatement struct {
	SQL       string
	Table     *schema.Table
	Set       []*Assignment
	Where     Expr
	WhereRefs []*EqualsRef
	Index     *schema.Index
}

// DeleteStatement is a parsed DELETE. Where is nil for the convenience form.
type DeleteStatement struct {
	SQL       string
	Table     *schema.Table
	Where     Expr
	WhereRefs []*EqualsRef
	Index     *schema.Index
}

// ParseUpdate parses "UPDATE t SET f = v, ... WHERE k = @k AND ..." or a bare
// table name. The WHERE clause must be a conjunction of field = @param terms
// that covers a unique index.
func ParseUpdate(text string, cat Catalog) (*UpdateStatement, error) {
	p, err := newParser(text, cat)
	if err != nil {
		return nil, err
	}
	if _, ok := isBareName(text); ok {
		t, err := p.table()
		if err != nil {
			return nil, err
		}
		return &UpdateStatement{SQL: text, Table: t}, nil
	}

	if _, err := p.expect(UPDATE); err != nil {
		return nil, err
	}
	s := &UpdateStatement{SQL: text}
	if s.Table, err = p.table(); err != nil {
		return nil, err
	}
	if _, err := p.expect(SET); err != nil {
		return nil, err
	}
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		field, err := fieldOf(s.Table, name, errors.ErrParse)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(EQ); err != nil {
			return nil, err
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		s.Set = append(s.Set, &Assignment{Field: field, Value: v})
		if !p.accept(COMMA) {
			break
		}
	}
	if s.Where, s.WhereRefs, s.Index, err = p.parseKeyedWhere(s.Table); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseDelete parses "DELETE FROM t WHERE k = @k AND ..." or a bare table
// name.
func ParseDelete(text string, cat Catalog) (*DeleteStatement, error) {
	p, err := newParser(text, cat)
	if err != nil {
		return nil, err
	}
	if _, ok := isBareName(text); ok {
		t, err := p.table()
		if err != nil {
			return nil, err
		}
		return &DeleteStatement{SQL: text, Table: t}, nil
	}

	if _, err := p.expect(DELETE); err != nil {
		return nil, err
	}
	if _, err := p.expect(FROM); err != nil {
		return nil, err
	}
	s := &DeleteStatement{SQL: text}
	if s.Table, err = p.table(); err != nil {
		return nil, err
	}
	if s.Where, s.WhereRefs, s.Index, err = p.parseKeyedWhere(s.Table); err != nil {
		return nil, err
	}
	return s, nil
}

// parseKeyedWhere parses the WHERE clause of an UPDATE or DELETE and resolves
// the unique index it addresses.
func (p *parser) parseKeyedWhere(t *schema.Table) (Expr, []*EqualsRef, *schema.Index, error) {
	if _, err := p.expect(WHERE); err != nil {
		return nil, nil, nil, err
	}
	where, err := p.parseExpr()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := p.end(); err != nil {
		return nil, nil, nil, err
	}

	var refs []*EqualsRef
	for _, term := range conjuncts(where) {
		b, ok := term.(*BinaryExpr)
		if !ok || b.Op != EQ {
			return nil, nil, nil, errors.Newf(errors.ErrSchemaViolation, "WHERE term %s is not a field = @param comparison", term)
		}
		rs := equalsRefs(b)
		if len(rs) != 1 {
			return nil, nil, nil, errors.Newf(errors.ErrSchemaViolation, "WHERE term %s is not a field = @param comparison", term)
		}
		if rs[0].TableAlias != "" && !strings.EqualFold(rs[0].TableAlias, t.Name) {
			return nil, nil, nil, errors.Newf(errors.ErrParse, "unknown table reference %s", rs[0].TableAlias)
		}
		if rs[0].FieldName, err = fieldOf(t, rs[0].FieldName, errors.ErrParse); err != nil {
			return nil, nil, nil, err
		}
		refs = append(refs, rs[0])
	}

	fields := make([]string, len(refs))
	for i, r := range refs {
		fields[i] = r.FieldName
	}
	idx, err := whereIndex(t, fields)
	if err != nil {
		return nil, nil, nil, err
	}
	return where, refs, idx, nil
}

// conjuncts flattens an AND tree, looking through parentheses.
func conjuncts(e Expr) []Expr {
	switch t := e.(type) {
	case *BinaryExpr:
		if t.Op == AND {
			return append(conjuncts(t.X), conjuncts(t.Y)...)
		}
	case *ParenExpr:
		return conjuncts(t.X)
	}
	return []Expr{e}
}

// whereIndex picks the unique index covered by fields. Fields the index does
// not use are an error.
func whereIndex(t *schema.Table, fields []string) (*schema.Index, error) {
	idx := t.FindUniqueIndex(fields)
	if idx == nil {
		return nil, errors.Newf(errors.ErrSchemaViolation,
			"could not find unique index to build WHERE clause for %s from fields %s", t.Name, strings.Join(fields, ", "))
	}
	var unused []string
	for _, f := range fields {
		if !containsFold(idx.FieldNames, f) {
			unused = append(unused, f)
		}
	}
	if len(unused) > 0 {
		return nil, errors.Newf(errors.ErrSchemaViolation, "unused fields in WHERE clause for %s: %s", t.Name, strings.Join(unused, ", "))
	}
	return idx, nil
}

// BoundWrite is a bound UPDATE or DELETE addressing exactly one row through
// Index. Key holds the index field values; Set is empty for a DELETE.
type BoundWrite struct {
	Table     *schema.Table
	Set       []*Assignment
	SetValues map[string]any
	Index     *schema.Index
	Key       map[string]any
	SQL       string
	Params    map[string]any
}

// Bind resolves params. In the convenience form the parameters covering a
// unique index (the primary key when possible) build the WHERE clause and the
// rest become assignments.
func (s *UpdateStatement) Bind(params Params) (*BoundWrite, error) {
	out := &BoundWrite{
		Table:     s.Table,
		SetValues: make(map[string]any),
		Params:    make(map[string]any),
	}
	refs := s.WhereRefs
	out.Index = s.Index
	set := s.Set
	if s.Set == nil {
		var err error
		if out.Index, refs, set, err = convenienceUpdate(s.Table, params); err != nil {
			return nil, err
		}
	}
	for _, a := range set {
		v, err := bindValue(a.Value, params, out.Params)
		if err != nil {
			return nil, err
		}
		out.SetValues[a.Field] = v
	}
	out.Set = set
	if err := out.bindKey(refs, params); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(s.Table.Name)
	b.WriteString(" SET ")
	for i, a := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	b.WriteString(" WHERE ")
	b.WriteString(renderKeyWhere(out.Index, refs))
	out.SQL = b.String()
	return out, nil
}

func convenienceUpdate(t *schema.Table, params Params) (*schema.Index, []*EqualsRef, []*Assignment, error) {
	names := params.Names()
	fields := make([]string, len(names))
	for i, n := range names {
		f, err := fieldOf(t, n, errors.ErrSchemaViolation)
		if err != nil {
			return nil, nil, nil, err
		}
		fields[i] = f
	}
	idx := t.FindUniqueIndex(fields)
	if idx == nil {
		return nil, nil, nil, errors.Newf(errors.ErrSchemaViolation,
			"could not find unique index to build WHERE clause for %s from fields %s", t.Name, strings.Join(fields, ", "))
	}
	var refs []*EqualsRef
	var set []*Assignment
	for i, f := range fields {
		if containsFold(idx.FieldNames, f) {
			refs = append(refs, &EqualsRef{FieldName: f, ParamName: names[i]})
			continue
		}
		set = append(set, &Assignment{Field: f, Value: &Param{Name: names[i]}})
	}
	if len(set) == 0 {
		return nil, nil, nil, errors.Newf(errors.ErrSchemaViolation, "no fields to update in %s", t.Name)
	}
	return idx, refs, set, nil
}

// Bind resolves params. In the convenience form every parameter is a WHERE
// field and together they must exactly cover a unique index.
func (s *DeleteStatement) Bind(params Params) (*BoundWrite, error) {
	out := &BoundWrite{
		Table:     s.Table,
		SetValues: make(map[string]any),
		Params:    make(map[string]any),
		Index:     s.Index,
	}
	refs := s.WhereRefs
	if s.Where == nil {
		names := params.Names()
		fields := make([]string, len(names))
		refs = make([]*EqualsRef, len(names))
		for i, n := range names {
			f, err := fieldOf(s.Table, n, errors.ErrSchemaViolation)
			if err != nil {
				return nil, err
			}
			fields[i] = f
			refs[i] = &EqualsRef{FieldName: f, ParamName: n}
		}
		var err error
		if out.Index, err = whereIndex(s.Table, fields); err != nil {
			return nil, err
		}
	}
	if err := out.bindKey(refs, params); err != nil {
		return nil, err
	}
	out.SQL = "DELETE FROM " + s.Table.Name + " WHERE " + renderKeyWhere(out.Index, refs)
	return out, nil
}

func (w *BoundWrite) bindKey(refs []*EqualsRef, params Params) error {
	w.Key = make(map[string]any, len(w.Index.FieldNames))
	for _, f := range w.Index.FieldNames {
		ref := refFor(refs, f)
		v, err := bindValue(&Param{Name: ref.ParamName}, params, w.Params)
		if err != nil {
			return err
		}
		if v == nil {
			return errors.Newf(errors.ErrBind, "key field %s of %s is null", f, w.Table.Name)
		}
		w.Key[f] = v
	}
	return nil
}

func renderKeyWhere(idx *schema.Index, refs []*EqualsRef) string {
	parts := make([]string, len(idx.FieldNames))
	for i, f := range idx.FieldNames {
		parts[i] = f + " = @" + refFor(refs, f).ParamName
	}
	return strings.Join(parts, " AND ")
}

// refFor returns the ref for field. Callers only ask for fields of an index
// chosen from refs, so one always exists.
func refFor(refs []*EqualsRef, field string) *EqualsRef {
	for _, r := range refs {
		if strings.EqualFold(r.FieldName, field) {
			return r
		}
	}
	panic("statement: no WHERE ref for index field " + field)
}

// bindValue resolves a parameter or literal to a Go value, recording
// parameters in out.
func bindValue(e Expr, params Params, out map[string]any) (any, error) {
	if p, ok := e.(*Param); ok {
		v, ok := params.Get(p.Name)
		if !ok {
			return nil, errors.Newf(errors.ErrBind, "missing parameter @%s", p.Name)
		}
		if v.Kind() == KindList {
			return nil, errors.Newf(errors.ErrBind, "list parameter @%s cannot be written to a field", p.Name)
		}
		out[p.Name] = v.Scalar()
		return v.Scalar(), nil
	}
	v, ok := LiteralValue(e)
	if !ok {
		return nil, errors.Newf(errors.ErrBind, "%s is not a value", e)
	}
	return v, nil
}

// LiteralValue converts a literal expression into a Go value: nil, bool,
// int64, float64 or string.
func LiteralValue(e Expr) (any, bool) {
	switch t := e.(type) {
	case *NullLit:
		return nil, true
	case *BoolLit:
		return t.Value, true
	case *StringLit:
		return t.Value, true
	case *NumberLit:
		if !t.Float {
			if n, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
				return n, true
			}
		}
		f, err := strconv.ParseFloat(t.Value, 64)
		return f, err == nil
	}
	return nil, false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
