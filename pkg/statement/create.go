package statement

import (
	"strconv"
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

// CreateStatement is a parsed CREATE TABLE.
type CreateStatement struct {
	SQL         string
	Table       *schema.Table
	IfNotExists bool
}

// fieldTypes maps SQL type names onto logical field types.
var fieldTypes = map[string]schema.FieldType{
	"CHAR":      schema.FieldTypeString,
	"VARCHAR":   schema.FieldTypeString,
	"TEXT":      schema.FieldTypeString,
	"TINYINT":   schema.FieldTypeByte,
	"MEDIUMINT": schema.FieldTypeInt,
	"INT":       schema.FieldTypeLong,
	"INTEGER":   schema.FieldTypeLong,
	"BIGINT":    schema.FieldTypeLong,
	"FLOAT":     schema.FieldTypeFloat,
	"DOUBLE":    schema.FieldTypeDouble,
	"DATETIME":  schema.FieldTypeDateTime,
}

// ParseCreate parses one CREATE TABLE statement. Tables do not need to exist.
func ParseCreate(text string) (*CreateStatement, error) {
	p, err := newParser(text, nil)
	if err != nil {
		return nil, err
	}
	s, err := p.parseCreate()
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	s.SQL = strings.TrimSpace(text)
	return s, nil
}

// ParseCreates parses a script of ";"-separated CREATE TABLE statements.
// Comments are ignored and empty statements skipped.
func ParseCreates(script string) ([]*CreateStatement, error) {
	var out []*CreateStatement
	for _, text := range SplitStatements(script) {
		s, err := ParseCreate(text)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SplitStatements splits script on top-level ";" and drops statements that
// hold nothing but whitespace and comments.
func SplitStatements(script string) []string {
	var out []string
	s := NewScanner(script)
	start, empty := 0, true
	for {
		pos, tok, _ := s.Scan()
		switch tok {
		case SEMI, EOF:
			if !empty {
				out = append(out, strings.TrimSpace(script[start:pos]))
			}
			if tok == EOF {
				return out
			}
			start, empty = s.Offset(), true
		default:
			empty = false
		}
	}
}

func (p *parser) parseCreate() (*CreateStatement, error) {
	if _, err := p.expect(CREATE); err != nil {
		return nil, err
	}
	if _, err := p.expect(TABLE); err != nil {
		return nil, err
	}
	s := &CreateStatement{}
	if p.accept(IF) {
		if _, err := p.expect(NOT); err != nil {
			return nil, err
		}
		if _, err := p.expect(EXISTS); err != nil {
			return nil, err
		}
		s.IfNotExists = true
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(LP); err != nil {
		return nil, err
	}

	var fields []*schema.FieldDef
	var indexes []*schema.Index
	for {
		switch p.peek().tok {
		case PRIMARY:
			p.next()
			if _, err := p.expect(KEY); err != nil {
				return nil, err
			}
			names, err := p.parseNameList()
			if err != nil {
				return nil, err
			}
			indexes = append(indexes, &schema.Index{Type: schema.IndexTypePrimary, FieldNames: names})
		case UNIQUE:
			p.next()
			if !p.accept(INDEX) {
				p.accept(KEY)
			}
			idx, err := p.parseIndexBody(schema.IndexTypeUnique)
			if err != nil {
				return nil, err
			}
			indexes = append(indexes, idx)
		case INDEX, KEY:
			p.next()
			idx, err := p.parseIndexBody(schema.IndexTypeOther)
			if err != nil {
				return nil, err
			}
			indexes = append(indexes, idx)
		default:
			f, inline, err := p.parseFieldDef()
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
			if inline != nil {
				indexes = append(indexes, inline)
			}
		}
		if !p.accept(COMMA) {
			break
		}
	}
	if _, err := p.expect(RP); err != nil {
		return nil, err
	}

	for _, idx := range indexes {
		for i, fn := range idx.FieldNames {
			for _, f := range fields {
				if strings.EqualFold(f.Name, fn) {
					idx.FieldNames[i] = f.Name
				}
			}
		}
	}
	if s.Table, err = schema.NewTable(name, fields, indexes); err != nil {
		return nil, err
	}
	return s, nil
}

// parseIndexBody parses "[name] (fields)".
func (p *parser) parseIndexBody(typ schema.IndexType) (*schema.Index, error) {
	if isIdent(p.peek().tok) {
		p.next()
	}
	names, err := p.parseNameList()
	if err != nil {
		return nil, err
	}
	return &schema.Index{Type: typ, FieldNames: names}, nil
}

// parseFieldDef parses "name TYPE[(n[, m])] [constraints]". An inline
// PRIMARY KEY or UNIQUE constraint is returned as an index.
func (p *parser) parseFieldDef() (*schema.FieldDef, *schema.Index, error) {
	name, err := p.ident()
	if err != nil {
		return nil, nil, err
	}
	typeItem := p.next()
	if typeItem.tok != IDENT {
		return nil, nil, p.errorAt(typeItem, "expected type of field %s", name)
	}
	typ, ok := fieldTypes[strings.ToUpper(typeItem.lit)]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrParse, "unknown type %s for field %s", typeItem.lit, name)
	}
	f := &schema.FieldDef{Name: name, Type: typ, AllowNull: true}

	if p.accept(LP) {
		size, err := p.expect(INTEGER)
		if err != nil {
			return nil, nil, err
		}
		n, _ := strconv.Atoi(size.lit)
		if typ == schema.FieldTypeString {
			f.MaxLength = n
		}
		if p.accept(COMMA) {
			if _, err := p.expect(INTEGER); err != nil {
				return nil, nil, err
			}
		}
		if _, err := p.expect(RP); err != nil {
			return nil, nil, err
		}
	}

	var inline *schema.Index
	for {
		switch p.peek().tok {
		case NOT:
			p.next()
			if _, err := p.expect(NULL); err != nil {
				return nil, nil, err
			}
			f.AllowNull = false
		case NULL:
			p.next()
			f.AllowNull = true
		case AUTO_INCREMENT:
			p.next()
			f.IsAutoIncrement = true
		case UNSIGNED:
			p.next()
		case DEFAULT:
			p.next()
			if _, err := p.parseValue(); err != nil {
				return nil, nil, err
			}
		case PRIMARY:
			p.next()
			if _, err := p.expect(KEY); err != nil {
				return nil, nil, err
			}
			f.AllowNull = false
			inline = &schema.Index{Type: schema.IndexTypePrimary, FieldNames: []string{name}}
		case UNIQUE:
			p.next()
			p.accept(KEY)
			inline = &schema.Index{Type: schema.IndexTypeUnique, FieldNames: []string{name}}
		default:
			return f, inline, nil
		}
	}
}

// String renders the table as a CREATE TABLE statement in the subset
// ParseCreate accepts.
func (s *CreateStatement) String() string {
	return RenderCreate(s.Table)
}

// RenderCreate renders t as a CREATE TABLE statement.
func RenderCreate(t *schema.Table) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(t.Name)
	b.WriteString(" (\n")
	for _, f := range t.Fields {
		b.WriteString("  ")
		b.WriteString(f.Name)
		b.WriteString(" ")
		b.WriteString(SQLType(f))
		if !f.AllowNull {
			b.WriteString(" NOT NULL")
		}
		if f.IsAutoIncrement {
			b.WriteString(" AUTO_INCREMENT")
		}
		b.WriteString(",\n")
	}
	for i, idx := range t.Indexes {
		b.WriteString("  ")
		switch idx.Type {
		case schema.IndexTypePrimary:
			b.WriteString("PRIMARY KEY")
		case schema.IndexTypeUnique:
			b.WriteString("UNIQUE INDEX")
		default:
			b.WriteString("INDEX")
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(idx.FieldNames, ", "))
		b.WriteString(")")
		if i < len(t.Indexes)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// SQLType is the SQL type name a field is declared with.
func SQLType(f *schema.FieldDef) string {
	switch f.Type {
	case schema.FieldTypeString:
		if f.MaxLength > 0 {
			return "VARCHAR(" + strconv.Itoa(f.MaxLength) + ")"
		}
		return "TEXT"
	case schema.FieldTypeByte:
		return "TINYINT"
	case schema.FieldTypeInt:
		return "MEDIUMINT"
	case schema.FieldTypeLong:
		return "BIGINT"
	case schema.FieldTypeFloat:
		return "FLOAT"
	case schema.FieldTypeDouble:
		return "DOUBLE"
	case schema.FieldTypeDateTime:
		return "DATETIME"
	}
	return "TEXT"
}
