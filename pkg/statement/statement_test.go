package statement

import (
	"encoding/json"
	"os"
	"reflect"
	"strconv"
	"testing"

	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

const testSchema = `
-- departments
CREATE TABLE department (
  id BIGINT NOT NULL AUTO_INCREMENT,
  name VARCHAR(50) NOT NULL,
  PRIMARY KEY (id)
);

CREATE TABLE employee (
  id BIGINT NOT NULL AUTO_INCREMENT,
  name VARCHAR(50),
  department_id BIGINT,
  email VARCHAR(100),
  PRIMARY KEY (id),
  UNIQUE INDEX email_idx (email),
  INDEX (department_id)
);

CREATE TABLE employee_contact (
  employee_id BIGINT NOT NULL,
  contact_type VARCHAR(20) NOT NULL,
  contact_data VARCHAR(100),
  PRIMARY KEY (employee_id, contact_type)
);
`

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	stmts, err := ParseCreates(testSchema)
	if err != nil {
		t.Fatalf("parsing schema: %v", err)
	}
	cat := schema.NewCatalog()
	for _, s := range stmts {
		cat.Put(s.Table)
	}
	return cat
}

func TestScanner(t *testing.T) {
	type scanned struct {
		tok Token
		lit string
	}
	src := "SELECT e.id, 'it''s' FROM `order` WHERE x <> @p -- note\n AND y >= 1.5e3 /* block */ AND z != -2"
	want := []scanned{
		{SELECT, "SELECT"}, {IDENT, "e"}, {DOT, "."}, {IDENT, "id"}, {COMMA, ","},
		{STRING, "it's"}, {FROM, "FROM"}, {QIDENT, "order"}, {WHERE, "WHERE"},
		{IDENT, "x"}, {NE, "<>"}, {PARAM, "p"}, {AND, "AND"}, {IDENT, "y"}, {GE, ">="},
		{FLOAT, "1.5e3"}, {AND, "AND"}, {IDENT, "z"}, {NE, "!="}, {MINUS, "-"}, {INTEGER, "2"},
		{EOF, ""},
	}
	s := NewScanner(src)
	for i, w := range want {
		_, tok, lit := s.Scan()
		if tok != w.tok || lit != w.lit {
			t.Fatalf("token %d: got %s %q, want %s %q", i, tok, lit, w.tok, w.lit)
		}
	}
}

func TestScannerIllegal(t *testing.T) {
	// U+2030 shares its low byte with '0'
	for _, src := range []string{"'open", "@", "#", "1e", "\u2030"} {
		s := NewScanner(src)
		if _, tok, _ := s.Scan(); tok != ILLEGAL {
			t.Errorf("%q: expected ILLEGAL, got %s", src, tok)
		}
	}
}

func TestScannerNumbers(t *testing.T) {
	for src, want := range map[string]Token{"42": INTEGER, ".5": FLOAT, "3.": FLOAT, "7E-2": FLOAT} {
		_, tok, lit := NewScanner(src).Scan()
		if tok != want || lit != src {
			t.Errorf("%q: got %s %q, want %s", src, tok, lit, want)
		}
	}
}

type bindCase struct {
	Name       string         `json:"name"`
	SQL        string         `json:"sql"`
	Params     map[string]any `json:"params"`
	WantSQL    string         `json:"wantSQL"`
	WantParams map[string]any `json:"wantParams"`
}

func TestSelectBind(t *testing.T) {
	data, err := os.ReadFile("testdata/select_bind.json")
	if err != nil {
		t.Fatal(err)
	}
	var cases []bindCase
	if err := json.Unmarshal(data, &cases); err != nil {
		t.Fatal(err)
	}
	cat := testCatalog(t)
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			s, err := ParseSelect(c.SQL, cat)
			if err != nil {
				t.Fatalf("ParseSelect: %v", err)
			}
			params, err := NewParams(c.Params)
			if err != nil {
				t.Fatal(err)
			}
			bound, err := s.Bind(params)
			if err != nil {
				t.Fatalf("Bind: %v", err)
			}
			if bound.SQL != c.WantSQL {
				t.Errorf("SQL\n got: %s\nwant: %s", bound.SQL, c.WantSQL)
			}
			if !reflect.DeepEqual(bound.Params, c.WantParams) {
				t.Errorf("params got %#v, want %#v", bound.Params, c.WantParams)
			}
		})
	}
}

func TestSelectErrors(t *testing.T) {
	cat := testCatalog(t)
	cases := []struct {
		sql    string
		params map[string]any
		code   errors.Code
	}{
		{"SELECT * FROM nope", nil, errors.ErrParse},
		{"SELECT * FROM employee WHERE nope = 1", nil, errors.ErrParse},
		{"SELECT * FROM employee e WHERE x.id = 1", nil, errors.ErrParse},
		{"SELECT * FROM employee e INNER JOIN department d ON e.department_id = d.id WHERE name = @n", nil, errors.ErrParse},
		{"SELECT * FROM employee e INNER JOIN department e ON e.id = e.id", nil, errors.ErrParse},
		{"SELECT * FROM employee WHERE (id = 1", nil, errors.ErrParse},
		{"SELECT * FROM employee WHERE id = @id", map[string]any{}, errors.ErrBind},
		{"SELECT * FROM employee WHERE id > @id", map[string]any{"id": []int{1, 2}}, errors.ErrBind},
	}
	for i, c := range cases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			s, err := ParseSelect(c.sql, cat)
			if err == nil {
				_, err = s.Bind(MustParams(c.params))
			}
			if !errors.Is(err, c.code) {
				t.Fatalf("%s: expected %s, got %v", c.sql, c.code, err)
			}
		})
	}
}

func TestSelectRefs(t *testing.T) {
	cat := testCatalog(t)
	s, err := ParseSelect("SELECT e.id, e.name AS n FROM employee e LEFT JOIN department d ON d.id = e.department_id WHERE e.department_id = @dept AND d.name != @name", cat)
	if err != nil {
		t.Fatal(err)
	}
	want := []EqualsRef{
		{TableAlias: "e", FieldName: "department_id", ParamName: "dept"},
		{TableAlias: "d", FieldName: "name", ParamName: "name", Negated: true},
	}
	if len(s.WhereRefs) != len(want) {
		t.Fatalf("got %d refs", len(s.WhereRefs))
	}
	for i, w := range want {
		if *s.WhereRefs[i] != w {
			t.Errorf("ref %d: got %+v, want %+v", i, *s.WhereRefs[i], w)
		}
	}
	names, star := s.OutputNames()
	if star || !reflect.DeepEqual(names, []string{"id", "n"}) {
		t.Errorf("OutputNames = %v, %v", names, star)
	}
	if len(s.Tables()) != 2 || len(s.References("EMPLOYEE")) != 1 {
		t.Errorf("unexpected table refs")
	}
	if got := s.ParamNames(); !reflect.DeepEqual(got, []string{"dept", "name"}) {
		t.Errorf("ParamNames = %v", got)
	}
}

func TestWithKeyFilter(t *testing.T) {
	cat := testCatalog(t)
	cases := []struct {
		sql   string
		table string
		key   map[string]any
		want  string
	}{
		{
			"SELECT * FROM employee WHERE department_id = @id", "employee", map[string]any{"id": 7},
			"SELECT * FROM employee WHERE department_id = @id AND id = @__key_0",
		},
		{
			"SELECT * FROM employee WHERE id = @a OR id = @b", "employee", map[string]any{"id": 7},
			"SELECT * FROM employee WHERE (id = @a OR id = @b) AND id = @__key_0",
		},
		{
			"employee_contact", "employee_contact", map[string]any{"employee_id": 7, "contact_type": "Phone"},
			"SELECT * FROM employee_contact WHERE employee_id = @__key_0 AND contact_type = @__key_1",
		},
		{
			"SELECT * FROM employee e INNER JOIN department d ON e.department_id = d.id WHERE d.name = @name", "department", map[string]any{"id": 2},
			"SELECT * FROM employee e INNER JOIN department d ON e.department_id = d.id WHERE d.name = @name AND d.id = @__key_0",
		},
		{
			"SELECT * FROM employee a INNER JOIN employee b ON a.email = b.email", "employee", map[string]any{"id": 2},
			"SELECT * FROM employee a INNER JOIN employee b ON a.email = b.email WHERE a.id = @__key_0 OR b.id = @__key_0",
		},
		{
			"SELECT e.id, d.name AS dept FROM employee e LEFT JOIN department d ON d.id = e.department_id", "department", map[string]any{"id": 2},
			"SELECT e.id, d.name AS dept FROM employee e LEFT JOIN department d ON d.id = e.department_id WHERE d.id = @__key_0 OR e.department_id = @__key_0",
		},
		{
			"SELECT e.id, d.name AS dept FROM employee e LEFT JOIN department d ON d.id = e.department_id", "employee", map[string]any{"id": 2},
			"SELECT e.id, d.name AS dept FROM employee e LEFT JOIN department d ON d.id = e.department_id WHERE e.id = @__key_0",
		},
		{
			"SELECT d.id FROM employee e RIGHT JOIN department d ON department_id = d.id AND d.name != 'x'", "department", map[string]any{"id": 2},
			"SELECT d.id FROM employee e RIGHT JOIN department d ON department_id = d.id AND d.name != 'x' WHERE d.id = @__key_0",
		},
	}
	for _, c := range cases {
		s, err := ParseSelect(c.sql, cat)
		if err != nil {
			t.Fatal(err)
		}
		pinned, params, err := s.WithKeyFilter(c.table, c.key)
		if err != nil {
			t.Fatal(err)
		}
		if got := pinned.String(); got != c.want {
			t.Errorf("\n got: %s\nwant: %s", got, c.want)
		}
		if _, ok := params.Get("__key_0"); !ok {
			t.Errorf("missing key param")
		}
		if s.String() == pinned.String() {
			t.Errorf("original statement was modified")
		}
	}

	s, _ := ParseSelect("employee", cat)
	if _, _, err := s.WithKeyFilter("department", nil); !errors.Is(err, errors.ErrEngineInvariant) {
		t.Fatalf("expected ErrEngineInvariant, got %v", err)
	}

	// the join condition does not mention employee.id
	s, err := ParseSelect("SELECT d.id FROM employee e RIGHT JOIN department d ON e.department_id = d.id", cat)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.WithKeyFilter("employee", map[string]any{"id": 1}); !errors.Is(err, errors.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestInsert(t *testing.T) {
	cat := testCatalog(t)

	s, err := ParseInsert("employee", cat)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Bind(MustParams(map[string]any{"name": "Ann", "Department_ID": 3}))
	if err != nil {
		t.Fatal(err)
	}
	if want := "INSERT INTO employee (department_id, name) VALUES (@Department_ID, @name)"; b.SQL != want {
		t.Errorf("SQL = %s", b.SQL)
	}
	if !reflect.DeepEqual(b.Record, map[string]any{"department_id": 3, "name": "Ann"}) {
		t.Errorf("Record = %v", b.Record)
	}

	if _, err := s.Bind(MustParams(map[string]any{"salary": 1})); !errors.Is(err, errors.ErrSchemaViolation) {
		t.Errorf("expected ErrSchemaViolation, got %v", err)
	}

	s, err = ParseInsert("INSERT INTO department (id, name) VALUES (5, 'Ops')", cat)
	if err != nil {
		t.Fatal(err)
	}
	b, err = s.Bind(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.Record, map[string]any{"id": int64(5), "name": "Ops"}) {
		t.Errorf("Record = %v", b.Record)
	}

	if _, err := ParseInsert("INSERT INTO department (id, name) VALUES (@id)", cat); !errors.Is(err, errors.ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	cat := testCatalog(t)
	cases := []struct {
		name    string
		parse   func() (writeBinder, error)
		params  map[string]any
		wantSQL string
		wantKey map[string]any
		code    errors.Code
	}{
		{
			name:    "update by primary key",
			parse:   updateParser(cat, "employee"),
			params:  map[string]any{"id": 1, "name": "Bob"},
			wantSQL: "UPDATE employee SET name = @name WHERE id = @id",
			wantKey: map[string]any{"id": 1},
		},
		{
			name:    "update by unique index",
			parse:   updateParser(cat, "employee"),
			params:  map[string]any{"email": "bob@example.com", "name": "Bob"},
			wantSQL: "UPDATE employee SET name = @name WHERE email = @email",
			wantKey: map[string]any{"email": "bob@example.com"},
		},
		{
			name:   "update without unique index",
			parse:  updateParser(cat, "employee"),
			params: map[string]any{"department_id": 1, "name": "Bob"},
			code:   errors.ErrSchemaViolation,
		},
		{
			name:    "explicit update",
			parse:   updateParser(cat, "UPDATE employee SET name = @n, department_id = NULL WHERE id = @emp"),
			params:  map[string]any{"n": "x", "emp": 2},
			wantSQL: "UPDATE employee SET name = @n, department_id = NULL WHERE id = @emp",
			wantKey: map[string]any{"id": 2},
		},
		{
			name:    "composite delete",
			parse:   deleteParser(cat, "DELETE FROM employee_contact WHERE contact_type = @t AND employee_id = @e"),
			params:  map[string]any{"t": "Phone", "e": 7},
			wantSQL: "DELETE FROM employee_contact WHERE employee_id = @e AND contact_type = @t",
			wantKey: map[string]any{"employee_id": 7, "contact_type": "Phone"},
		},
		{
			name:   "delete with unused field",
			parse:  deleteParser(cat, "employee"),
			params: map[string]any{"id": 1, "name": "x"},
			code:   errors.ErrSchemaViolation,
		},
		{
			name:   "delete with missing key value",
			parse:  deleteParser(cat, "DELETE FROM employee WHERE id = @id"),
			params: map[string]any{},
			code:   errors.ErrBind,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := c.parse()
			if err != nil {
				t.Fatal(err)
			}
			b, err := s(MustParams(c.params))
			if c.code != "" {
				if !errors.Is(err, c.code) {
					t.Fatalf("expected %s, got %v", c.code, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if b.SQL != c.wantSQL {
				t.Errorf("SQL\n got: %s\nwant: %s", b.SQL, c.wantSQL)
			}
			if !reflect.DeepEqual(b.Key, c.wantKey) {
				t.Errorf("Key = %v, want %v", b.Key, c.wantKey)
			}
		})
	}
}

func TestKeyedWhereRejects(t *testing.T) {
	cat := testCatalog(t)
	for _, sql := range []string{
		"DELETE FROM employee WHERE id > @x",
		"DELETE FROM employee WHERE id = @x OR email = @y",
		"UPDATE employee SET name = @n WHERE department_id = @d",
		"DELETE FROM employee WHERE id = @id AND name = @name",
	} {
		var err error
		if sql[0] == 'U' {
			_, err = ParseUpdate(sql, cat)
		} else {
			_, err = ParseDelete(sql, cat)
		}
		if !errors.Is(err, errors.ErrSchemaViolation) {
			t.Errorf("%s: expected ErrSchemaViolation, got %v", sql, err)
		}
	}
}

type writeBinder func(Params) (*BoundWrite, error)

func updateParser(cat Catalog, sql string) func() (writeBinder, error) {
	return func() (writeBinder, error) {
		s, err := ParseUpdate(sql, cat)
		if err != nil {
			return nil, err
		}
		return s.Bind, nil
	}
}

func deleteParser(cat Catalog, sql string) func() (writeBinder, error) {
	return func() (writeBinder, error) {
		s, err := ParseDelete(sql, cat)
		if err != nil {
			return nil, err
		}
		return s.Bind, nil
	}
}

func TestParseCreates(t *testing.T) {
	stmts, err := ParseCreates(testSchema + ";\n-- nothing here\n;")
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 3 {
		t.Fatalf("got %d statements", len(stmts))
	}
	emp := stmts[1].Table
	if emp.AutoIncrementFieldName != "id" {
		t.Errorf("auto increment = %q", emp.AutoIncrementFieldName)
	}
	if f := emp.FindField("email"); f.MaxLength != 100 || !f.AllowNull || f.Type != schema.FieldTypeString {
		t.Errorf("email field = %+v", f)
	}
	if len(emp.Indexes) != 3 || emp.Indexes[1].Type != schema.IndexTypeUnique || emp.Indexes[2].Type != schema.IndexTypeOther {
		t.Errorf("indexes = %+v", emp.Indexes)
	}

	s, err := ParseCreate("CREATE TABLE IF NOT EXISTS t (a TINYINT PRIMARY KEY, b MEDIUMINT UNSIGNED DEFAULT 0, c DATETIME NULL, d DOUBLE, e FLOAT, f CHAR(3) UNIQUE)")
	if err != nil {
		t.Fatal(err)
	}
	types := []schema.FieldType{schema.FieldTypeByte, schema.FieldTypeInt, schema.FieldTypeDateTime, schema.FieldTypeDouble, schema.FieldTypeFloat, schema.FieldTypeString}
	for i, f := range s.Table.Fields {
		if f.Type != types[i] {
			t.Errorf("field %s type = %s, want %s", f.Name, f.Type, types[i])
		}
	}
	if !s.IfNotExists || s.Table.PrimaryIndex().FieldNames[0] != "a" || s.Table.Fields[0].AllowNull {
		t.Errorf("unexpected table %+v", s.Table)
	}

	for _, bad := range []string{
		"CREATE TABLE t (a BLOB, PRIMARY KEY (a))",
		"CREATE TABLE t (a INT)",
		"CREATE TABLE t (a INT, PRIMARY KEY (b))",
	} {
		if _, err := ParseCreate(bad); !errors.Is(err, errors.ErrParse) {
			t.Errorf("%s: expected ErrParse, got %v", bad, err)
		}
	}
}

func TestRenderCreateRoundTrip(t *testing.T) {
	for _, tbl := range testCatalog(t).Tables() {
		s, err := ParseCreate(RenderCreate(tbl))
		if err != nil {
			t.Fatalf("%s: %v", tbl.Name, err)
		}
		if !reflect.DeepEqual(s.Table, tbl) {
			t.Errorf("%s: round trip mismatch\n got: %+v\nwant: %+v", tbl.Name, s.Table, tbl)
		}
	}
}

func TestPositional(t *testing.T) {
	sql := "SELECT * FROM t WHERE a = @a AND b = '@notparam' AND c = @a AND d = @d"
	dollar := func(n int) string { return "$" + strconv.Itoa(n) }
	got, args, err := Positional(sql, map[string]any{"a": 1, "d": "x"}, dollar)
	if err != nil {
		t.Fatal(err)
	}
	if want := "SELECT * FROM t WHERE a = $1 AND b = '@notparam' AND c = $2 AND d = $3"; got != want {
		t.Errorf("got %s", got)
	}
	if !reflect.DeepEqual(args, []any{1, 1, "x"}) {
		t.Errorf("args = %v", args)
	}
	if got, _, _ := Positional("x = @a", map[string]any{"a": 1}, QuestionMark); got != "x = ?" {
		t.Errorf("got %s", got)
	}
	if _, _, err := Positional("x = @b", nil, QuestionMark); !errors.Is(err, errors.ErrBind) {
		t.Errorf("expected ErrBind, got %v", err)
	}
}

func TestNewParams(t *testing.T) {
	type args struct {
		ID    int    `db:"id"`
		Name  string
		Tags  []string
		Skip  int `db:"-"`
		inner int
	}
	p, err := NewParams(&args{ID: 1, Name: "x", Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := p.Get("id"); v.Scalar() != 1 {
		t.Errorf("id = %v", v)
	}
	if v, _ := p.Get("name"); v.Scalar() != "x" {
		t.Errorf("case-insensitive lookup failed: %v", v)
	}
	if v, _ := p.Get("Tags"); v.Kind() != KindList || len(v.List()) != 2 {
		t.Errorf("Tags = %v", v)
	}
	if _, ok := p.Get("Skip"); ok {
		t.Errorf("db:\"-\" field was kept")
	}
	if v := ValueOf([]byte("raw")); v.Kind() != KindScalar {
		t.Errorf("[]byte must be a scalar")
	}
	var nilPtr *int
	if v := ValueOf(nilPtr); !v.IsNull() {
		t.Errorf("nil pointer must be null")
	}
	if _, err := NewParams(42); !errors.Is(err, errors.ErrBind) {
		t.Errorf("expected ErrBind, got %v", err)
	}
}
