package richcatalog

import (
	"testing"

	"github.com/zoravur/liveview/pkg/schema"
)

func TestFieldType(t *testing.T) {
	cases := []struct {
		in   string
		want schema.FieldType
		n    int
	}{
		{"character varying(50)", schema.FieldTypeString, 50},
		{"text", schema.FieldTypeString, 0},
		{"integer", schema.FieldTypeInt, 0},
		{"bigint", schema.FieldTypeLong, 0},
		{"real", schema.FieldTypeFloat, 0},
		{"numeric(10,2)", schema.FieldTypeDouble, 0},
		{"timestamp with time zone", schema.FieldTypeDateTime, 0},
		{"timestamp(3) without time zone", schema.FieldTypeDateTime, 0},
		{"uuid", schema.FieldTypeString, 0},
	}
	for _, c := range cases {
		got, n := FieldType(c.in)
		if got != c.want || n != c.n {
			t.Errorf("FieldType(%q) = %v, %d; want %v, %d", c.in, got, n, c.want, c.n)
		}
	}
}

func employeeTable() Table {
	seq := "nextval('employee_id_seq'::regclass)"
	return Table{
		Schema: "public",
		Name:   "employee",
		Kind:   "table",
		Columns: []Column{
			{Name: "id", Ordinal: 1, Type: "bigint", NotNull: true, DefaultSQL: &seq},
			{Name: "email", Ordinal: 2, Type: "character varying(100)"},
			{Name: "department_id", Ordinal: 3, Type: "integer"},
		},
		PK: []string{"id"},
		Indexes: []Index{
			{Name: "employee_pkey", IsUnique: true, IsPrimary: true, Columns: []string{"id"}},
			{Name: "employee_email_key", IsUnique: true, Columns: []string{"email"}},
			{Name: "employee_department_id_idx", Columns: []string{"department_id"}},
			{Name: "employee_lower_idx", Columns: nil},
		},
	}
}

func TestToSchema(t *testing.T) {
	st, err := ToSchema(employeeTable())
	if err != nil {
		t.Fatal(err)
	}
	if st.AutoIncrementFieldName != "id" {
		t.Errorf("auto increment field = %q", st.AutoIncrementFieldName)
	}
	if f := st.FindField("email"); f == nil || f.MaxLength != 100 || !f.AllowNull {
		t.Errorf("unexpected email field %+v", f)
	}
	if len(st.Indexes) != 3 {
		t.Fatalf("expected 3 indexes, got %d", len(st.Indexes))
	}
	if st.FindUniqueIndex([]string{"email"}) == nil {
		t.Errorf("email should be a unique index")
	}

	noPK := employeeTable()
	noPK.PK = nil
	if _, err := ToSchema(noPK); err == nil {
		t.Errorf("expected an error for a table without primary key")
	}
	view := employeeTable()
	view.Kind = "view"
	if _, err := ToSchema(view); err == nil {
		t.Errorf("expected an error for a view")
	}
}

func TestBuildSnapshotIsStable(t *testing.T) {
	a, b := employeeTable(), employeeTable()
	b.Name = "department"
	b.Columns = []Column{b.Columns[2], b.Columns[0]}

	s1 := buildSnapshot(map[string]*Table{"public.employee": &a, "public.department": &b},
		[]string{"public.employee", "public.department"})

	a2, b2 := employeeTable(), employeeTable()
	b2.Name = "department"
	b2.Columns = []Column{b2.Columns[0], b2.Columns[2]}
	s2 := buildSnapshot(map[string]*Table{"public.employee": &a2, "public.department": &b2},
		[]string{"public.department", "public.employee"})

	if s1.Checksum != s2.Checksum {
		t.Fatalf("checksum depends on input order")
	}
	if got := s1.Schemas[0].Tables[0].Name; got != "department" {
		t.Errorf("tables are not sorted by name: first is %s", got)
	}
	if _, ok := s1.byTable["public.employee"]; !ok {
		t.Errorf("lookup map is missing public.employee")
	}
}

func TestParseTextArray(t *testing.T) {
	got := parseTextArray(`{id,"Weird Name",NULL}`)
	if len(got) != 3 || got[0].String != "id" || got[1].String != "Weird Name" || got[2].Valid {
		t.Fatalf("unexpected %+v", got)
	}
	if parseTextArray("{}") != nil {
		t.Fatalf("expected nil for an empty array")
	}
}
