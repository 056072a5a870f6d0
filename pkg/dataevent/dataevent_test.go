package dataevent

import (
	"encoding/json"
	"testing"
)

func TestTypeJSON(t *testing.T) {
	e := NewRecord(Update, "employee", "7", Row{"id": int64(7)})
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back DataEvent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type != Update || back.KeyValue != "7" || back.Name != "employee" {
		t.Fatalf("unexpected event %+v from %s", back, data)
	}
	var typ Type
	if err := json.Unmarshal([]byte(`"upsert"`), &typ); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestRowEqual(t *testing.T) {
	a := Row{"id": int64(1), "name": "x"}
	if !a.Equal(Row{"id": 1, "name": []byte("x")}) {
		t.Errorf("expected rows to be equal")
	}
	if a.Equal(Row{"id": 1, "name": "y"}) {
		t.Errorf("expected rows to differ by value")
	}
	if a.Equal(Row{"id": 1}) {
		t.Errorf("expected rows to differ by width")
	}
}

func TestNewKeyValue(t *testing.T) {
	e := NewKeyValue(Delete, "employee_contact",
		map[string]any{"employee_id": 7, "contact_type": "Phone"},
		[]string{"employee_id", "contact_type"})
	if e.KeyValue != "7;Phone" {
		t.Fatalf("KeyValue = %q", e.KeyValue)
	}
	if e.String() != "delete employee_contact[7;Phone]" {
		t.Fatalf("String = %q", e.String())
	}
}

func TestTransactionNames(t *testing.T) {
	tx := NewTransaction(
		NewInitialBegin("a"),
		NewRecord(Initial, "a", "1", Row{}),
		NewInitialEnd("A"),
		NewRecord(Insert, "b", "1", Row{}),
	)
	if got := tx.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}
	if tx.Count(Initial) != 1 || tx.Len() != 4 || tx.ID == "" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
}
