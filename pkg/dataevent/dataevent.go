// Package dataevent defines the change events that flow from write
// transactions to views and from views to their listeners.
package dataevent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zoravur/liveview/pkg/schema"
)

type Type int

const (
	InitialBegin Type = iota
	Initial
	InitialEnd
	Insert
	Update
	Delete
)

var typeNames = [...]string{
	InitialBegin: "initial-begin",
	Initial:      "initial",
	InitialEnd:   "initial-end",
	Insert:       "insert",
	Update:       "update",
	Delete:       "delete",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range typeNames {
		if name == s {
			*t = Type(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", s)
}

// Keyed reports whether events of this type address a single row.
func (t Type) Keyed() bool { return t == Initial || t == Insert || t == Update || t == Delete }

// Row is one record, keyed by field or output column name.
type Row map[string]any

// Equal compares rows field by field with schema.ValuesEqual.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		ov, ok := other[k]
		if !ok || !schema.ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DataEvent is one change addressed at a table or view by Name. Keyed events
// carry KeyValue; Initial, Insert and Update events delivered to listeners
// also carry Record. Inside the write pipeline Insert, Update and Delete events
// carry KeyFields and no Record, since the row is not read back.
type DataEvent struct {
	Type      Type           `json:"type"`
	Name      string         `json:"name"`
	KeyValue  string         `json:"key,omitempty"`
	KeyFields map[string]any `json:"-"`
	Record    Row            `json:"record,omitempty"`
}

func NewInitialBegin(name string) *DataEvent {
	return &DataEvent{Type: InitialBegin, Name: name}
}

func NewInitialEnd(name string) *DataEvent {
	return &DataEvent{Type: InitialEnd, Name: name}
}

// NewRecord builds a keyed event carrying a row.
func NewRecord(typ Type, name, key string, record Row) *DataEvent {
	return &DataEvent{Type: typ, Name: name, KeyValue: key, Record: record}
}

// NewKeyValue builds a write-pipeline event identified by the row's primary
// key fields only.
func NewKeyValue(typ Type, name string, keyFields map[string]any, keyFieldNames []string) *DataEvent {
	return &DataEvent{
		Type:      typ,
		Name:      name,
		KeyValue:  schema.KeyValue(keyFieldNames, keyFields),
		KeyFields: keyFields,
	}
}

func (e *DataEvent) String() string {
	if e.Type.Keyed() {
		return e.Type.String() + " " + e.Name + "[" + e.KeyValue + "]"
	}
	return e.Type.String() + " " + e.Name
}

// Transaction is an ordered batch of events committed together.
type Transaction struct {
	ID     string       `json:"id"`
	Time   time.Time    `json:"time"`
	Events []*DataEvent `json:"events"`
}

func NewTransaction(events ...*DataEvent) *Transaction {
	return &Transaction{
		ID:     uuid.NewString(),
		Time:   time.Now(),
		Events: events,
	}
}

// Add appends events.
func (t *Transaction) Add(events ...*DataEvent) {
	t.Events = append(t.Events, events...)
}

func (t *Transaction) Len() int { return len(t.Events) }

// Names returns the distinct event names in first-seen order.
func (t *Transaction) Names() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, e := range t.Events {
		key := strings.ToLower(e.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e.Name)
	}
	return out
}

// Count returns how many events of typ the transaction holds.
func (t *Transaction) Count(typ Type) int {
	n := 0
	for _, e := range t.Events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
