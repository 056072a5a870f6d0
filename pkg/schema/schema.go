// Package schema describes tables, their fields and their indexes.
//
// A Table always has at least one field and one index. Indexes are kept ordered
// primary first, then unique, then the rest; the first index is the primary key
// and its values are the canonical identity of a row.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zoravur/liveview/pkg/errors"
)

// FieldType is the logical type of a field.
type FieldType int

const (
	FieldTypeString FieldType = iota + 1
	FieldTypeInt
	FieldTypeLong
	FieldTypeFloat
	FieldTypeDouble
	FieldTypeDateTime
	FieldTypeByte
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeString:
		return "string"
	case FieldTypeInt:
		return "int"
	case FieldTypeLong:
		return "long"
	case FieldTypeFloat:
		return "float"
	case FieldTypeDouble:
		return "double"
	case FieldTypeDateTime:
		return "datetime"
	case FieldTypeByte:
		return "byte"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// FieldDef describes one column of a table.
type FieldDef struct {
	Name            string    `json:"name"`
	Type            FieldType `json:"type"`
	MaxLength       int       `json:"maxLength,omitempty"`
	AllowNull       bool      `json:"allowNull"`
	IsAutoIncrement bool      `json:"autoIncrement,omitempty"`
}

// IndexType orders indexes inside a Table.
type IndexType int

const (
	IndexTypePrimary IndexType = iota
	IndexTypeUnique
	IndexTypeOther
)

func (t IndexType) String() string {
	switch t {
	case IndexTypePrimary:
		return "primary"
	case IndexTypeUnique:
		return "unique"
	default:
		return "other"
	}
}

type Index struct {
	Type       IndexType `json:"type"`
	FieldNames []string  `json:"fields"`
}

// Unique reports whether the index identifies at most one row.
func (i *Index) Unique() bool {
	return i.Type == IndexTypePrimary || i.Type == IndexTypeUnique
}

// KeyValue returns the identity string of row for this index.
func (i *Index) KeyValue(row map[string]any) string {
	return KeyValue(i.FieldNames, row)
}

type Table struct {
	Name                   string      `json:"name"`
	Fields                 []*FieldDef `json:"fields"`
	Indexes                []*Index    `json:"indexes"`
	AutoIncrementFieldName string      `json:"autoIncrementField,omitempty"`
}

// NewTable validates fields and indexes and orders the indexes primary first.
func NewTable(name string, fields []*FieldDef, indexes []*Index) (*Table, error) {
	if name == "" {
		return nil, errors.New(errors.ErrParse, "table name is required")
	}
	if len(fields) == 0 {
		return nil, errors.Newf(errors.ErrParse, "table %s has no fields", name)
	}
	if len(indexes) == 0 {
		return nil, errors.Newf(errors.ErrParse, "table %s has no indexes", name)
	}

	t := &Table{Name: name, Fields: fields}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		key := strings.ToLower(f.Name)
		if _, ok := seen[key]; ok {
			return nil, errors.Newf(errors.ErrParse, "duplicate field %s in table %s", f.Name, name)
		}
		seen[key] = struct{}{}
		if f.IsAutoIncrement {
			if t.AutoIncrementFieldName != "" {
				return nil, errors.Newf(errors.ErrParse, "table %s has more than one auto increment field", name)
			}
			t.AutoIncrementFieldName = f.Name
		}
	}

	primaries := 0
	for _, idx := range indexes {
		if len(idx.FieldNames) == 0 {
			return nil, errors.Newf(errors.ErrParse, "index on table %s has no fields", name)
		}
		for _, fn := range idx.FieldNames {
			if t.FindField(fn) == nil {
				return nil, errors.Newf(errors.ErrParse, "index on table %s references unknown field %s", name, fn)
			}
		}
		if idx.Type == IndexTypePrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return nil, errors.Newf(errors.ErrParse, "table %s must declare exactly one primary key", name)
	}

	t.Indexes = append([]*Index(nil), indexes...)
	sort.SliceStable(t.Indexes, func(i, j int) bool {
		return t.Indexes[i].Type < t.Indexes[j].Type
	})
	return t, nil
}

// PrimaryIndex returns the canonical identity index.
func (t *Table) PrimaryIndex() *Index {
	return t.Indexes[0]
}

// FindField looks a field up by name, case-insensitively.
func (t *Table) FindField(name string) *FieldDef {
	for _, f := range t.Fields {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return nil
}

// FieldNames returns the field names in declared order.
func (t *Table) FieldNames() []string {
	out := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		out[i] = f.Name
	}
	return out
}

// FindUniqueIndex returns the first primary or unique index whose every field
// is present in fieldNames, or nil.
func (t *Table) FindUniqueIndex(fieldNames []string) *Index {
	have := make(map[string]struct{}, len(fieldNames))
	for _, fn := range fieldNames {
		have[strings.ToLower(fn)] = struct{}{}
	}
	for _, idx := range t.Indexes {
		if !idx.Unique() {
			continue
		}
		covered := true
		for _, fn := range idx.FieldNames {
			if _, ok := have[strings.ToLower(fn)]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return idx
		}
	}
	return nil
}
