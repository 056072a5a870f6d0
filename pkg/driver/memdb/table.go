package memdb

import (
	"strings"

	sorted "github.com/tobshub/go-sortedmap"

	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
)

type record struct {
	seq    int64
	values dataevent.Row
}

func bySeq(a, b *record) bool { return a.seq < b.seq }

// table holds the rows of one schema.Table keyed by primary key value, in
// insertion order. Committed tables are never mutated; a transaction clones
// a table before its first write to it.
type table struct {
	def    *schema.Table
	rows   *sorted.SortedMap[string, *record]
	unique map[*schema.Index]map[string]string // index key -> primary key
	count  int
	seq    int64
	auto   int64
}

func newTable(def *schema.Table) *table {
	t := &table{
		def:    def,
		rows:   sorted.New[string, *record](0, bySeq),
		unique: make(map[*schema.Index]map[string]string),
	}
	for _, idx := range def.Indexes[1:] {
		if idx.Unique() {
			t.unique[idx] = make(map[string]string)
		}
	}
	return t
}

func (t *table) clone() *table {
	c := &table{
		def:    t.def,
		rows:   sorted.New[string, *record](t.count, bySeq),
		unique: make(map[*schema.Index]map[string]string, len(t.unique)),
		count:  t.count,
		seq:    t.seq,
		auto:   t.auto,
	}
	for _, rec := range t.records() {
		c.rows.Insert(t.def.PrimaryIndex().KeyValue(rec.values), rec)
	}
	for idx, keys := range t.unique {
		m := make(map[string]string, len(keys))
		for k, v := range keys {
			m[k] = v
		}
		c.unique[idx] = m
	}
	return c
}

// records returns the rows in insertion order.
func (t *table) records() []*record {
	out := make([]*record, 0, t.count)
	iterCh, err := t.rows.IterCh()
	if err != nil {
		// empty map
		return out
	}
	for rec := range iterCh.Records() {
		out = append(out, rec.Val)
	}
	return out
}

// find returns the primary key and record addressed by key through idx.
func (t *table) find(idx *schema.Index, key map[string]any) (string, *record, bool) {
	pk := t.def.PrimaryIndex()
	var id string
	if idx == pk {
		id = pk.KeyValue(key)
	} else {
		m, ok := t.unique[idx]
		if !ok {
			return "", nil, false
		}
		if id, ok = m[idx.KeyValue(key)]; !ok {
			return "", nil, false
		}
	}
	rec, ok := t.rows.Get(id)
	return id, rec, ok
}

// check validates row against NOT NULL and unique constraints. self is the
// primary key of the row being replaced, or empty for an insert.
func (t *table) check(row dataevent.Row, self string) error {
	for _, f := range t.def.Fields {
		if !f.AllowNull && row[f.Name] == nil {
			return errors.Newf(errors.ErrSchemaViolation, "field %s of %s cannot be null", f.Name, t.def.Name)
		}
	}
	pk := t.def.PrimaryIndex()
	if hasNull(pk, row) {
		return errors.Newf(errors.ErrSchemaViolation, "primary key of %s cannot be null", t.def.Name)
	}
	if id := pk.KeyValue(row); id != self {
		if _, ok := t.rows.Get(id); ok {
			return duplicate(t.def, pk, id)
		}
	}
	for idx, keys := range t.unique {
		if hasNull(idx, row) {
			continue
		}
		k := idx.KeyValue(row)
		if owner, ok := keys[k]; ok && owner != self {
			return duplicate(t.def, idx, k)
		}
	}
	return nil
}

func (t *table) put(id string, rec *record) {
	t.rows.Insert(id, rec)
	t.count++
	for idx, keys := range t.unique {
		if !hasNull(idx, rec.values) {
			keys[idx.KeyValue(rec.values)] = id
		}
	}
}

func (t *table) remove(id string, rec *record) {
	t.rows.Delete(id)
	t.count--
	for idx, keys := range t.unique {
		if !hasNull(idx, rec.values) {
			delete(keys, idx.KeyValue(rec.values))
		}
	}
}

func hasNull(idx *schema.Index, row dataevent.Row) bool {
	for _, f := range idx.FieldNames {
		if row[f] == nil {
			return true
		}
	}
	return false
}

func duplicate(def *schema.Table, idx *schema.Index, key string) error {
	return errors.Newf(errors.ErrDuplicateKey, "duplicate entry %q for key %s(%s)",
		key, def.Name, strings.Join(idx.FieldNames, ","))
}
