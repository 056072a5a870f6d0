// Package memdb is an in-memory storage driver for database.Database.
//
// It evaluates the bound statement trees directly instead of SQL text. One
// write transaction runs at a time; Select on the driver reads the last
// committed state and never blocks on an open transaction.
package memdb

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

type Driver struct {
	log *zap.Logger

	writer sync.Mutex // held from Begin until Commit or Rollback

	mu     sync.RWMutex
	tables map[string]*table // committed, keyed by lower-case name
	closed bool
}

type Option func(*Driver)

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.log = l }
}

func New(opts ...Option) *Driver {
	d := &Driver{
		log:    zap.L(),
		tables: make(map[string]*table),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ database.Driver = (*Driver)(nil)

func (d *Driver) snapshot() (map[string]*table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errors.New(errors.ErrUncoded, "memdb: driver is closed")
	}
	return d.tables, nil
}

// Select reads committed rows.
func (d *Driver) Select(ctx context.Context, q *statement.BoundSelect) ([]database.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tables, err := d.snapshot()
	if err != nil {
		return nil, err
	}
	return query(tables, q)
}

// Begin waits for any other write transaction to finish.
func (d *Driver) Begin(ctx context.Context) (database.DriverTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.writer.Lock()
	tables, err := d.snapshot()
	if err != nil {
		d.writer.Unlock()
		return nil, err
	}
	working := make(map[string]*table, len(tables))
	for k, t := range tables {
		working[k] = t
	}
	return &tx{d: d, tables: working, owned: make(map[string]bool)}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.tables = nil
	return nil
}

type tx struct {
	d      *Driver
	tables map[string]*table
	owned  map[string]bool // tables already cloned for this transaction
	done   bool
}

func (t *tx) Select(ctx context.Context, q *statement.BoundSelect) ([]database.Row, error) {
	if err := t.live(ctx); err != nil {
		return nil, err
	}
	return query(t.tables, q)
}

// mutable returns the transaction's private copy of a table.
func (t *tx) mutable(def *schema.Table) (*table, error) {
	name := strings.ToLower(def.Name)
	tbl, ok := t.tables[name]
	if !ok {
		return nil, errors.Newf(errors.ErrParse, "table %s does not exist", def.Name)
	}
	if !t.owned[name] {
		tbl = tbl.clone()
		t.tables[name] = tbl
		t.owned[name] = true
	}
	return tbl, nil
}

func (t *tx) Insert(ctx context.Context, q *statement.BoundInsert) (any, error) {
	if err := t.live(ctx); err != nil {
		return nil, err
	}
	tbl, err := t.mutable(q.Table)
	if err != nil {
		return nil, err
	}

	row := make(dataevent.Row, len(tbl.def.Fields))
	for _, f := range tbl.def.Fields {
		v, err := coerce(f, schema.Lookup(q.Record, f.Name))
		if err != nil {
			return nil, err
		}
		row[f.Name] = v
	}

	var id any
	next := tbl.auto
	if auto := tbl.def.AutoIncrementFieldName; auto != "" {
		if row[auto] == nil {
			next++
			row[auto] = next
		} else if n, _ := toInt64(row[auto]); n > next {
			next = n
		}
		id = row[auto]
	}

	if err := tbl.check(row, ""); err != nil {
		return nil, err
	}
	tbl.auto = next
	tbl.seq++
	tbl.put(tbl.def.PrimaryIndex().KeyValue(row), &record{seq: tbl.seq, values: row})
	return id, nil
}

func (t *tx) Update(ctx context.Context, q *statement.BoundWrite) (int64, error) {
	if err := t.live(ctx); err != nil {
		return 0, err
	}
	tbl, err := t.mutable(q.Table)
	if err != nil {
		return 0, err
	}
	id, rec, ok := tbl.find(indexOf(tbl.def, q.Index), q.Key)
	if !ok {
		return 0, nil
	}

	row := rec.values.Clone()
	for name, v := range q.SetValues {
		f := tbl.def.FindField(name)
		if f == nil {
			return 0, errors.Newf(errors.ErrSchemaViolation, "unknown field %s in %s", name, tbl.def.Name)
		}
		if row[f.Name], err = coerce(f, v); err != nil {
			return 0, err
		}
	}
	if err := tbl.check(row, id); err != nil {
		return 0, err
	}
	tbl.remove(id, rec)
	tbl.put(tbl.def.PrimaryIndex().KeyValue(row), &record{seq: rec.seq, values: row})
	return 1, nil
}

func (t *tx) Delete(ctx context.Context, q *statement.BoundWrite) (int64, error) {
	if err := t.live(ctx); err != nil {
		return 0, err
	}
	tbl, err := t.mutable(q.Table)
	if err != nil {
		return 0, err
	}
	id, rec, ok := tbl.find(indexOf(tbl.def, q.Index), q.Key)
	if !ok {
		return 0, nil
	}
	tbl.remove(id, rec)
	return 1, nil
}

func (t *tx) CreateTable(ctx context.Context, def *schema.Table) error {
	if err := t.live(ctx); err != nil {
		return err
	}
	name := strings.ToLower(def.Name)
	if _, ok := t.tables[name]; ok {
		return errors.Newf(errors.ErrSchemaViolation, "table %s already exists", def.Name)
	}
	t.tables[name] = newTable(def)
	t.owned[name] = true
	return nil
}

// Truncate empties the table and resets its auto-increment counter.
func (t *tx) Truncate(ctx context.Context, def *schema.Table) error {
	if err := t.live(ctx); err != nil {
		return err
	}
	name := strings.ToLower(def.Name)
	old, ok := t.tables[name]
	if !ok {
		return errors.Newf(errors.ErrParse, "table %s does not exist", def.Name)
	}
	t.tables[name] = newTable(old.def)
	t.owned[name] = true
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New(errors.ErrTxDone, "memdb: transaction already finished")
	}
	t.done = true
	defer t.d.writer.Unlock()

	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.closed {
		return errors.New(errors.ErrUncoded, "memdb: driver is closed")
	}
	t.d.tables = t.tables
	t.d.log.Debug("memdb commit",
		logutil.Values(
			zap.Int("tables", len(t.owned)),
		))
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.d.writer.Unlock()
	return nil
}

func (t *tx) live(ctx context.Context) error {
	if t.done {
		return errors.New(errors.ErrTxDone, "memdb: transaction already finished")
	}
	return ctx.Err()
}

// indexOf maps an index of a statement's table onto the stored definition,
// which may be a different *schema.Table with the same layout.
func indexOf(def *schema.Table, idx *schema.Index) *schema.Index {
	for _, own := range def.Indexes {
		if own == idx {
			return own
		}
	}
	for _, own := range def.Indexes {
		if own.Type == idx.Type && sameFields(own.FieldNames, idx.FieldNames) {
			return own
		}
	}
	return idx
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
