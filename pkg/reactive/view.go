package reactive

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

// View is one live query of a ViewSet.
type View struct {
	id        string
	name      string
	set       *ViewSet
	stmt      *statement.SelectStatement
	params    statement.Params
	keyFields []string

	// dependents are the dynamic params tracking this view's output.
	dependents []*DynamicParam

	mu    sync.Mutex
	dirty bool
	// version is bumped whenever the view is marked dirty, so snapshots
	// fetched before that point are recognised as stale.
	version uint64
}

type viewOptions struct {
	name      string
	keyFields []string
}

type ViewOption func(*viewOptions)

// WithName sets the name events of the view carry. It defaults to the first
// table of the FROM clause.
func WithName(name string) ViewOption {
	return func(o *viewOptions) { o.name = name }
}

// WithKeyFields sets the output fields that identify a row of the view. They
// default to the primary key of the first table of the FROM clause.
func WithKeyFields(fields ...string) ViewOption {
	return func(o *viewOptions) { o.keyFields = fields }
}

func newView(set *ViewSet, stmt *statement.SelectStatement, params statement.Params, opts ...ViewOption) (*View, error) {
	var o viewOptions
	for _, opt := range opts {
		opt(&o)
	}
	first := stmt.TableRefs[0].Table
	if o.name == "" {
		o.name = first.Name
	}
	if len(o.keyFields) == 0 {
		o.keyFields = first.PrimaryIndex().FieldNames
	}

	names, err := stmt.ResultNames()
	if err != nil {
		return nil, errors.Wrapf(err, "view %s", o.name)
	}
	for _, f := range o.keyFields {
		if !containsFold(names, f) {
			return nil, errors.Newf(errors.ErrSchemaViolation, "key field %s is not selected by view %s", f, o.name)
		}
	}
	return &View{
		id:        uuid.NewString(),
		name:      o.name,
		set:       set,
		stmt:      stmt,
		params:    params,
		keyFields: append([]string(nil), o.keyFields...),
	}, nil
}

func (v *View) ID() string                            { return v.id }
func (v *View) Name() string                          { return v.name }
func (v *View) SQL() string                           { return v.stmt.SQL }
func (v *View) Statement() *statement.SelectStatement { return v.stmt }

// KeyFieldNames are the output fields identifying a row of the view.
func (v *View) KeyFieldNames() []string { return append([]string(nil), v.keyFields...) }

// CreateDynamicParam tracks field of this view's output as a single value.
func (v *View) CreateDynamicParam(field string) *DynamicParam {
	return v.createDynamicParam(field, false)
}

// CreateMultiValueDynamicParam tracks the distinct values of field across
// this view's output.
func (v *View) CreateMultiValueDynamicParam(field string) *DynamicParam {
	return v.createDynamicParam(field, true)
}

func (v *View) createDynamicParam(field string, multi bool) *DynamicParam {
	p := newDynamicParam(v, field, multi)
	v.set.mu.Lock()
	v.dependents = append(v.dependents, p)
	v.set.mu.Unlock()
	return p
}

// Dirty reports whether the view waits for a full requery.
func (v *View) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty
}

func (v *View) markDirty() {
	v.mu.Lock()
	v.dirty = true
	v.version++
	v.mu.Unlock()
}

// state returns the dirty flag, the params version and the params resolved
// under that version.
func (v *View) state() (bool, uint64, statement.Params) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty, v.version, v.params.Resolve()
}

func (v *View) references(table string) bool {
	return len(v.stmt.References(table)) > 0
}

// multiTable reports whether the view reads more than one table ref, in which
// case every write needs both phases.
func (v *View) multiTable() bool { return len(v.stmt.TableRefs) > 1 }

func (v *View) key(row dataevent.Row) string {
	return schema.KeyValue(v.keyFields, row)
}

// fetch runs the view pinned to one row of table.
func (v *View) fetch(ctx context.Context, db *database.Database, params statement.Params, table string, key map[string]any) ([]database.Row, error) {
	st, keyParams, err := v.stmt.WithKeyFilter(table, key)
	if err != nil {
		return nil, err
	}
	q, err := st.Bind(params.Merge(keyParams))
	if err != nil {
		return nil, err
	}
	return db.Select(ctx, q)
}

// requery runs the full view and returns it as an initial event block.
func (v *View) requery(ctx context.Context, db *database.Database) ([]*dataevent.DataEvent, error) {
	v.mu.Lock()
	params := v.params.Resolve()
	version := v.version
	v.mu.Unlock()

	q, err := v.stmt.Bind(params)
	if err != nil {
		return nil, err
	}
	rows, err := db.Select(ctx, q)
	if err != nil {
		return nil, err
	}

	events := make([]*dataevent.DataEvent, 0, len(rows)+2)
	events = append(events, dataevent.NewInitialBegin(v.name))
	for _, row := range rows {
		events = append(events, dataevent.NewRecord(dataevent.Initial, v.name, v.key(row), row))
	}
	events = append(events, dataevent.NewInitialEnd(v.name))

	v.mu.Lock()
	if v.version == version {
		v.dirty = false
	}
	v.mu.Unlock()
	return events, nil
}

// diff turns the impacted rows of a transaction into deltas. pre holds the
// rows fetched before the write and post the rows fetched after it; a row may
// appear more than once when several written keys reach it. touched is set
// for single-table views, where a fetched row is a written row itself, so a
// write that left its content unchanged is still reported as an Update.
func (v *View) diff(pre, post []database.Row, touched bool) []*dataevent.DataEvent {
	var out []*dataevent.DataEvent
	before := make(map[string]database.Row, len(pre))
	for _, row := range pre {
		before[v.key(row)] = row
	}
	after := make(map[string]database.Row, len(post))
	for _, row := range post {
		after[v.key(row)] = row
	}
	for _, row := range pre {
		k := v.key(row)
		if _, ok := after[k]; ok {
			continue
		}
		if _, ok := before[k]; ok {
			out = append(out, dataevent.NewRecord(dataevent.Delete, v.name, k, row))
			delete(before, k)
		}
	}
	emitted := make(map[string]struct{}, len(post))
	for _, row := range post {
		k := v.key(row)
		if _, ok := emitted[k]; ok {
			continue
		}
		emitted[k] = struct{}{}
		row = after[k]
		old, ok := before[k]
		switch {
		case !ok:
			out = append(out, dataevent.NewRecord(dataevent.Insert, v.name, k, row))
		case touched || !old.Equal(row):
			out = append(out, dataevent.NewRecord(dataevent.Update, v.name, k, row))
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
