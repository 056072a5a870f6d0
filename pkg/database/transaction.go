package database

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

type insertOptions struct {
	ignoreDuplicate bool
}

type InsertOption func(*insertOptions)

// IgnoreDuplicate makes Insert return a nil id instead of ErrDuplicateKey.
func IgnoreDuplicate() InsertOption {
	return func(o *insertOptions) { o.ignoreDuplicate = true }
}

// Transaction collects one event per successful write and publishes them on
// Commit. A Transaction is not safe for concurrent use. Callers should defer
// Rollback, which is a no-op after Commit.
type Transaction struct {
	db      *Database
	tx      DriverTx
	events  []*dataevent.DataEvent
	created []*schema.Table
	done    bool
}

func (db *Database) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := db.driver.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &Transaction{db: db, tx: tx}, nil
}

// Events returns the write events recorded so far.
func (t *Transaction) Events() []*dataevent.DataEvent {
	return append([]*dataevent.DataEvent(nil), t.events...)
}

// Insert writes one row. sql is an INSERT statement or a bare table name whose
// columns are taken from values. It returns the generated auto-increment
// value, or nil when the table has none.
func (t *Transaction) Insert(ctx context.Context, sql string, values any, opts ...InsertOption) (any, error) {
	if t.done {
		return nil, errors.New(errors.ErrTxDone, "transaction already finished")
	}
	var o insertOptions
	for _, opt := range opts {
		opt(&o)
	}

	st, err := t.db.parseInsert(sql)
	if err != nil {
		return nil, err
	}
	params, err := statement.NewParams(values)
	if err != nil {
		return nil, err
	}
	params = t.db.applyInsertValues(st, params)

	q, err := st.Bind(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	id, err := t.tx.Insert(ctx, q)
	t.db.observer.StatementExecuted(KindInsert, st.Table.Name, time.Since(start), err)
	if err != nil {
		if o.ignoreDuplicate && errors.Is(err, errors.ErrDuplicateKey) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "insert into %s", st.Table.Name)
	}

	pk := st.Table.PrimaryIndex()
	key := schema.KeyFields(pk.FieldNames, q.Record)
	if auto := st.Table.AutoIncrementFieldName; auto != "" && id != nil {
		if _, ok := key[auto]; ok {
			key[auto] = id
		}
	}
	for _, fn := range pk.FieldNames {
		if key[fn] == nil {
			return nil, errors.Newf(errors.ErrEngineInvariant, "cannot determine key field %s of row inserted into %s", fn, st.Table.Name)
		}
	}
	t.events = append(t.events, dataevent.NewKeyValue(dataevent.Insert, st.Table.Name, key, pk.FieldNames))
	return id, nil
}

// Update changes one row addressed by a unique index. sql is an UPDATE
// statement or a bare table name. It returns the number of affected rows.
func (t *Transaction) Update(ctx context.Context, sql string, values any) (int64, error) {
	if t.done {
		return 0, errors.New(errors.ErrTxDone, "transaction already finished")
	}
	st, err := t.db.parseUpdate(sql)
	if err != nil {
		return 0, err
	}
	params, err := statement.NewParams(values)
	if err != nil {
		return 0, err
	}
	if st.Set == nil {
		for _, fv := range t.db.overridesFor(st.Table) {
			params = withField(params, fv.field, fv.fn())
		}
	}
	q, err := st.Bind(params)
	if err != nil {
		return 0, err
	}
	return t.write(ctx, KindUpdate, q, t.tx.Update)
}

// Delete removes one row addressed by a unique index. sql is a DELETE
// statement or a bare table name.
func (t *Transaction) Delete(ctx context.Context, sql string, values any) (int64, error) {
	if t.done {
		return 0, errors.New(errors.ErrTxDone, "transaction already finished")
	}
	st, err := t.db.parseDelete(sql)
	if err != nil {
		return 0, err
	}
	params, err := statement.NewParams(values)
	if err != nil {
		return 0, err
	}
	q, err := st.Bind(params)
	if err != nil {
		return 0, err
	}
	return t.write(ctx, KindDelete, q, t.tx.Delete)
}

func (t *Transaction) write(ctx context.Context, kind StatementKind, q *statement.BoundWrite,
	exec func(context.Context, *statement.BoundWrite) (int64, error)) (int64, error) {
	pk := q.Table.PrimaryIndex()
	key := q.Key
	if q.Index != pk {
		// The event must carry the primary key, so read it before the write.
		row, err := t.primaryKeyOf(ctx, q)
		if err != nil {
			return 0, err
		}
		if row == nil {
			key = nil
		} else {
			key = schema.KeyFields(pk.FieldNames, row)
		}
	}

	start := time.Now()
	n, err := exec(ctx, q)
	t.db.observer.StatementExecuted(kind, q.Table.Name, time.Since(start), err)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", kind, q.Table.Name)
	}
	if n == 0 || key == nil {
		return n, nil
	}

	switch moved, ok := movedKey(pk, key, q.SetValues); {
	case kind == KindDelete:
		t.events = append(t.events, dataevent.NewKeyValue(dataevent.Delete, q.Table.Name, key, pk.FieldNames))
	case ok:
		// the row leaves its old identity and appears under the new one
		t.events = append(t.events,
			dataevent.NewKeyValue(dataevent.Delete, q.Table.Name, key, pk.FieldNames),
			dataevent.NewKeyValue(dataevent.Insert, q.Table.Name, moved, pk.FieldNames))
	default:
		t.events = append(t.events, dataevent.NewKeyValue(dataevent.Update, q.Table.Name, key, pk.FieldNames))
	}
	return n, nil
}

// movedKey returns the primary key a row has after set is applied, and
// whether it differs from key.
func movedKey(pk *schema.Index, key, set map[string]any) (map[string]any, bool) {
	moved := make(map[string]any, len(pk.FieldNames))
	changed := false
	for _, f := range pk.FieldNames {
		old := schema.Lookup(key, f)
		moved[f] = old
		for name, v := range set {
			if strings.EqualFold(name, f) {
				moved[f] = v
				if !schema.ValuesEqual(old, v) {
					changed = true
				}
			}
		}
	}
	return moved, changed
}

// primaryKeyOf selects the primary key fields of the row q addresses through
// a non-primary unique index.
func (t *Transaction) primaryKeyOf(ctx context.Context, q *statement.BoundWrite) (Row, error) {
	pk := q.Table.PrimaryIndex()
	conds := make([]string, len(q.Index.FieldNames))
	for i, f := range q.Index.FieldNames {
		conds[i] = f + " = @" + f
	}
	sql := "SELECT " + strings.Join(pk.FieldNames, ", ") + " FROM " + q.Table.Name + " WHERE " + strings.Join(conds, " AND ")
	s, err := t.db.ParseSelect(sql)
	if err != nil {
		return nil, err
	}
	params, err := statement.NewParams(q.Key)
	if err != nil {
		return nil, err
	}
	bound, err := s.Bind(params)
	if err != nil {
		return nil, err
	}
	rows, err := t.Select(ctx, bound)
	if err != nil {
		return nil, err
	}
	return singleRow(rows)
}

// Select runs a bound SELECT inside the transaction, seeing its own writes.
func (t *Transaction) Select(ctx context.Context, q *statement.BoundSelect) ([]Row, error) {
	start := time.Now()
	rows, err := t.tx.Select(ctx, q)
	t.db.observer.StatementExecuted(KindSelect, tableOf(q), time.Since(start), err)
	if err != nil {
		return nil, errors.Wrapf(err, "select %q", q.SQL)
	}
	return rows, nil
}

// SelectRows compiles and runs a SELECT inside the transaction.
func (t *Transaction) SelectRows(ctx context.Context, sql string, values any) ([]Row, error) {
	q, err := t.db.bindSelect(sql, values)
	if err != nil {
		return nil, err
	}
	return t.Select(ctx, q)
}

// Create runs a CREATE TABLE statement and adds the table to the catalog.
// Rollback removes it again.
func (t *Transaction) Create(ctx context.Context, sql string) error {
	if t.done {
		return errors.New(errors.ErrTxDone, "transaction already finished")
	}
	s, err := statement.ParseCreate(sql)
	if err != nil {
		return err
	}
	return t.createTable(ctx, s)
}

func (t *Transaction) createTable(ctx context.Context, s *statement.CreateStatement) error {
	if _, ok := t.db.catalog.Table(s.Table.Name); ok && s.IfNotExists {
		return nil
	}
	start := time.Now()
	err := t.tx.CreateTable(ctx, s.Table)
	t.db.observer.StatementExecuted(KindCreate, s.Table.Name, time.Since(start), err)
	if err != nil {
		return errors.Wrapf(err, "creating table %s", s.Table.Name)
	}
	t.db.AddTables(s.Table)
	t.created = append(t.created, s.Table)
	return nil
}

// Truncate removes every row of table without recording events. View sets
// reading the table must be restarted by the caller.
func (t *Transaction) Truncate(ctx context.Context, table string) error {
	if t.done {
		return errors.New(errors.ErrTxDone, "transaction already finished")
	}
	tbl, ok := t.db.catalog.Table(table)
	if !ok {
		return errors.Newf(errors.ErrParse, "invalid table name %s", table)
	}
	start := time.Now()
	err := t.tx.Truncate(ctx, tbl)
	t.db.observer.StatementExecuted(KindTruncate, tbl.Name, time.Since(start), err)
	return errors.Wrapf(err, "truncating %s", tbl.Name)
}

// Commit publishes the recorded events to Uncommitted subscribers, commits
// storage, then publishes them to Committed subscribers. Without events
// nothing is published. If the storage commit fails Discarded subscribers are
// told instead.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	if t.done {
		return errors.New(errors.ErrTxDone, "transaction already finished")
	}
	t.done = true

	start := time.Now()
	defer func() {
		t.db.observer.TransactionCommitted(len(t.events), time.Since(start), err)
	}()

	if len(t.events) == 0 {
		if err := t.tx.Commit(ctx); err != nil {
			t.dropCreated()
			return errors.Wrap(err, "committing transaction")
		}
		return nil
	}

	dtx := dataevent.NewTransaction(t.events...)
	t.db.commitMu.Lock()
	defer t.db.commitMu.Unlock()

	t.db.publish(ctx, Uncommitted, dtx)
	if err := t.tx.Commit(ctx); err != nil {
		t.dropCreated()
		t.db.publish(ctx, Discarded, dtx)
		return errors.Wrap(err, "committing transaction")
	}
	t.db.publish(ctx, Committed, dtx)

	t.db.log.Debug("transaction committed",
		logutil.Values(
			zap.String("tx", dtx.ID),
			zap.Int("events", dtx.Len()),
			zap.Duration("duration", time.Since(start)),
		))
	return nil
}

// Rollback abandons the transaction. It is a no-op once the transaction has
// finished.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.dropCreated()
	return t.tx.Rollback()
}

func (t *Transaction) dropCreated() {
	for _, tbl := range t.created {
		t.db.catalog.Remove(tbl.Name)
	}
	if len(t.created) > 0 {
		t.db.resetStatements()
	}
	t.created = nil
}

// applyInsertValues adds default values for absent fields and replaces
// override fields. Explicit INSERT statements only take values for
// parameters they already name.
func (db *Database) applyInsertValues(st *statement.InsertStatement, params statement.Params) statement.Params {
	defaults := db.defaultsFor(st.Table)
	overrides := db.overridesFor(st.Table)
	if len(defaults) == 0 && len(overrides) == 0 {
		return params
	}
	params = params.Clone()
	for _, fv := range defaults {
		if _, ok := params.Get(fv.field); ok || st.Columns != nil {
			continue
		}
		params.Set(fv.field, fv.fn())
	}
	for _, fv := range overrides {
		if _, ok := params.Get(fv.field); !ok && st.Columns != nil {
			continue
		}
		params = withField(params, fv.field, fv.fn())
	}
	return params
}

// withField sets name in params, replacing any entry that differs only in case.
func withField(params statement.Params, name string, v any) statement.Params {
	for k := range params {
		if strings.EqualFold(k, name) {
			delete(params, k)
		}
	}
	return params.Set(name, v)
}
