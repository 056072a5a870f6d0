// Package database is the write pipeline: it compiles statements against a
// table catalog, runs them through a Driver, records one key-addressed event
// per write, and on commit publishes the events to subscribers twice, before
// and after the storage commit.
package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

// Phase is the point of a commit at which subscribers run.
type Phase int

const (
	// Uncommitted handlers run before the storage commit; reads through the
	// Driver still see the previous state.
	Uncommitted Phase = iota
	// Committed handlers run after the storage commit.
	Committed
	// Discarded handlers run when the storage commit failed after the
	// Uncommitted phase was published.
	Discarded
)

func (p Phase) String() string {
	switch p {
	case Uncommitted:
		return "uncommitted"
	case Committed:
		return "committed"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// TransactionHandler receives a committed batch of write events.
type TransactionHandler func(ctx context.Context, tx *dataevent.Transaction) error

type Subscription struct {
	id    uint64
	phase Phase
	fn    TransactionHandler
	db    *Database
}

// Cancel detaches the handler. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	subs := s.db.subs[s.phase]
	for i, other := range subs {
		if other.id == s.id {
			s.db.subs[s.phase] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// ValueFunc produces a field value at write time.
type ValueFunc func() any

type fieldValue struct {
	field  string
	fn     ValueFunc
	tables map[string]struct{}
}

func (f *fieldValue) appliesTo(t *schema.Table) bool {
	if t.FindField(f.field) == nil {
		return false
	}
	if len(f.tables) == 0 {
		return true
	}
	_, ok := f.tables[strings.ToLower(t.Name)]
	return ok
}

type Database struct {
	driver   Driver
	catalog  *schema.Catalog
	log      *zap.Logger
	observer Observer

	stmtMu sync.RWMutex
	stmts  map[string]any

	mu        sync.RWMutex
	defaults  []*fieldValue
	overrides []*fieldValue
	subs      map[Phase][]*Subscription
	nextSub   atomic.Uint64

	// commitMu serializes the publish-commit-publish sequence so that the
	// phases of two transactions never interleave.
	commitMu sync.Mutex
}

type Option func(*Database)

func WithLogger(l *zap.Logger) Option {
	return func(db *Database) { db.log = l }
}

func WithObserver(o Observer) Option {
	return func(db *Database) { db.observer = o }
}

// WithCatalog starts the database with an existing catalog, for tables created
// outside of it (migrations, introspection).
func WithCatalog(c *schema.Catalog) Option {
	return func(db *Database) { db.catalog = c }
}

func New(driver Driver, opts ...Option) *Database {
	db := &Database{
		driver:   driver,
		catalog:  schema.NewCatalog(),
		log:      zap.L(),
		observer: NopObserver{},
		stmts:    make(map[string]any),
		subs:     make(map[Phase][]*Subscription),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (db *Database) Catalog() *schema.Catalog { return db.catalog }
func (db *Database) Logger() *zap.Logger      { return db.log }
func (db *Database) Observer() Observer       { return db.observer }

func (db *Database) Close() error { return db.driver.Close() }

// AddTables registers tables that already exist in storage.
func (db *Database) AddTables(tables ...*schema.Table) {
	for _, t := range tables {
		db.catalog.Put(t)
	}
	db.resetStatements()
}

// CreateFromSQL creates every table of a ";"-separated CREATE TABLE script in
// one transaction.
func (db *Database) CreateFromSQL(ctx context.Context, script string) error {
	stmts, err := statement.ParseCreates(script)
	if err != nil {
		return err
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, s := range stmts {
		if err := tx.createTable(ctx, s); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SetDefaultValue fills field on insert when the caller did not supply it. With
// no tables it applies to every table that has the field.
func (db *Database) SetDefaultValue(field string, fn ValueFunc, tables ...string) {
	db.mu.Lock()
	db.defaults = append(db.defaults, newFieldValue(field, fn, tables))
	db.mu.Unlock()
}

// SetOverrideValue replaces field on every insert and update.
func (db *Database) SetOverrideValue(field string, fn ValueFunc, tables ...string) {
	db.mu.Lock()
	db.overrides = append(db.overrides, newFieldValue(field, fn, tables))
	db.mu.Unlock()
}

func newFieldValue(field string, fn ValueFunc, tables []string) *fieldValue {
	fv := &fieldValue{field: field, fn: fn, tables: make(map[string]struct{}, len(tables))}
	for _, t := range tables {
		fv.tables[strings.ToLower(t)] = struct{}{}
	}
	return fv
}

// Subscribe registers fn for one phase of every future commit.
func (db *Database) Subscribe(phase Phase, fn TransactionHandler) *Subscription {
	s := &Subscription{id: db.nextSub.Add(1), phase: phase, fn: fn, db: db}
	db.mu.Lock()
	db.subs[phase] = append(db.subs[phase], s)
	db.mu.Unlock()
	return s
}

// Exclusive runs fn while no event-carrying commit is in progress. Reads and
// subscriptions made inside fn form a consistent cut between commits. fn must
// not commit through db.
func (db *Database) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	return fn(ctx)
}

// publish runs every handler of phase concurrently and waits for all of them.
// Handler errors and panics are logged, never returned.
func (db *Database) publish(ctx context.Context, phase Phase, tx *dataevent.Transaction) {
	db.mu.RLock()
	subs := append([]*Subscription(nil), db.subs[phase]...)
	db.mu.RUnlock()

	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Newf(errors.ErrListener, "panic: %v", r)
				}
				if err != nil {
					db.log.Warn("transaction listener failed",
						logutil.Values(
							zap.String("phase", phase.String()),
							zap.String("tx", tx.ID),
							zap.Error(errors.WrapCode(err, errors.ErrListener)),
						))
				}
				err = nil
			}()
			return s.fn(ctx, tx)
		})
	}
	_ = g.Wait()
}

// Select runs a bound SELECT outside of any transaction.
func (db *Database) Select(ctx context.Context, q *statement.BoundSelect) ([]Row, error) {
	start := time.Now()
	rows, err := db.driver.Select(ctx, q)
	db.observer.StatementExecuted(KindSelect, tableOf(q), time.Since(start), err)
	if err != nil {
		return nil, errors.Wrapf(err, "select %q", q.SQL)
	}
	return rows, nil
}

// SelectRows compiles sql (or a bare table name), binds values and runs it.
func (db *Database) SelectRows(ctx context.Context, sql string, values any) ([]Row, error) {
	q, err := db.bindSelect(sql, values)
	if err != nil {
		return nil, err
	}
	return db.Select(ctx, q)
}

// SelectRow returns the only row of the query, nil when there is none, and
// ErrEngineInvariant when there is more than one.
func (db *Database) SelectRow(ctx context.Context, sql string, values any) (Row, error) {
	rows, err := db.SelectRows(ctx, sql, values)
	if err != nil {
		return nil, err
	}
	return singleRow(rows)
}

// SelectValue returns the first explicit column of the only row.
func (db *Database) SelectValue(ctx context.Context, sql string, values any) (any, error) {
	s, err := db.ParseSelect(sql)
	if err != nil {
		return nil, err
	}
	names, _ := s.OutputNames()
	if len(names) == 0 {
		return nil, errors.Newf(errors.ErrSchemaViolation, "SelectValue needs an explicit column in %q", sql)
	}
	row, err := db.SelectRow(ctx, sql, values)
	if err != nil || row == nil {
		return nil, err
	}
	return schema.Lookup(row, names[0]), nil
}

func singleRow(rows []Row) (Row, error) {
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	}
	return nil, errors.Newf(errors.ErrEngineInvariant, "SelectRow returned more than one row (%d)", len(rows))
}

func (db *Database) bindSelect(sql string, values any) (*statement.BoundSelect, error) {
	s, err := db.ParseSelect(sql)
	if err != nil {
		return nil, err
	}
	params, err := statement.NewParams(values)
	if err != nil {
		return nil, err
	}
	return s.Bind(params)
}

// InsertAndCommit inserts one row in its own transaction.
func (db *Database) InsertAndCommit(ctx context.Context, sql string, values any, opts ...InsertOption) (any, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	id, err := tx.Insert(ctx, sql, values, opts...)
	if err != nil {
		return nil, err
	}
	return id, tx.Commit(ctx)
}

// UpdateAndCommit updates one row in its own transaction.
func (db *Database) UpdateAndCommit(ctx context.Context, sql string, values any) (int64, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := tx.Update(ctx, sql, values)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

// DeleteAndCommit deletes one row in its own transaction.
func (db *Database) DeleteAndCommit(ctx context.Context, sql string, values any) (int64, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := tx.Delete(ctx, sql, values)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

// ParseSelect compiles sql once per distinct text.
func (db *Database) ParseSelect(sql string) (*statement.SelectStatement, error) {
	s, err := db.cached("select", sql, func() (any, error) { return statement.ParseSelect(sql, db.catalog) })
	if err != nil {
		return nil, err
	}
	return s.(*statement.SelectStatement), nil
}

func (db *Database) parseInsert(sql string) (*statement.InsertStatement, error) {
	s, err := db.cached("insert", sql, func() (any, error) { return statement.ParseInsert(sql, db.catalog) })
	if err != nil {
		return nil, err
	}
	return s.(*statement.InsertStatement), nil
}

func (db *Database) parseUpdate(sql string) (*statement.UpdateStatement, error) {
	s, err := db.cached("update", sql, func() (any, error) { return statement.ParseUpdate(sql, db.catalog) })
	if err != nil {
		return nil, err
	}
	return s.(*statement.UpdateStatement), nil
}

func (db *Database) parseDelete(sql string) (*statement.DeleteStatement, error) {
	s, err := db.cached("delete", sql, func() (any, error) { return statement.ParseDelete(sql, db.catalog) })
	if err != nil {
		return nil, err
	}
	return s.(*statement.DeleteStatement), nil
}

func (db *Database) cached(kind, sql string, parse func() (any, error)) (any, error) {
	key := kind + "\x00" + sql
	db.stmtMu.RLock()
	s, ok := db.stmts[key]
	db.stmtMu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := parse()
	if err != nil {
		return nil, err
	}
	db.stmtMu.Lock()
	db.stmts[key] = s
	db.stmtMu.Unlock()
	return s, nil
}

// resetStatements drops cached statements after the catalog changed.
func (db *Database) resetStatements() {
	db.stmtMu.Lock()
	db.stmts = make(map[string]any)
	db.stmtMu.Unlock()
}

func (db *Database) defaultsFor(t *schema.Table) []*fieldValue {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return applicable(db.defaults, t)
}

func (db *Database) overridesFor(t *schema.Table) []*fieldValue {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return applicable(db.overrides, t)
}

func applicable(list []*fieldValue, t *schema.Table) []*fieldValue {
	var out []*fieldValue
	for _, fv := range list {
		if fv.appliesTo(t) {
			out = append(out, fv)
		}
	}
	return out
}

func tableOf(q *statement.BoundSelect) string {
	if q == nil || len(q.Statement.TableRefs) == 0 {
		return ""
	}
	return q.Statement.TableRefs[0].Table.Name
}
