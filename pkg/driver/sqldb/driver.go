// Package sqldb is a database.Driver over database/sql. Statements rendered by
// pkg/statement are rewritten to the server's placeholder style and run as
// they are; the server enforces keys and types.
package sqldb

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

type Driver struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
	owned   bool

	// writer serializes transactions so that Driver.Select never races a
	// commit the database pipeline has not published yet.
	writer sync.Mutex
}

var _ database.Driver = (*Driver)(nil)

type Option func(*Driver)

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// New wraps an open pool. The caller keeps ownership of db.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Driver {
	d := &Driver{db: db, dialect: dialect, log: zap.L()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open connects with a database/sql driver name ("pgx", "postgres" or
// "mysql") and pings the server.
func Open(ctx context.Context, driverName, dsn string, opts ...Option) (*Driver, error) {
	dialect, err := DialectFor(driverName)
	if err != nil {
		return nil, err
	}
	if driverName == "mysql" {
		if dsn, err = MySQLDSN(dsn); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", driverName)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "connecting to %s", driverName)
	}
	d := New(db, dialect, opts...)
	d.owned = true
	return d, nil
}

func (d *Driver) DB() *sql.DB       { return d.db }
func (d *Driver) Dialect() Dialect { return d.dialect }

func (d *Driver) Close() error {
	if !d.owned {
		return nil
	}
	return d.db.Close()
}

func (d *Driver) Select(ctx context.Context, q *statement.BoundSelect) ([]database.Row, error) {
	return d.query(ctx, d.db, q)
}

func (d *Driver) Begin(ctx context.Context) (database.DriverTx, error) {
	d.writer.Lock()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.writer.Unlock()
		return nil, errors.Wrap(err, "begin")
	}
	return &txn{d: d, tx: tx}, nil
}

// queryer is the part of *sql.DB and *sql.Tx reads need.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// prepare rewrites @params into positional arguments and validates the result.
func (d *Driver) prepare(text string, params map[string]any) (string, []any, error) {
	out, args, err := statement.Positional(text, params, d.dialect.Placeholder)
	if err != nil {
		return "", nil, err
	}
	if err := d.dialect.Validate(out); err != nil {
		return "", nil, err
	}
	return out, args, nil
}

func (d *Driver) query(ctx context.Context, q queryer, b *statement.BoundSelect) ([]database.Row, error) {
	text, args, err := d.prepare(b.SQL, b.Params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := q.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %q", text)
	}
	defer rows.Close()

	names, star := b.Statement.OutputNames()
	if star {
		names = nil
	}
	out, err := scanRows(rows, names)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %q", text)
	}
	d.log.Debug("select",
		logutil.Values(
			zap.String("sql", text),
			zap.Int("rows", len(out)),
			zap.Duration("duration", time.Since(start)),
		))
	return out, nil
}

type txn struct {
	d    *Driver
	tx   *sql.Tx
	done bool
}

func (t *txn) Select(ctx context.Context, q *statement.BoundSelect) ([]database.Row, error) {
	return t.d.query(ctx, t.tx, q)
}

func (t *txn) Insert(ctx context.Context, q *statement.BoundInsert) (any, error) {
	text, args, err := t.d.prepare(t.insertSQL(q), q.Params)
	if err != nil {
		return nil, err
	}
	auto := q.Table.AutoIncrementFieldName

	if auto != "" && t.d.dialect.Returning() {
		var id any
		if err := t.tx.QueryRowContext(ctx, text, args...).Scan(&id); err != nil {
			return nil, t.d.writeErr(err, text)
		}
		return normalize(id), nil
	}

	res, err := t.tx.ExecContext(ctx, text, args...)
	if err != nil {
		return nil, t.d.writeErr(err, text)
	}
	if auto == "" {
		return nil, nil
	}
	if v := schema.Lookup(q.Record, auto); v != nil {
		if id, ok := schema.AsInt64(v); ok {
			return id, nil
		}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "reading generated id")
	}
	return id, nil
}

func (t *txn) insertSQL(q *statement.BoundInsert) string {
	if auto := q.Table.AutoIncrementFieldName; auto != "" && t.d.dialect.Returning() {
		return q.SQL + " RETURNING " + auto
	}
	return q.SQL
}

func (t *txn) Update(ctx context.Context, q *statement.BoundWrite) (int64, error) {
	return t.exec(ctx, q.SQL, q.Params)
}

func (t *txn) Delete(ctx context.Context, q *statement.BoundWrite) (int64, error) {
	return t.exec(ctx, q.SQL, q.Params)
}

func (t *txn) exec(ctx context.Context, sqlText string, params map[string]any) (int64, error) {
	text, args, err := t.d.prepare(sqlText, params)
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, text, args...)
	if err != nil {
		return 0, t.d.writeErr(err, text)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reading affected rows")
	}
	return n, nil
}

func (t *txn) CreateTable(ctx context.Context, table *schema.Table) error {
	return execAll(ctx, t.tx, t.d.dialect.CreateTable(table))
}

func (t *txn) Truncate(ctx context.Context, table *schema.Table) error {
	return execAll(ctx, t.tx, []string{t.d.dialect.Truncate(table)})
}

func execAll(ctx context.Context, e execer, stmts []string) error {
	for _, s := range stmts {
		if _, err := e.ExecContext(ctx, s); err != nil {
			return errors.Wrapf(err, "exec %q", firstLine(s))
		}
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return errors.New(errors.ErrTxDone, "transaction already finished")
	}
	t.done = true
	defer t.d.writer.Unlock()
	if err := ctx.Err(); err != nil {
		_ = t.tx.Rollback()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.d.writer.Unlock()
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "rollback")
	}
	return nil
}

func (d *Driver) writeErr(err error, text string) error {
	if d.dialect.IsDuplicate(err) {
		return errors.WrapCode(errors.Wrapf(err, "exec %q", text), errors.ErrDuplicateKey)
	}
	return errors.Wrapf(err, "exec %q", text)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
