package database

import (
	"context"

	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

// Row is one result row keyed by output column name.
type Row = dataevent.Row

// Driver executes bound statements against a storage engine.
//
// Select on the Driver itself must observe only committed data: while a
// DriverTx is open its writes stay invisible to Driver.Select until Commit
// returns. The view engine relies on this to read pre-write state during the
// uncommitted phase of a commit.
type Driver interface {
	Begin(ctx context.Context) (DriverTx, error)
	Select(ctx context.Context, q *statement.BoundSelect) ([]Row, error)
	Close() error
}

// DriverTx is a transaction scoped to a single connection.
//
// Insert returns the generated value of the table's auto-increment field, or
// nil when the table has none. A unique or primary key collision is reported
// as errors.ErrDuplicateKey. Update and Delete return the number of affected
// rows.
type DriverTx interface {
	Select(ctx context.Context, q *statement.BoundSelect) ([]Row, error)
	Insert(ctx context.Context, q *statement.BoundInsert) (any, error)
	Update(ctx context.Context, q *statement.BoundWrite) (int64, error)
	Delete(ctx context.Context, q *statement.BoundWrite) (int64, error)
	CreateTable(ctx context.Context, t *schema.Table) error
	Truncate(ctx context.Context, table *schema.Table) error
	Commit(ctx context.Context) error
	Rollback() error
}
