package database

import "time"

// StatementKind labels a statement for observers.
type StatementKind string

const (
	KindSelect   StatementKind = "select"
	KindInsert   StatementKind = "insert"
	KindUpdate   StatementKind = "update"
	KindDelete   StatementKind = "delete"
	KindCreate   StatementKind = "create"
	KindTruncate StatementKind = "truncate"
)

// Observer receives execution measurements from a Database and from the view
// sets built on it. Implementations must be safe for concurrent use.
type Observer interface {
	StatementExecuted(kind StatementKind, table string, d time.Duration, err error)
	TransactionCommitted(events int, d time.Duration, err error)
	ViewSetDelivered(viewSet string, events int, requeried int)
	ViewSetQueueDepth(viewSet string, depth int)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) StatementExecuted(StatementKind, string, time.Duration, error) {}
func (NopObserver) TransactionCommitted(int, time.Duration, error)              {}
func (NopObserver) ViewSetDelivered(string, int, int)                           {}
func (NopObserver) ViewSetQueueDepth(string, int)                               {}
