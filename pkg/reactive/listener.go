package reactive

import (
	"context"

	"github.com/zoravur/liveview/pkg/dataevent"
)

// Listener receives the output of a ViewSet: first the initial snapshot, then
// one transaction of deltas per relevant commit. Calls are sequential. An
// error is logged and does not stop the view set.
type Listener interface {
	OnTransaction(ctx context.Context, tx *dataevent.Transaction) error
}

type ListenerFunc func(ctx context.Context, tx *dataevent.Transaction) error

func (f ListenerFunc) OnTransaction(ctx context.Context, tx *dataevent.Transaction) error {
	return f(ctx, tx)
}
