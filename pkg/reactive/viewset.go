// Package reactive maintains live views over a database.Database.
//
// A ViewSet owns a group of Views and one Listener. Once started, the listener
// receives one transaction holding the full result of every view, then one
// transaction of deltas per commit that changed any view. Deltas are computed
// from the rows each written key contributes to a view, fetched before the
// storage commit (uncommitted phase) and after it (committed phase).
package reactive

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/statement"
)

type state int

const (
	stateCreated state = iota
	stateStarted
	stateDisposed
)

// maxRequeryPasses bounds the requery cascade of one transaction; dynamic
// params depending on each other in a cycle would never settle.
const maxRequeryPasses = 16

type ViewSet struct {
	id       string
	db       *database.Database
	listener Listener
	log      *zap.Logger
	observer database.Observer

	mu      sync.Mutex
	cond    *sync.Cond
	state   state
	views   []*View
	queue   []*item
	pending map[string]*item // by write transaction id
	subs    []*database.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*ViewSet)

func WithLogger(l *zap.Logger) Option {
	return func(vs *ViewSet) { vs.log = l }
}

func WithObserver(o database.Observer) Option {
	return func(vs *ViewSet) { vs.observer = o }
}

func WithID(id string) Option {
	return func(vs *ViewSet) { vs.id = id }
}

func NewViewSet(db *database.Database, listener Listener, opts ...Option) *ViewSet {
	vs := &ViewSet{
		id:       uuid.NewString(),
		db:       db,
		listener: listener,
		log:      db.Logger(),
		observer: db.Observer(),
		pending:  make(map[string]*item),
		done:     make(chan struct{}),
	}
	vs.cond = sync.NewCond(&vs.mu)
	for _, opt := range opts {
		opt(vs)
	}
	vs.log = vs.log.With(zap.String("viewset", vs.id))
	return vs
}

func (vs *ViewSet) ID() string { return vs.id }

// Views returns the views in creation order.
func (vs *ViewSet) Views() []*View {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return append([]*View(nil), vs.views...)
}

// CreateView compiles sql (or a bare table name) and adds it to the set.
// params accepts anything statement.NewParams does; *DynamicParam values bind
// the view to another view's output. Views can only be added before Start.
func (vs *ViewSet) CreateView(sql string, params any, opts ...ViewOption) (*View, error) {
	stmt, err := vs.db.ParseSelect(sql)
	if err != nil {
		return nil, err
	}
	p, err := statement.NewParams(params)
	if err != nil {
		return nil, err
	}
	v, err := newView(vs, stmt, p, opts...)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	switch vs.state {
	case stateStarted:
		return nil, errors.New(errors.ErrViewSetStarted, "cannot add a view to a started view set")
	case stateDisposed:
		return nil, errors.New(errors.ErrViewSetDisposed, "view set is disposed")
	}
	for _, other := range vs.views {
		if strings.EqualFold(other.name, v.name) {
			return nil, errors.Newf(errors.ErrSchemaViolation, "view name %s is already used", v.name)
		}
	}
	for _, val := range p {
		if dp, ok := val.Source().(*DynamicParam); ok {
			if dp.src.set != vs {
				return nil, errors.Newf(errors.ErrSchemaViolation, "dynamic param %s belongs to another view set", dp.field)
			}
			dp.bind(v)
		}
	}
	vs.views = append(vs.views, v)
	return v, nil
}

// Start delivers the full result of every view to the listener, then starts
// delivering deltas. The snapshot and the subscription are taken between two
// commits, so no write is missed or counted twice.
func (vs *ViewSet) Start(ctx context.Context) error {
	vs.mu.Lock()
	switch vs.state {
	case stateStarted:
		vs.mu.Unlock()
		return errors.New(errors.ErrViewSetStarted, "view set already started")
	case stateDisposed:
		vs.mu.Unlock()
		return errors.New(errors.ErrViewSetDisposed, "view set is disposed")
	}
	vs.state = stateStarted
	vs.ctx, vs.cancel = context.WithCancel(context.Background())
	views := append([]*View(nil), vs.views...)
	vs.mu.Unlock()

	for _, v := range views {
		v.markDirty()
	}

	err := vs.db.Exclusive(ctx, func(ctx context.Context) error {
		out := dataevent.NewTransaction()
		if _, err := vs.requeryDirty(ctx, out); err != nil {
			return err
		}
		subs := []*database.Subscription{
			vs.db.Subscribe(database.Uncommitted, vs.onUncommitted),
			vs.db.Subscribe(database.Committed, vs.onCommitted),
			vs.db.Subscribe(database.Discarded, vs.onDiscarded),
		}
		vs.mu.Lock()
		vs.queue = append(vs.queue, &item{out: out})
		vs.subs = subs
		vs.mu.Unlock()
		return nil
	})
	if err != nil {
		vs.mu.Lock()
		vs.state = stateCreated
		vs.queue = nil
		vs.cancel()
		vs.mu.Unlock()
		return errors.Wrap(err, "starting view set")
	}

	go vs.run()
	vs.log.Debug("view set started", logutil.Values(zap.Int("views", len(views))))
	return nil
}

// Dispose stops the worker after the transaction it is processing and
// detaches from the database. It is safe to call more than once, but not from
// the listener, since it waits for the worker to exit.
func (vs *ViewSet) Dispose() {
	vs.mu.Lock()
	prev := vs.state
	vs.state = stateDisposed
	if prev == stateStarted {
		vs.cancel()
		vs.cond.Broadcast()
	}
	subs := vs.subs
	vs.subs = nil
	vs.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	if prev == stateStarted {
		<-vs.done
	}

	vs.mu.Lock()
	vs.queue = nil
	vs.pending = make(map[string]*item)
	vs.mu.Unlock()
}

// Disposed reports whether Dispose was called.
func (vs *ViewSet) Disposed() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.state == stateDisposed
}

// QueueDepth is the number of transactions waiting for the worker.
func (vs *ViewSet) QueueDepth() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.queue)
}

func (vs *ViewSet) run() {
	defer close(vs.done)
	for {
		vs.mu.Lock()
		for len(vs.queue) == 0 && vs.ctx.Err() == nil {
			vs.cond.Wait()
		}
		if vs.ctx.Err() != nil {
			vs.mu.Unlock()
			return
		}
		it := vs.queue[0]
		vs.queue[0] = nil
		vs.queue = vs.queue[1:]
		depth := len(vs.queue)
		vs.mu.Unlock()

		vs.observer.ViewSetQueueDepth(vs.id, depth)
		// a dequeued item is finished even if Dispose is called meanwhile
		vs.process(context.WithoutCancel(vs.ctx), it)
	}
}

func (vs *ViewSet) enqueue(it *item) {
	vs.mu.Lock()
	if vs.state != stateStarted {
		vs.mu.Unlock()
		return
	}
	vs.queue = append(vs.queue, it)
	depth := len(vs.queue)
	vs.cond.Signal()
	vs.mu.Unlock()
	vs.observer.ViewSetQueueDepth(vs.id, depth)
}

// process computes and delivers the output of one queued item.
func (vs *ViewSet) process(ctx context.Context, it *item) {
	out := it.out
	requeried := 0
	if out == nil {
		out = dataevent.NewTransaction()
		vs.applyDeltas(it, out)
		n, err := vs.requeryDirty(ctx, out)
		if err != nil {
			vs.log.Error("requery failed",
				logutil.Values(
					zap.String("tx", it.tx.ID),
					zap.Error(err),
				))
		}
		requeried = n
	} else {
		requeried = out.Count(dataevent.InitialBegin)
	}

	if out.Len() == 0 {
		return
	}
	vs.deliver(ctx, out)
	vs.observer.ViewSetDelivered(vs.id, out.Len(), requeried)
}

// applyDeltas diffs every clean view against the rows the item's groups
// contribute to it. The snapshots of all groups are merged before diffing, so
// a row reached through several written keys yields one delta. Views are
// visited in creation order, so a source view marks its dependents dirty
// before they are diffed.
func (vs *ViewSet) applyDeltas(it *item, out *dataevent.Transaction) {
	for _, v := range vs.Views() {
		dirty, version, _ := v.state()
		if dirty {
			continue
		}
		var pre, post []database.Row
		touched, stale := false, false
		for _, g := range it.groups {
			if !v.references(g.table) {
				continue
			}
			touched = true
			needPre, needPost := g.phases(v)
			sp, okPre := it.snapshot(v, g, database.Uncommitted, needPre)
			sc, okPost := it.snapshot(v, g, database.Committed, needPost)
			if !okPre || !okPost || (needPre && sp.version != version) || (needPost && sc.version != version) {
				// fetched before the view was last marked dirty, or not at all
				stale = true
				break
			}
			pre = append(pre, sp.rowsOrNil()...)
			post = append(post, sc.rowsOrNil()...)
		}
		if stale {
			v.markDirty()
			continue
		}
		if !touched {
			continue
		}
		deltas := v.diff(pre, post, !v.multiTable())
		out.Add(deltas...)
		vs.track(v, deltas)
	}
}

// requeryDirty requeries dirty views until none is left, appending each
// result to out. It returns the number of requeries.
func (vs *ViewSet) requeryDirty(ctx context.Context, out *dataevent.Transaction) (int, error) {
	n := 0
	for pass := 0; pass < maxRequeryPasses; pass++ {
		progressed := false
		for _, v := range vs.Views() {
			if !v.Dirty() {
				continue
			}
			events, err := v.requery(ctx, vs.db)
			if err != nil {
				return n, errors.Wrapf(err, "requery of view %s", v.name)
			}
			out.Add(events...)
			vs.track(v, events)
			n++
			progressed = true
		}
		if !progressed {
			return n, nil
		}
	}
	return n, errors.Newf(errors.ErrEngineInvariant, "dynamic params did not settle after %d requery passes", maxRequeryPasses)
}

// track feeds events of v into the dynamic params that depend on it.
func (vs *ViewSet) track(v *View, events []*dataevent.DataEvent) {
	vs.mu.Lock()
	deps := append([]*DynamicParam(nil), v.dependents...)
	vs.mu.Unlock()
	if len(deps) == 0 {
		return
	}
	for _, e := range events {
		for _, p := range deps {
			p.observe(e)
		}
	}
}

func (vs *ViewSet) deliver(ctx context.Context, out *dataevent.Transaction) {
	defer func() {
		if r := recover(); r != nil {
			vs.log.Error("listener panicked",
				logutil.Values(
					zap.String("tx", out.ID),
					zap.Any("panic", r),
				))
		}
	}()
	start := time.Now()
	if err := vs.listener.OnTransaction(ctx, out); err != nil {
		vs.log.Warn("listener failed",
			logutil.Values(
				zap.String("tx", out.ID),
				zap.Error(errors.WrapCode(err, errors.ErrListener)),
			))
		return
	}
	vs.log.Debug("delivered",
		logutil.Values(
			zap.String("tx", out.ID),
			zap.Int("events", out.Len()),
			zap.Duration("duration", time.Since(start)),
		))
}
