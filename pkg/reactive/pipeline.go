package reactive

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/dataevent"
)

// group is every event of one write transaction addressing the same row.
type group struct {
	id    string // lower-case table + key
	table string
	key   map[string]any
	types []dataevent.Type
}

// phases reports which snapshots v needs for g. A single-table view needs
// the pre-write rows for updates and deletes and the post-write rows for
// inserts and updates; a join view needs both for every write.
func (g *group) phases(v *View) (pre, post bool) {
	if v.multiTable() {
		return true, true
	}
	for _, t := range g.types {
		switch t {
		case dataevent.Insert:
			post = true
		case dataevent.Delete:
			pre = true
		case dataevent.Update:
			pre, post = true, true
		}
	}
	return pre, post
}

type snapshotKey struct {
	viewID  string
	groupID string
	phase   database.Phase
}

// snapshot is the rows a view returned for one group in one phase, and the
// params version they were fetched under.
type snapshot struct {
	rows    []database.Row
	version uint64
}

func (s *snapshot) rowsOrNil() []database.Row {
	if s == nil {
		return nil
	}
	return s.rows
}

// item is one queued unit of work: a write transaction with the snapshots
// taken around its commit, or a prepared output transaction.
type item struct {
	tx        *dataevent.Transaction
	groups    []*group
	snapshots map[snapshotKey]*snapshot
	out       *dataevent.Transaction
}

// snapshot looks up the rows of v for g in phase. ok is false when the phase
// was needed but not fetched.
func (it *item) snapshot(v *View, g *group, phase database.Phase, needed bool) (*snapshot, bool) {
	if !needed {
		return nil, true
	}
	s, ok := it.snapshots[snapshotKey{viewID: v.id, groupID: g.id, phase: phase}]
	return s, ok
}

func groupEvents(tx *dataevent.Transaction) []*group {
	var out []*group
	byID := make(map[string]*group)
	for _, e := range tx.Events {
		switch e.Type {
		case dataevent.Insert, dataevent.Update, dataevent.Delete:
		default:
			continue
		}
		id := strings.ToLower(e.Name) + "\x00" + e.KeyValue
		g, ok := byID[id]
		if !ok {
			g = &group{id: id, table: e.Name, key: e.KeyFields}
			byID[id] = g
			out = append(out, g)
		}
		g.types = append(g.types, e.Type)
	}
	return out
}

func (vs *ViewSet) onUncommitted(ctx context.Context, tx *dataevent.Transaction) error {
	it := &item{
		tx:        tx,
		groups:    groupEvents(tx),
		snapshots: make(map[snapshotKey]*snapshot),
	}
	vs.fetch(ctx, it, database.Uncommitted)
	vs.mu.Lock()
	vs.pending[tx.ID] = it
	vs.mu.Unlock()
	return nil
}

func (vs *ViewSet) onCommitted(ctx context.Context, tx *dataevent.Transaction) error {
	vs.mu.Lock()
	it, ok := vs.pending[tx.ID]
	delete(vs.pending, tx.ID)
	vs.mu.Unlock()
	if !ok {
		// subscribed between the two phases of tx
		return nil
	}
	vs.fetch(ctx, it, database.Committed)
	vs.enqueue(it)
	return nil
}

func (vs *ViewSet) onDiscarded(_ context.Context, tx *dataevent.Transaction) error {
	vs.mu.Lock()
	delete(vs.pending, tx.ID)
	vs.mu.Unlock()
	return nil
}

// fetch stores the impacted rows of every clean view for every group that
// needs phase. A failed fetch leaves its snapshot missing, which makes the
// worker requery the view instead.
func (vs *ViewSet) fetch(ctx context.Context, it *item, phase database.Phase) {
	for _, v := range vs.Views() {
		dirty, version, params := v.state()
		if dirty {
			continue
		}
		for _, g := range it.groups {
			if !v.references(g.table) {
				continue
			}
			pre, post := g.phases(v)
			if (phase == database.Uncommitted && !pre) || (phase == database.Committed && !post) {
				continue
			}
			rows, err := v.fetch(ctx, vs.db, params, g.table, g.key)
			if err != nil {
				vs.log.Warn("impacted record fetch failed",
					logutil.Values(
						zap.String("view", v.name),
						zap.String("table", g.table),
						zap.String("phase", phase.String()),
						zap.Error(err),
					))
				continue
			}
			it.snapshots[snapshotKey{viewID: v.id, groupID: g.id, phase: phase}] = &snapshot{rows: rows, version: version}
		}
	}
}
