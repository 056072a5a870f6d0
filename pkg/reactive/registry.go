package reactive

import (
	"sync"
)

// Registry tracks the live view sets of a process.
type Registry struct {
	mu   sync.RWMutex
	data map[string]*ViewSet
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*ViewSet)}
}

func (r *Registry) Register(vs *ViewSet) {
	r.mu.Lock()
	r.data[vs.ID()] = vs
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*ViewSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs, ok := r.data[id]
	return vs, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *Registry) Snapshot() []*ViewSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ViewSet, 0, len(r.data))
	for _, vs := range r.data {
		out = append(out, vs)
	}
	return out
}

func (r *Registry) ForEach(fn func(*ViewSet) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, vs := range r.data {
		if !fn(vs) {
			break
		}
	}
}

// SnapshotView describes every registered view set for diagnostics.
func (r *Registry) SnapshotView() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(r.data))
	for _, vs := range r.data {
		views := vs.Views()
		items := make([]map[string]any, 0, len(views))
		for _, v := range views {
			tables := v.Statement().Tables()
			names := make([]string, len(tables))
			for i, t := range tables {
				names[i] = t.Name
			}
			items = append(items, map[string]any{
				"id":        v.ID(),
				"name":      v.Name(),
				"sql":       v.SQL(),
				"tables":    names,
				"keyFields": v.KeyFieldNames(),
				"dirty":     v.Dirty(),
			})
		}
		out = append(out, map[string]any{
			"id":         vs.ID(),
			"views":      items,
			"queueDepth": vs.QueueDepth(),
			"disposed":   vs.Disposed(),
		})
	}
	return out
}

// CleanupOrphans drops view sets that were disposed without being
// unregistered and returns how many were removed.
func (r *Registry) CleanupOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, vs := range r.data {
		if vs.Disposed() {
			delete(r.data, id)
			count++
		}
	}
	return count
}
