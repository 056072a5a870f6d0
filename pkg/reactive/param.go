package reactive

import (
	"sort"
	"sync"

	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/schema"
	"github.com/zoravur/liveview/pkg/statement"
)

// DynamicParam is a parameter value taken from one field of another view's
// output. Pass it as a parameter value to CreateView; the view is requeried
// whenever the set of distinct field values changes.
//
// A single-value param binds the first tracked value (or NULL); a multi-value
// param binds the whole set as a list, which compiles to an IN list.
type DynamicParam struct {
	field string
	multi bool
	src   *View

	mu      sync.Mutex
	values  []any
	targets []*View

	// tracker state, owned by the view set's worker
	byKey   map[string]any
	initial bool
}

func newDynamicParam(src *View, field string, multi bool) *DynamicParam {
	return &DynamicParam{
		field: field,
		multi: multi,
		src:   src,
		byKey: make(map[string]any),
	}
}

var _ statement.Valuer = (*DynamicParam)(nil)

// ParamValue implements statement.Valuer.
func (p *DynamicParam) ParamValue() statement.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.multi {
		return statement.List(p.values...)
	}
	if len(p.values) == 0 {
		return statement.Null()
	}
	return statement.Scalar(p.values[0])
}

// Field is the source field name.
func (p *DynamicParam) Field() string { return p.field }

// Values returns the distinct tracked values. While the source view is
// requeried it keeps returning the set published before the requery.
func (p *DynamicParam) Values() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.values...)
}

// Dirty reports whether a view bound to p still waits for a requery with its
// current value.
func (p *DynamicParam) Dirty() bool {
	p.mu.Lock()
	targets := append([]*View(nil), p.targets...)
	p.mu.Unlock()
	for _, v := range targets {
		if v.Dirty() {
			return true
		}
	}
	return false
}

func (p *DynamicParam) bind(v *View) {
	p.mu.Lock()
	p.targets = append(p.targets, v)
	p.mu.Unlock()
}

// observe feeds one event of the source view into the tracker.
func (p *DynamicParam) observe(e *dataevent.DataEvent) {
	switch e.Type {
	case dataevent.InitialBegin:
		// values keeps the last published set until InitialEnd, so views
		// fetched during the requery bind a complete set and refresh only
		// marks them dirty when the requeried set differs.
		p.byKey = make(map[string]any)
		p.initial = true
		return
	case dataevent.Initial, dataevent.Insert, dataevent.Update:
		p.byKey[e.KeyValue] = schema.Lookup(e.Record, p.field)
	case dataevent.Delete:
		delete(p.byKey, e.KeyValue)
	case dataevent.InitialEnd:
		p.initial = false
	}
	if p.initial {
		return
	}
	p.refresh()
}

// refresh recomputes the distinct value set and marks every bound view dirty
// when it changed.
func (p *DynamicParam) refresh() {
	distinct := make(map[string]any, len(p.byKey))
	for _, v := range p.byKey {
		if v == nil {
			continue
		}
		distinct[schema.FormatKeyPart(v)] = v
	}
	keys := make([]string, 0, len(distinct))
	for k := range distinct {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p.mu.Lock()
	changed := len(keys) != len(p.values)
	if !changed {
		for i, k := range keys {
			if schema.FormatKeyPart(p.values[i]) != k {
				changed = true
				break
			}
		}
	}
	if !changed {
		p.mu.Unlock()
		return
	}
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = distinct[k]
	}
	p.values = values
	targets := append([]*View(nil), p.targets...)
	p.mu.Unlock()

	for _, v := range targets {
		v.markDirty()
	}
}
