package protocol

import (
	"sync"

	"github.com/zoravur/liveview/pkg/reactive"
)

// Subscription is a client subscription id bound to the view set serving it.
type Subscription struct {
	ID      string
	ViewSet *reactive.ViewSet
}

// Registry holds the subscriptions of one connection.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Add stores sub unless its id is taken, and reports whether it did.
func (r *Registry) Add(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return false
	}
	r.subs[sub.ID] = sub
	return true
}

func (r *Registry) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	return sub, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Drain removes and returns every subscription.
func (r *Registry) Drain() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for id, sub := range r.subs {
		out = append(out, sub)
		delete(r.subs, id)
	}
	return out
}
