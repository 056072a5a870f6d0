package schema

import (
	"sort"
	"strings"
	"sync"
)

// Catalog is a goroutine-safe set of tables keyed by case-insensitive name.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewCatalog(tables ...*Table) *Catalog {
	c := &Catalog{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		c.tables[strings.ToLower(t.Name)] = t
	}
	return c
}

// Put adds t, replacing any table of the same name.
func (c *Catalog) Put(t *Table) {
	c.mu.Lock()
	c.tables[strings.ToLower(t.Name)] = t
	c.mu.Unlock()
}

func (c *Catalog) Remove(name string) {
	c.mu.Lock()
	delete(c.tables, strings.ToLower(name))
	c.mu.Unlock()
}

func (c *Catalog) Table(name string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[strings.ToLower(name)]
	return t, ok
}

// Tables returns every table sorted by name.
func (c *Catalog) Tables() []*Table {
	c.mu.RLock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}
