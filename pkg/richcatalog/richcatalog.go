// Package richcatalog introspects a PostgreSQL database into a JSON-ready
// model and converts its tables into schema.Table values, so tables created
// by migrations can be registered with a database.Database.
//
// Usage
//
//	rc := richcatalog.New(db, richcatalog.Options{Schemas: []string{"public"}})
//	if err := rc.Refresh(ctx); err != nil { ... }
//	stop := rc.StartAutoRefresh(ctx, 30*time.Second)
//	defer stop()
//	tables, err := rc.Tables("public")
package richcatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
)

type Options struct {
	// Schemas to include. If empty, all non-system schemas are included.
	Schemas []string
	Logger  *zap.Logger
	// OnChange is called by the auto refresh loop after the snapshot
	// changed.
	OnChange func(*DBCatalog)
}

type Snapshot struct {
	Schemas     []Schema          `json:"schemas"`
	byTable     map[string]*Table `json:"-"`
	Checksum    string            `json:"checksum"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind"` // table, view
	Columns []Column `json:"columns"`
	PK      []string `json:"primaryKey,omitempty"`
	Indexes []Index  `json:"indexes,omitempty"`
	FKs     []FK     `json:"foreignKeys,omitempty"`
}

type Column struct {
	Name       string  `json:"name"`
	Ordinal    int     `json:"ordinal"`
	Type       string  `json:"type"`
	NotNull    bool    `json:"notNull"`
	Identity   bool    `json:"identity,omitempty"`
	DefaultSQL *string `json:"defaultSql,omitempty"`
}

type Index struct {
	Name      string   `json:"name"`
	IsUnique  bool     `json:"unique"`
	IsPrimary bool     `json:"primary"`
	Columns   []string `json:"columns"`
}

type FK struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefSchema  string   `json:"refSchema"`
	RefTable   string   `json:"refTable"`
	RefColumns []string `json:"refColumns"`
}

type DBCatalog struct {
	opt Options
	db  *sql.DB
	log *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
	// cond signals a changed snapshot
	cond *sync.Cond
}

func New(db *sql.DB, opt Options) *DBCatalog {
	c := &DBCatalog{db: db, opt: opt, log: opt.Logger}
	if c.log == nil {
		c.log = zap.L()
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Snapshot returns a deep copy of the latest snapshot.
func (c *DBCatalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, _ := json.Marshal(c.snap)
	var out Snapshot
	_ = json.Unmarshal(b, &out)
	return out
}

func (c *DBCatalog) Checksum() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Checksum
}

// Columns lists the columns of a table, qualified or in public.
func (c *DBCatalog) Columns(qualified string) ([]string, bool) {
	t, ok := c.lookupTable(qualified)
	if !ok {
		return nil, false
	}
	cols := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cols[i] = col.Name
	}
	return cols, true
}

func (c *DBCatalog) PrimaryKeys(qualified string) ([]string, bool) {
	t, ok := c.lookupTable(qualified)
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.PK...), true
}

func (c *DBCatalog) lookupTable(qualified string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap.byTable == nil {
		return nil, false
	}
	t, ok := c.snap.byTable[qual(qualified)]
	return t, ok
}

// Refresh introspects the database and swaps the snapshot if it changed.
// It reports whether it did.
func (c *DBCatalog) Refresh(ctx context.Context) (bool, error) {
	next, err := c.introspect(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if next.Checksum == c.snap.Checksum {
		return false, nil
	}
	c.snap = next
	c.cond.Broadcast()
	return true, nil
}

// StartAutoRefresh polls the database every interval until the returned stop
// func is called.
func (c *DBCatalog) StartAutoRefresh(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				changed, err := c.Refresh(ctx)
				if err != nil {
					c.log.Warn("catalog refresh failed", logutil.Values(zap.Error(err)))
					continue
				}
				if changed {
					c.log.Info("catalog changed", logutil.Values(zap.String("checksum", c.Checksum())))
					if c.opt.OnChange != nil {
						c.opt.OnChange(c)
					}
				}
			}
		}
	}()
	return func() { cancel(); wg.Wait() }
}

// WaitUntilRefreshed blocks until the snapshot checksum differs from prev.
func (c *DBCatalog) WaitUntilRefreshed(prev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.snap.Checksum == prev {
		c.cond.Wait()
	}
}

type Summary struct {
	Checksum string   `json:"checksum"`
	Schemas  []string `json:"schemas"`
}

func (c *DBCatalog) Summary() Summary {
	s := c.Snapshot()
	names := make([]string, len(s.Schemas))
	for i := range s.Schemas {
		names[i] = s.Schemas[i].Name
	}
	return Summary{Checksum: s.Checksum, Schemas: names}
}

func qual(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return "public." + s
}
