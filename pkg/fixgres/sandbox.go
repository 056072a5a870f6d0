package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/zoravur/liveview/pkg/prng"
)

// Sandbox is one schema of the shared container. Every pooled connection of
// DB resolves unqualified names in Schema first, then public.
type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
	Seed   int64
	Close  func()
}

// NewSandbox creates a fresh schema for t and drops it when t ends. It skips
// t unless Enabled, and fails it when Boot did not succeed.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if !Enabled() {
		t.Skipf("set %s=1 to run Postgres container tests", EnvVar)
	}
	if bootErr != nil {
		t.Fatalf("fixgres boot failed: %v", bootErr)
	}
	if connString == "" {
		t.Fatalf("fixgres not booted. Call fixgres.Boot(...) in TestMain first.")
	}

	admin, err := sql.Open("pgx", connString)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	dsn := withSearchPath(connString, schema)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}

	sbx := &Sandbox{
		DB:     db,
		DSN:    dsn,
		Schema: schema,
		Seed:   prng.Seed(t, 0),
	}
	sbx.Close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = db.Close()
		_ = admin.Close()
	}
	t.Cleanup(sbx.Close)
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
