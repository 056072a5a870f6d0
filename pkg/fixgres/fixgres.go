// Package fixgres boots one throwaway Postgres container per test binary and
// hands out schema-isolated sandboxes on it. Tests using it run only when
// LIVEVIEW_PG_TESTS=1, since they need a Docker daemon.
package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// EnvVar enables the container-backed tests.
const EnvVar = "LIVEVIEW_PG_TESTS"

type config struct {
	image    string
	dbName   string
	user     string
	password string
	gooseUp  bool
	gooseFS  fs.FS
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithGooseUp applies the goose migrations found in migFS to the public
// schema once the container is up.
func WithGooseUp(migFS fs.FS) Option {
	return func(c *config) {
		c.gooseUp = true
		c.gooseFS = migFS
	}
}

// Enabled reports whether container-backed tests should run.
func Enabled() bool { return os.Getenv(EnvVar) == "1" }

var (
	once       sync.Once
	bootErr    error
	mu         sync.Mutex
	pg         *postgres.PostgresContainer
	connString string
)

// Boot starts the container on first use; later calls return the first
// result. It is meant for TestMain and does nothing unless Enabled.
func Boot(ctx context.Context, opts ...Option) error {
	if !Enabled() {
		return nil
	}
	once.Do(func() {
		c := &config{
			image:    "docker.io/postgres:16-alpine",
			dbName:   "app",
			user:     "postgres",
			password: "pass",
		}
		for _, o := range opts {
			o(c)
		}
		bootErr = boot(ctx, c)
	})
	return bootErr
}

func boot(ctx context.Context, c *config) error {
	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	pg = container
	mu.Unlock()

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return err
	}
	connString = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName,
	)

	if !c.gooseUp {
		return nil
	}
	if c.gooseFS == nil {
		return fmt.Errorf("WithGooseUp requires a non-nil fs.FS")
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return err
	}
	defer db.Close()
	return Migrate(ctx, db, c.gooseFS)
}

// Migrate applies every goose migration of migFS to db.
func Migrate(ctx context.Context, db *sql.DB, migFS fs.FS) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migFS)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// ShutdownNow terminates the container, if one was started.
func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pg.Terminate(ctx)
	pg = nil
	return err
}
