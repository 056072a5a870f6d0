package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/liveview/internal/api"
	"github.com/zoravur/liveview/internal/config"
	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/internal/metrics"
	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/driver/memdb"
	"github.com/zoravur/liveview/pkg/driver/sqldb"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/reactive"
	"github.com/zoravur/liveview/pkg/richcatalog"
)

const (
	shutdownTimeout   = 5 * time.Second
	catalogInterval   = 30 * time.Second
	orphanSweepPeriod = time.Minute
)

type Server struct {
	httpServer *http.Server
	Registry   *reactive.Registry
	DB         *database.Database

	cfg     *config.Config
	log     *zap.Logger
	catalog *richcatalog.DBCatalog
}

// NewServer opens the configured storage, prepares its catalog and builds
// the HTTP server. Postgres storage is migrated and introspected before the
// schema file is applied.
func NewServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var observer database.Observer = database.NopObserver{}
	var metricsHandler http.Handler
	var forget func(string)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		obs := metrics.New(reg)
		observer, metricsHandler, forget = obs, obs.Handler(), obs.Forget
	}

	s := &Server{Registry: reactive.NewRegistry(), cfg: cfg, log: log}

	var driver database.Driver
	var sqlDriver *sqldb.Driver
	if cfg.Driver == "memory" {
		driver = memdb.New(memdb.WithLogger(log))
	} else {
		d, err := sqldb.Open(ctx, cfg.Driver, cfg.DSN, sqldb.WithLogger(log))
		if err != nil {
			return nil, err
		}
		driver, sqlDriver = d, d
	}
	s.DB = database.New(driver, database.WithLogger(log), database.WithObserver(observer))

	if sqlDriver != nil && cfg.Driver != "mysql" {
		if err := s.preparePostgres(ctx, sqlDriver); err != nil {
			_ = s.DB.Close()
			return nil, err
		}
	}
	if cfg.SchemaFile != "" {
		if err := ApplySchemaFile(ctx, s.DB, cfg.SchemaFile, log); err != nil {
			_ = s.DB.Close()
			return nil, err
		}
	}

	s.httpServer = &http.Server{
		Addr: cfg.Listen,
		Handler: api.SetupRoutes(api.Deps{
			DB:        s.DB,
			ViewSets:  s.Registry,
			Metrics:   metricsHandler,
			OnDispose: forget,
			Log:       log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) preparePostgres(ctx context.Context, d *sqldb.Driver) error {
	if s.cfg.MigrationsDir != "" {
		if err := Migrate(ctx, d.DB(), os.DirFS(s.cfg.MigrationsDir), s.log); err != nil {
			return err
		}
	}
	s.catalog = richcatalog.New(d.DB(), richcatalog.Options{
		Schemas: []string{s.cfg.CatalogSchema},
		Logger:  s.log,
		OnChange: func(rc *richcatalog.DBCatalog) {
			if n, err := AdoptTables(rc, s.DB, s.cfg.CatalogSchema); err != nil {
				s.log.Warn("adopting tables failed", zap.Error(err))
			} else {
				s.log.Info("catalog reloaded", logutil.Values(zap.Int("tables", n)))
			}
		},
	})
	if _, err := s.catalog.Refresh(ctx); err != nil {
		return errors.Wrap(err, "loading catalog")
	}
	n, err := AdoptTables(s.catalog, s.DB, s.cfg.CatalogSchema)
	if err != nil {
		return err
	}
	s.log.Info("catalog loaded",
		logutil.Values(
			zap.String("schema", s.cfg.CatalogSchema),
			zap.Int("tables", n),
			zap.String("checksum", s.catalog.Checksum()),
		))
	return nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves HTTP until ctx is done, then shuts down gracefully and disposes
// the remaining view sets.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "HTTP server")
		}
		return nil
	})

	if s.catalog != nil {
		stop := s.catalog.StartAutoRefresh(ctx, catalogInterval)
		g.Go(func() error {
			<-ctx.Done()
			stop()
			return nil
		})
	}

	g.Go(func() error {
		t := time.NewTicker(orphanSweepPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if n := s.Registry.CleanupOrphans(); n > 0 {
					s.log.Debug("removed disposed view sets", zap.Int("count", n))
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(sctx)
	})

	err := g.Wait()
	for _, vs := range s.Registry.Snapshot() {
		vs.Dispose()
		s.Registry.Unregister(vs.ID())
	}
	if cerr := s.DB.Close(); err == nil {
		err = cerr
	}
	return err
}
