package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoravur/liveview/internal/app"
	"github.com/zoravur/liveview/internal/config"
	"github.com/zoravur/liveview/pkg/driver/sqldb"
	"github.com/zoravur/liveview/pkg/errors"
)

func newMigrateCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := config.New()
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending goose migrations to the configured Postgres database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MigrationsDir == "" {
				return errors.New(errors.ErrBind, "migrate needs --migrations-dir")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Driver == "memory" {
				return errors.New(errors.ErrBind, "migrate needs a Postgres driver")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			d, err := sqldb.Open(cmd.Context(), cfg.Driver, cfg.DSN, sqldb.WithLogger(log))
			if err != nil {
				return err
			}
			defer d.Close()
			if err := app.Migrate(cmd.Context(), d.DB(), os.DirFS(cfg.MigrationsDir), log); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "migrations in %s applied\n", cfg.MigrationsDir)
			return nil
		},
	}
	cfg.Driver = "pgx"
	cfg.Flags(cmd.Flags())
	return cmd
}
