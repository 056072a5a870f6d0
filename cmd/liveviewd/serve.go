package main

import (
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zoravur/liveview/internal/app"
	"github.com/zoravur/liveview/internal/config"
)

func newServeCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := config.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := app.NewServer(ctx, cfg, log)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cfg.Flags(cmd.Flags())
	return cmd
}
