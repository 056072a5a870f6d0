package main

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/config"
	"github.com/zoravur/liveview/internal/logutil"
)

func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "liveviewd",
		Short: "liveviewd serves SQL views that stay up to date as their tables change.",
		Long: `liveviewd serves SQL views that stay up to date as their tables change.

Clients subscribe to sets of SELECT statements over WebSocket and receive the
initial rows followed by one transaction of inserts, updates and deletes per
relevant commit. Writes go through the HTTP API.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Load(viper.New(), cmd.Flags())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from (TOML, YAML or JSON).")

	rc.AddCommand(newServeCommand(stdout, stderr))
	rc.AddCommand(newMigrateCommand(stdout, stderr))
	rc.AddCommand(newExplainCommand(stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// newLogger builds the process logger from cfg and installs it as the zap
// global.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logutil.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}
