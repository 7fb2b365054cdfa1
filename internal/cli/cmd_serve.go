package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/stepflow/internal/api"
	"github.com/randalmurphal/stepflow/internal/config"
	"github.com/randalmurphal/stepflow/internal/db"
	"github.com/randalmurphal/stepflow/internal/engine"
	"github.com/randalmurphal/stepflow/internal/metrics"
)

// newServeCmd creates the serve command for the catalog API and engine.
func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the catalog API and reference engine",
		Long: `Start the stepflow server.

The server provides:
  • The workflow catalog REST API under /api/workflows
  • The run stream at /api/workflows/{id}/run (websocket)
  • Prometheus metrics at /metrics

Steps are executed by the configured executor: "echo" returns each prompt
(with the previous output appended), "anthropic" sends it to the Messages API
and needs ANTHROPIC_API_KEY.

Example:
  stepflow serve                   # 127.0.0.1:8000, sqlite stepflow.db
  stepflow serve --port 9000 --dsn /tmp/flows.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg

			if cfg.Executor.Kind == "anthropic" && !config.AnthropicKeyPresent() {
				a.logger.Warn("ANTHROPIC_API_KEY is not set; anthropic steps will fail")
			}

			store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			exec, err := engine.NewExecutor(cfg.Executor, a.logger)
			if err != nil {
				return err
			}
			eng := engine.New(store,
				engine.WithExecutor(exec),
				engine.WithLogger(a.logger),
			)

			server := api.New(api.Config{
				Addr:   cfg.Server.Addr(),
				Store:  store,
				Engine: eng,
				Logger: a.logger,
			})

			metrics.BuildInfo.WithLabelValues(Version, Commit, BuildDate).Set(1)

			if !a.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (%s executor, %s)\n", cfg.Server.Addr(), exec.Name(), cfg.Database.Driver)
				fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
			}
			return server.StartContext(ctx)
		},
	}

	cmd.Flags().String("host", "", "host to bind (overrides server.host)")
	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().String("driver", "", "database driver: sqlite or postgres (overrides database.driver)")
	cmd.Flags().String("dsn", "", "database DSN (overrides database.dsn)")
	cmd.Flags().String("executor", "", "step executor: echo or anthropic (overrides executor.kind)")
	_ = a.v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = a.v.BindPFlag("database.driver", cmd.Flags().Lookup("driver"))
	_ = a.v.BindPFlag("database.dsn", cmd.Flags().Lookup("dsn"))
	_ = a.v.BindPFlag("executor.kind", cmd.Flags().Lookup("executor"))

	return cmd
}
