// Package cli implements the stepflow command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/stepflow/internal/config"
	"github.com/randalmurphal/stepflow/internal/logger"
)

// skipConfigAnnotation marks commands that run with default config when the
// config file is missing or invalid.
const skipConfigAnnotation = "stepflow/skip-config"

// app holds the state shared by every command of one root.
type app struct {
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool

	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

// newRootCmd builds the command tree. Each call returns an independent tree.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New(), logger: slog.Default()}

	rootCmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Run multi-step prompt workflows against a streaming engine",
		Long: `stepflow runs catalog workflows: ordered lists of prompt steps executed by an
engine that streams status, results and next-step requests back over a
websocket. Each step receives the previous step's output.

Quick start:
  stepflow serve                              Start the catalog API and reference engine
  stepflow workflows create --name "Blog post" --step "Write a post" --step "Title it"
  stepflow workflows                          List workflows
  stepflow run 1                              Run workflow 1 with live progress`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is .stepflow/config.yaml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress non-essential output")
	pf.BoolVar(&a.jsonOut, "json", false, "output as JSON")
	pf.String("base-url", "", "engine base URL (overrides engine.base_url)")
	pf.String("log-format", "", "log format: text or json (overrides log.format)")
	_ = a.v.BindPFlag("engine.base_url", pf.Lookup("base-url"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))

	rootCmd.AddCommand(newWorkflowsCmd(a))
	rootCmd.AddCommand(newStepsCmd(a))
	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd, a
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, a := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		PrintError(rootCmd.ErrOrStderr(), err, a.verbose)
		return err
	}
	return nil
}

// initConfig reads the config file, .env and STEPFLOW_* variables, then
// builds the logger.
func (a *app) initConfig(cmd *cobra.Command) error {
	config.Configure(a.v, a.cfgFile)

	cfg, err := a.load()
	if err != nil {
		if cmd.Annotations[skipConfigAnnotation] != "true" {
			return err
		}
		cfg = config.Default()
	}
	a.cfg = cfg

	a.logger = logger.New(logger.Options{
		Writer:  cmd.ErrOrStderr(),
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Verbose: a.verbose,
	})
	slog.SetDefault(a.logger)

	if a.verbose && a.v.ConfigFileUsed() != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", a.v.ConfigFileUsed())
	}
	return nil
}

func (a *app) load() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := config.ReadInConfig(a.v); err != nil {
		return nil, err
	}
	return config.Load(a.v)
}
