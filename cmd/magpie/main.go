package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/config"
	"github.com/magpielab/magpie/internal/telemetry"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "magpie",
	Short: "magpie - evidence research pipeline",
	Long: `Magpie turns a research question into a compiled evidence report:
it fans the question out to OpenAlex, Semantic Scholar, arXiv, and
PubMed, dedupes and scores what comes back, extracts structured study
results, and compiles a cited brief. Stages run as queued jobs, so a
search survives restarts and replays idempotently.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isNoSetupCommand(cmd) {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg.Log, verbose)
		if err != nil {
			return err
		}
		if err := telemetry.Init(cmd.Context(), "magpie", Version); err != nil {
			logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// isNoSetupCommand reports whether cmd runs without config, logging,
// or telemetry.
func isNoSetupCommand(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	return cmd.Name() == "completion" || (cmd.Parent() != nil && cmd.Parent().Name() == "completion")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: magpie.yaml in CWD or $HOME)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
