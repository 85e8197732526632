package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/demeter-mobility/demeter/pkg/config"
	"github.com/demeter-mobility/demeter/pkg/hermes"
	"github.com/demeter-mobility/demeter/pkg/olympus"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg     *config.Config
	logger  hermes.Logger
	metrics *hermes.PrometheusMetrics
)

var rootCmd = &cobra.Command{
	Use:   "demeter",
	Short: "Hourly bike-share demand forecasting",
	Long: `Demeter downloads Capital Bikeshare trip archives, aggregates them into an
hourly demand series and compares a seasonal-naive baseline with a gradient
boosted model on a held-out test window.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./demeter.yaml or $HOME/.demeter/demeter.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: auto, json, text (overrides log.format)")
}

// setup loads the configuration and builds the logger and metrics shared by
// every command.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}

	l, err := hermes.NewSlogAdapter(cmd.ErrOrStderr(), loaded.Log.Level, loaded.Log.Format)
	if err != nil {
		return err
	}

	cfg = loaded
	logger = l
	metrics = hermes.NewPrometheusMetrics("demeter")
	return nil
}

func newPipeline() (*olympus.Pipeline, error) {
	return olympus.NewPipeline(cfg, logger, metrics)
}

// flushMetrics writes metrics_file, if configured, after a command ran.
func flushMetrics(cmd *cobra.Command, p *olympus.Pipeline) {
	if err := p.FlushMetrics(cmd.Context()); err != nil {
		logger.Warn(cmd.Context(), "failed to write metrics file", map[string]any{"error": err.Error()})
	}
}
