package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/demeter-mobility/demeter/pkg/olympus"
	"github.com/demeter-mobility/demeter/pkg/persephone"
)

var (
	ingestStart     string
	ingestEnd       string
	ingestQuery     string
	ingestRetention int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Backfill hourly demand from Prometheus into the history store",
	Long: `Runs prometheus.query over [--start, --end] at an hourly step and saves the
result into the history store selected by data.source (redis, or the local
JSON store otherwise). Pipeline commands read it back with data.source set to
redis or local.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start, err := persephone.ParseCutoff(ingestStart)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		end := time.Now().UTC().Truncate(time.Hour)
		if ingestEnd != "" {
			if end, err = persephone.ParseCutoff(ingestEnd); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
		}
		if cfg.Prometheus.Address == "" {
			return fmt.Errorf("prometheus.address is not configured")
		}

		collector, err := persephone.NewPrometheusCollector(cfg.Prometheus.Address)
		if err != nil {
			return err
		}
		storeCfg := *cfg
		if storeCfg.Data.Source != "redis" {
			storeCfg.Data.Source = "local"
		}
		store, err := olympus.OpenHistoryStore(&storeCfg)
		if err != nil {
			return err
		}
		defer store.Close()

		query := cfg.Prometheus.Query
		if ingestQuery != "" {
			query = ingestQuery
		}
		ingestor, err := persephone.NewIngestor(persephone.IngestorConfig{
			Collector: collector,
			Store:     store,
			Query:     query,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		n, err := ingestor.Backfill(ctx, start, end)
		if err != nil {
			return err
		}
		if ingestRetention > 0 {
			if err := store.Prune(ctx, ingestRetention); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "ingested %d hours into the %s store\n", n, storeCfg.Data.Source)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestStart, "start", "", "First hour to ingest (ISO date or datetime)")
	ingestCmd.Flags().StringVar(&ingestEnd, "end", "", "Last hour to ingest (default: the current hour)")
	ingestCmd.Flags().StringVar(&ingestQuery, "query", "", "PromQL query (overrides prometheus.query)")
	ingestCmd.Flags().IntVar(&ingestRetention, "retention-days", 0, "Prune history older than this many days after ingesting (0 keeps everything)")
	_ = ingestCmd.MarkFlagRequired("start")
	rootCmd.AddCommand(ingestCmd)
}
