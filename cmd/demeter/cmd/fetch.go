package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/demeter-mobility/demeter/pkg/config"
	"github.com/demeter-mobility/demeter/pkg/erebus"
)

var fetchYears []int

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and extract the monthly trip archives",
	Long: `Downloads one YYYYMM-capitalbikeshare-tripdata.zip archive per month of the
configured years into data.cache_dir and extracts their CSV files into
data.raw_dir. Archives already in the cache are not downloaded again; missing,
corrupt or failed months are reported and skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		source, err := newArchiveSource(ctx, cfg)
		if err != nil {
			return err
		}
		cache, err := erebus.NewLocalStore(cfg.Data.CacheDir)
		if err != nil {
			return err
		}
		fetcher, err := erebus.NewFetcher(erebus.FetcherConfig{
			Source:      source,
			Cache:       cache,
			RawDir:      cfg.Data.RawDir,
			Concurrency: cfg.Fetch.Concurrency,
			RatePerSec:  cfg.Fetch.RatePerSec,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			return err
		}

		years := cfg.Data.Years
		if len(fetchYears) > 0 {
			years = fetchYears
		}
		result, err := fetcher.FetchAll(ctx, years)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "downloaded: %d\n", len(result.Downloaded))
		fmt.Fprintf(out, "cached:     %d\n", len(result.Cached))
		fmt.Fprintf(out, "missing:    %d\n", len(result.Missing))
		fmt.Fprintf(out, "corrupt:    %d\n", len(result.Corrupt))
		fmt.Fprintf(out, "failed:     %d\n", len(result.Failed))
		fmt.Fprintf(out, "csv files:  %d\n", len(result.Extracted))

		p, err := newPipeline()
		if err != nil {
			return err
		}
		flushMetrics(cmd, p)
		return nil
	},
}

func newArchiveSource(ctx context.Context, c *config.Config) (erebus.Store, error) {
	switch c.Fetch.Backend {
	case "s3":
		store, err := erebus.NewS3Store(ctx, erebus.S3Config{
			Bucket:   c.Fetch.Bucket,
			Region:   c.Fetch.Region,
			Endpoint: c.Fetch.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "http":
		store, err := erebus.NewHTTPStore(c.Fetch.BaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown fetch backend %q", c.Fetch.Backend)
}

func init() {
	fetchCmd.Flags().IntSliceVar(&fetchYears, "years", nil, "Years to fetch (overrides data.years)")
	rootCmd.AddCommand(fetchCmd)
}
