package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/demeter-mobility/demeter/pkg/persephone"
)

var (
	aggregateInput  string
	aggregateOutput string
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate raw trip CSV files into an hourly demand series",
	RunE: func(cmd *cobra.Command, args []string) error {
		input := cfg.Data.RawDir
		if aggregateInput != "" {
			input = aggregateInput
		}
		output := cfg.Data.SeriesPath
		if aggregateOutput != "" {
			output = aggregateOutput
		}

		series, err := persephone.NewTripAggregator(logger).AggregateDir(cmd.Context(), input)
		if err != nil {
			return err
		}
		if err := persephone.WriteSeriesFile(output, series); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d hours (%s to %s) to %s\n",
			len(series),
			series[0].Timestamp.Format("2006-01-02 15:04"),
			series[len(series)-1].Timestamp.Format("2006-01-02 15:04"),
			output,
		)
		return nil
	},
}

func init() {
	aggregateCmd.Flags().StringVar(&aggregateInput, "input", "", "Directory of trip CSV files (overrides data.raw_dir)")
	aggregateCmd.Flags().StringVarP(&aggregateOutput, "output", "o", "", "Series file to write (overrides data.series_path)")
	rootCmd.AddCommand(aggregateCmd)
}
