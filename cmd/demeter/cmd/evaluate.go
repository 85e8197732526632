package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/demeter-mobility/demeter/pkg/olympus"
	"github.com/demeter-mobility/demeter/pkg/persephone/evaluator"
)

var noValidation bool

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Evaluate the seasonal-naive baseline on the test window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := newPipeline()
		if err != nil {
			return err
		}
		frame, err := p.LoadFrame(ctx)
		if err != nil {
			return err
		}
		result, err := p.RunBaseline(ctx, frame)
		if err != nil {
			return err
		}
		if err := p.Persist(ctx, result, olympus.BaselineRun); err != nil {
			return err
		}
		flushMetrics(cmd, p)
		return printResult(cmd.OutOrStdout(), result)
	},
}

var improvedCmd = &cobra.Command{
	Use:   "improved",
	Short: "Train the gradient boosted model and evaluate it on the test window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := newPipeline()
		if err != nil {
			return err
		}
		p.NoValidation = noValidation

		frame, err := p.LoadFrame(ctx)
		if err != nil {
			return err
		}
		result, model, err := p.RunBoosted(ctx, frame)
		if err != nil {
			return err
		}
		if err := p.Persist(ctx, result, olympus.ImprovedRun); err != nil {
			return err
		}
		if err := p.SaveModel(ctx, model); err != nil {
			return err
		}
		flushMetrics(cmd, p)
		return printResult(cmd.OutOrStdout(), result)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare the persisted baseline and improved results",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		_, err = p.Compare(cmd.Context(), cmd.OutOrStdout())
		return err
	},
}

func printResult(out io.Writer, result *evaluator.EvaluationResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "MODEL\t%s\n", result.Model)
	fmt.Fprintf(w, "ROWS\t%d\n", result.Rows)
	for i, name := range result.Metrics.Names() {
		fmt.Fprintf(w, "%s\t%.4f\n", name, result.Metrics.Values()[i])
	}
	for _, c := range result.Robustness {
		fmt.Fprintf(w, "%s\t%.4f\n", c.Name, float64(c.MAE))
	}
	if t := result.Training; t != nil {
		fmt.Fprintf(w, "ROUNDS\t%d (best %d)\n", t.Rounds, t.BestRound)
	}
	return w.Flush()
}

func init() {
	improvedCmd.Flags().BoolVar(&noValidation, "no-validation", false, "Train without a validation set, for boost.fallback_rounds rounds")
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(improvedCmd)
	rootCmd.AddCommand(compareCmd)
}
