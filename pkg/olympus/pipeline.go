// Package olympus runs the forecasting pipeline: load the hourly series,
// derive features, split by time, fit and score each forecaster, persist the
// results and compare them.
package olympus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/demeter-mobility/demeter/pkg/config"
	"github.com/demeter-mobility/demeter/pkg/hermes"
	"github.com/demeter-mobility/demeter/pkg/persephone"
	"github.com/demeter-mobility/demeter/pkg/persephone/evaluator"
)

// Run names, used for result file names.
const (
	BaselineRun = "baseline"
	ImprovedRun = "improved"
)

// Model labels as they appear in results and the comparison table.
const (
	BaselineLabel = "Seasonal Naive (Baseline)"
	ImprovedLabel = "LightGBM-style GBDT (Improved)"
)

const (
	WorstErrorsFile = "worst_errors.csv"
	ComparisonFile  = "model_comparison.csv"
	ModelFile       = "improved_model.json"
)

var ErrNoResults = errors.New("no evaluation results found")

type Pipeline struct {
	Config     *config.Config
	Logger     hermes.Logger
	Metrics    hermes.Metrics
	Conditions *evaluator.ConditionSet

	// History is used for the redis and local sources. When nil, a store is
	// opened from the configuration for each load.
	History persephone.HistoryStore

	// NoValidation trains the boosted model on the fixed fallback budget.
	NoValidation bool

	now func() time.Time
}

func NewPipeline(cfg *config.Config, logger hermes.Logger, metrics hermes.Metrics) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = hermes.NewNopLogger()
	}
	if metrics == nil {
		metrics = hermes.NewNoopMetrics()
	}
	conds, err := cfg.ConditionSet()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Conditions: conds,
		now:        time.Now,
	}, nil
}

// LoadFrame loads the configured series and derives calendar features.
func (p *Pipeline) LoadFrame(ctx context.Context) (persephone.Frame, error) {
	series, err := p.loadSeries(ctx)
	if err != nil {
		return persephone.Frame{}, err
	}
	if len(series) == 0 {
		return persephone.Frame{}, fmt.Errorf("series from %s source is empty", p.Config.Data.Source)
	}

	frame := persephone.AddCalendarFeatures(persephone.NewFrame(series))
	fields := map[string]any{
		"source": p.Config.Data.Source,
		"rows":   frame.Len(),
		"first":  series[0].Timestamp,
		"last":   series[len(series)-1].Timestamp,
	}
	p.Logger.Info(ctx, "loaded demand series", fields)
	if gaps := frame.Gaps(); gaps > 0 {
		p.Logger.Warn(ctx, "series is not a gap-free hourly sequence, lag features are approximate", map[string]any{
			"gaps": gaps,
		})
	}
	return frame, nil
}

func (p *Pipeline) loadSeries(ctx context.Context) (persephone.Series, error) {
	if p.Config.Data.Source == "csv" {
		return persephone.LoadSeries(p.Config.Data.SeriesPath)
	}

	store := p.History
	if store == nil {
		opened, err := OpenHistoryStore(p.Config)
		if err != nil {
			return nil, err
		}
		defer opened.Close()
		store = opened
	}
	records, err := store.Load(ctx, time.Unix(0, 0).UTC(), p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return persephone.NewSeries(records)
}

// OpenHistoryStore opens the history store selected by data.source.
func OpenHistoryStore(cfg *config.Config) (persephone.HistoryStore, error) {
	switch cfg.Data.Source {
	case "redis":
		store, err := persephone.NewRedisHistoryStore(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "local":
		store, err := persephone.NewLocalHistoryStore(cfg.Data.HistoryDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("source %q has no history store", cfg.Data.Source)
}

func (p *Pipeline) split(ctx context.Context, frame persephone.Frame) (persephone.Partition, error) {
	trainEnd, valEnd, err := p.Config.SplitBounds()
	if err != nil {
		return persephone.Partition{}, err
	}
	part, err := persephone.Split(frame, trainEnd, valEnd)
	if err != nil {
		return persephone.Partition{}, err
	}

	sizes := map[string]int{"train": part.Train.Len(), "val": part.Val.Len(), "test": part.Test.Len()}
	for name, n := range sizes {
		p.Metrics.SetGauge("partition_rows", float64(n), hermes.Label{Key: "partition", Value: name})
	}
	p.Logger.Info(ctx, "split series", map[string]any{
		"train_end": trainEnd,
		"val_end":   valEnd,
		"train":     sizes["train"],
		"val":       sizes["val"],
		"test":      sizes["test"],
	})
	return part, nil
}

func (p *Pipeline) backtester() *evaluator.Backtester {
	b := evaluator.NewBacktester(p.Conditions, p.Config.Evaluation.WorstK)
	b.Target = p.Config.Boost.Target
	return b
}

// RunBaseline scores the seasonal-naive forecaster. It predicts over the
// whole frame and is scored on the test rows that also have the full lag
// history the boosted model needs, so both models share test timestamps.
func (p *Pipeline) RunBaseline(ctx context.Context, frame persephone.Frame) (*evaluator.EvaluationResult, error) {
	model, err := persephone.NewSeasonalNaiveForecaster(p.Config.Naive.Seasonality, p.Config.Boost.Target)
	if err != nil {
		return nil, err
	}
	part, err := p.split(ctx, frame)
	if err != nil {
		return nil, err
	}

	preds, err := model.Predict(frame)
	if err != nil {
		return nil, err
	}

	start := max(part.Train.Len()+part.Val.Len(), slices.Max(persephone.DefaultLags))
	start = min(start, frame.Len())
	test := frame.Tail(frame.Len() - start)

	result, err := p.backtester().Evaluate(BaselineLabel, test, preds[start:])
	if err != nil {
		return nil, err
	}
	p.report(ctx, result)
	return result, nil
}

// RunBoosted adds lag features, splits, trains the boosted forecaster on the
// train partition (validating on val unless NoValidation is set) and scores
// it on test.
func (p *Pipeline) RunBoosted(ctx context.Context, frame persephone.Frame) (*evaluator.EvaluationResult, *persephone.GradientBoostedForecaster, error) {
	lagged, err := persephone.AddLagFeatures(frame, p.Config.Boost.Target, persephone.DefaultLags...)
	if err != nil {
		return nil, nil, err
	}
	p.Logger.Info(ctx, "derived lag features", map[string]any{
		"lags":    persephone.DefaultLags,
		"dropped": frame.Len() - lagged.Len(),
	})

	part, err := p.split(ctx, lagged)
	if err != nil {
		return nil, nil, err
	}

	model, err := persephone.NewGradientBoostedForecaster(p.Config.Boost,
		persephone.WithLogger(p.Logger),
		persephone.WithMetrics(p.Metrics),
	)
	if err != nil {
		return nil, nil, err
	}

	var val *persephone.Frame
	if !p.NoValidation {
		val = &part.Val
	}
	if err := model.Train(ctx, part.Train, val); err != nil {
		return nil, nil, fmt.Errorf("failed to train: %w", err)
	}

	if part.Test.Len() == 0 {
		p.Logger.Warn(ctx, "test partition is empty after lag derivation", nil)
	}
	preds, err := model.Predict(part.Test)
	if err != nil {
		return nil, nil, err
	}
	result, err := p.backtester().Evaluate(ImprovedLabel, part.Test, preds)
	if err != nil {
		return nil, nil, err
	}
	summary := model.Summary()
	result.Training = &summary

	p.report(ctx, result)
	return result, model, nil
}

func (p *Pipeline) report(ctx context.Context, result *evaluator.EvaluationResult) {
	fields := map[string]any{"model": result.Model, "rows": result.Rows}
	for i, name := range result.Metrics.Names() {
		v := result.Metrics.Values()[i]
		fields[name] = v
		p.Metrics.SetGauge("metric", v,
			hermes.Label{Key: "model", Value: result.Model},
			hermes.Label{Key: "name", Value: name},
		)
	}
	for _, c := range result.Robustness {
		fields[c.Name] = float64(c.MAE)
		p.Metrics.SetGauge("condition_mae", float64(c.MAE),
			hermes.Label{Key: "model", Value: result.Model},
			hermes.Label{Key: "condition", Value: c.Name},
		)
	}
	p.Logger.Info(ctx, "evaluation finished", fields)
}

// Persist writes the result of run name, and the worst records of the
// improved run.
func (p *Pipeline) Persist(ctx context.Context, result *evaluator.EvaluationResult, name string) error {
	path := p.Config.ResultPath(name)
	if err := result.Save(path); err != nil {
		return fmt.Errorf("failed to save %s results: %w", name, err)
	}
	p.Logger.Info(ctx, "saved results", map[string]any{"path": path})

	if name != ImprovedRun {
		return nil
	}
	worstPath := filepath.Join(p.Config.Results.Dir, WorstErrorsFile)
	if err := evaluator.WriteWorstErrorsFile(worstPath, result.WorstErrors); err != nil {
		return fmt.Errorf("failed to save worst errors: %w", err)
	}
	p.Logger.Info(ctx, "saved worst errors", map[string]any{"path": worstPath, "count": len(result.WorstErrors)})
	return nil
}

// SaveModel writes the trained booster when results.save_model is set.
func (p *Pipeline) SaveModel(ctx context.Context, model *persephone.GradientBoostedForecaster) error {
	if !p.Config.Results.SaveModel {
		return nil
	}
	path := filepath.Join(p.Config.Results.Dir, ModelFile)
	if err := model.SaveFile(path); err != nil {
		return err
	}
	p.Logger.Info(ctx, "saved model", map[string]any{"path": path, "trees": model.Booster().NumTrees()})
	return nil
}

// Compare loads the persisted baseline and improved results, in that order,
// renders the comparison table to w and writes model_comparison.csv.
func (p *Pipeline) Compare(ctx context.Context, w io.Writer) (*evaluator.ComparisonReport, error) {
	report := evaluator.NewComparisonReport()
	runs := []struct{ name, label string }{
		{BaselineRun, BaselineLabel},
		{ImprovedRun, ImprovedLabel},
	}
	for _, run := range runs {
		result, err := p.loadResult(run.name)
		if errors.Is(err, os.ErrNotExist) {
			p.Logger.Warn(ctx, "no results for run", map[string]any{"run": run.name})
			continue
		}
		if err != nil {
			return nil, err
		}
		report.Add(run.label, result.Metrics)
	}
	if report.Len() == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoResults, p.Config.Results.Dir)
	}

	if err := report.Render(w); err != nil {
		return nil, err
	}
	path := filepath.Join(p.Config.Results.Dir, ComparisonFile)
	if err := report.WriteCSVFile(path); err != nil {
		return nil, fmt.Errorf("failed to save comparison: %w", err)
	}
	p.Logger.Info(ctx, "saved comparison", map[string]any{"path": path, "models": report.Len()})
	return report, nil
}

// loadResult reads run name in the configured format, then in the other one.
func (p *Pipeline) loadResult(name string) (*evaluator.EvaluationResult, error) {
	formats := []string{p.Config.Results.Format, "json", "yaml"}
	for _, format := range formats {
		path := filepath.Join(p.Config.Results.Dir, name+"_metrics."+format)
		result, err := evaluator.LoadEvaluationResult(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return result, err
	}
	return nil, os.ErrNotExist
}

// FlushMetrics writes the run metrics to metrics_file when it is configured
// and the metrics are Prometheus backed.
func (p *Pipeline) FlushMetrics(ctx context.Context) error {
	if p.Config.MetricsFile == "" {
		return nil
	}
	prom, ok := p.Metrics.(*hermes.PrometheusMetrics)
	if !ok {
		return nil
	}
	if err := prom.WriteTextfile(p.Config.MetricsFile); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	p.Logger.Debug(ctx, "wrote metrics file", map[string]any{"path": p.Config.MetricsFile})
	return nil
}
