package persephone

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/demeter-mobility/demeter/pkg/hermes"
	"github.com/demeter-mobility/demeter/pkg/persephone/gbdt"
)

// BoostedFeatures is the fixed feature vector of the boosted forecaster.
var BoostedFeatures = []string{
	ColHour,
	ColDayOfWeek,
	ColMonth,
	ColIsWeekend,
	ColIsRushHour,
	LagColumn(24),
	LagColumn(168),
}

const logEvery = 100

// BoostConfig controls the boosting loop around a gbdt.Trainer.
type BoostConfig struct {
	Params         gbdt.Params `mapstructure:",squash"`
	MaxRounds      int         `mapstructure:"max_rounds" validate:"gt=0"`
	Patience       int         `mapstructure:"patience" validate:"gt=0"`
	FallbackRounds int         `mapstructure:"fallback_rounds" validate:"gt=0"`
	Target         string      `mapstructure:"target"`
}

func DefaultBoostConfig() BoostConfig {
	return BoostConfig{
		Params:         gbdt.DefaultParams(),
		MaxRounds:      2000,
		Patience:       50,
		FallbackRounds: 500,
		Target:         ColDemand,
	}
}

// TrainingSummary describes the last Train call.
type TrainingSummary struct {
	Rounds       int     `json:"rounds" yaml:"rounds"`
	BestRound    int     `json:"best_round" yaml:"best_round"`
	BestScore    float64 `json:"best_score,omitempty" yaml:"best_score,omitempty"`
	StoppedEarly bool    `json:"stopped_early" yaml:"stopped_early"`
	Validated    bool    `json:"validated" yaml:"validated"`
}

type BoostedOption func(*GradientBoostedForecaster)

func WithLogger(l hermes.Logger) BoostedOption {
	return func(f *GradientBoostedForecaster) {
		f.logger = l
	}
}

func WithMetrics(m hermes.Metrics) BoostedOption {
	return func(f *GradientBoostedForecaster) {
		f.metrics = m
	}
}

// GradientBoostedForecaster regresses demand on calendar and lag features.
type GradientBoostedForecaster struct {
	cfg     BoostConfig
	logger  hermes.Logger
	metrics hermes.Metrics

	booster *gbdt.Booster
	summary TrainingSummary
}

func NewGradientBoostedForecaster(cfg BoostConfig, opts ...BoostedOption) (*GradientBoostedForecaster, error) {
	if cfg.Target == "" {
		cfg.Target = ColDemand
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRounds <= 0 || cfg.Patience <= 0 || cfg.FallbackRounds <= 0 {
		return nil, fmt.Errorf("max_rounds, patience and fallback_rounds must be positive")
	}

	f := &GradientBoostedForecaster{
		cfg:     cfg,
		logger:  hermes.NewNopLogger(),
		metrics: hermes.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *GradientBoostedForecaster) Name() string {
	return "gradient_boosted"
}

// Summary returns details of the most recent training run.
func (f *GradientBoostedForecaster) Summary() TrainingSummary {
	return f.summary
}

// Booster returns the trained ensemble, or nil before training.
func (f *GradientBoostedForecaster) Booster() *gbdt.Booster {
	return f.booster
}

// Train fits the model on train. With a non-empty val it runs up to MaxRounds
// and stops once the validation RMSE has not improved for Patience
// consecutive rounds, keeping the trees up to the best round. Without val it
// runs FallbackRounds rounds.
func (f *GradientBoostedForecaster) Train(ctx context.Context, train Frame, val *Frame) error {
	x, y, err := f.matrix(train, true)
	if err != nil {
		return err
	}
	if len(x) == 0 {
		return ErrEmptyTrainingSet
	}

	data, err := gbdt.NewDataset(x, y, f.cfg.Params.MaxBin)
	if err != nil {
		return err
	}
	trainer, err := gbdt.NewTrainer(f.cfg.Params, data, BoostedFeatures)
	if err != nil {
		return err
	}

	var summary TrainingSummary
	if val == nil || val.Len() == 0 {
		f.logger.Warn(ctx, "no validation rows, training without early stopping", map[string]any{
			"rounds": f.cfg.FallbackRounds,
		})
		summary, err = f.trainFixed(ctx, trainer)
	} else {
		summary, err = f.trainWithValidation(ctx, trainer, *val)
	}
	if err != nil {
		return err
	}

	f.booster = trainer.Booster()
	f.summary = summary

	f.metrics.SetGauge("boosting_rounds", float64(summary.Rounds), hermes.Label{Key: "kind", Value: "run"})
	f.metrics.SetGauge("boosting_rounds", float64(summary.BestRound), hermes.Label{Key: "kind", Value: "best"})
	f.logger.Info(ctx, "training finished", map[string]any{
		"rounds":        summary.Rounds,
		"best_round":    summary.BestRound,
		"best_score":    summary.BestScore,
		"stopped_early": summary.StoppedEarly,
		"train_rows":    len(y),
	})
	return nil
}

func (f *GradientBoostedForecaster) trainFixed(ctx context.Context, trainer *gbdt.Trainer) (TrainingSummary, error) {
	for trainer.Rounds() < f.cfg.FallbackRounds {
		if _, err := trainer.Step(ctx); err != nil {
			return TrainingSummary{}, err
		}
		if trainer.Rounds()%logEvery == 0 {
			f.logger.Debug(ctx, "boosting", map[string]any{
				"round":      trainer.Rounds(),
				"train_rmse": trainer.TrainRMSE(),
			})
		}
	}
	return TrainingSummary{
		Rounds:    trainer.Rounds(),
		BestRound: trainer.Rounds(),
	}, nil
}

type earlyStopping struct {
	bestScore float64
	bestRound int
	since     int
}

// observe records the score of a round and reports whether it improved.
func (s *earlyStopping) observe(round int, score float64) bool {
	if score < s.bestScore {
		s.bestScore = score
		s.bestRound = round
		s.since = 0
		return true
	}
	s.since++
	return false
}

func (f *GradientBoostedForecaster) trainWithValidation(ctx context.Context, trainer *gbdt.Trainer, val Frame) (TrainingSummary, error) {
	vx, vy, err := f.matrix(val, true)
	if err != nil {
		return TrainingSummary{}, err
	}

	// running validation scores, updated tree by tree
	scores := make([]float64, len(vy))
	for i := range scores {
		scores[i] = trainer.Booster().InitScore
	}

	state := earlyStopping{bestScore: math.Inf(1)}
	stopped := false
	for trainer.Rounds() < f.cfg.MaxRounds {
		tree, err := trainer.Step(ctx)
		if err != nil {
			return TrainingSummary{}, err
		}
		for i, row := range vx {
			scores[i] += tree.Predict(row)
		}

		round := trainer.Rounds()
		score := rmse(vy, scores)
		state.observe(round, score)

		if round%logEvery == 0 {
			f.logger.Debug(ctx, "boosting", map[string]any{
				"round":      round,
				"train_rmse": trainer.TrainRMSE(),
				"val_rmse":   score,
			})
		}
		if state.since >= f.cfg.Patience {
			stopped = true
			break
		}
	}

	rounds := trainer.Rounds()
	trainer.Booster().Truncate(state.bestRound)
	return TrainingSummary{
		Rounds:       rounds,
		BestRound:    state.bestRound,
		BestScore:    state.bestScore,
		StoppedEarly: stopped,
		Validated:    true,
	}, nil
}

// Predict scores every row of frame.
func (f *GradientBoostedForecaster) Predict(frame Frame) ([]Prediction, error) {
	if f.booster == nil {
		return nil, ErrUntrainedModel
	}
	x, _, err := f.matrix(frame, false)
	if err != nil {
		return nil, err
	}

	preds := make([]Prediction, len(x))
	for i, row := range x {
		preds[i] = Prediction{
			Time:    frame.Rows[i].Timestamp,
			Value:   f.booster.Predict(row),
			Defined: true,
		}
	}
	return preds, nil
}

// matrix extracts the feature matrix, and the target when withTarget is set.
func (f *GradientBoostedForecaster) matrix(frame Frame, withTarget bool) ([][]float64, []float64, error) {
	required := slices.Clone(BoostedFeatures)
	if withTarget {
		required = append(required, f.cfg.Target)
	}
	if err := frame.Require(required...); err != nil {
		return nil, nil, err
	}

	x := make([][]float64, frame.Len())
	for j, name := range BoostedFeatures {
		col, err := frame.Column(name)
		if err != nil {
			return nil, nil, err
		}
		for i, v := range col {
			if j == 0 {
				x[i] = make([]float64, len(BoostedFeatures))
			}
			x[i][j] = v
		}
	}
	if !withTarget {
		return x, nil, nil
	}
	y, err := frame.Column(f.cfg.Target)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// Save writes the trained booster as JSON.
func (f *GradientBoostedForecaster) Save(w io.Writer) error {
	if f.booster == nil {
		return ErrUntrainedModel
	}
	return f.booster.Save(w)
}

// SaveFile writes the booster to path, creating parent directories.
func (f *GradientBoostedForecaster) SaveFile(path string) error {
	if f.booster == nil {
		return ErrUntrainedModel
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	if err := f.booster.Save(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Load replaces the model state with a booster read from r.
func (f *GradientBoostedForecaster) Load(r io.Reader) error {
	b, err := gbdt.LoadBooster(r)
	if err != nil {
		return err
	}
	if !slices.Equal(b.FeatureNames, BoostedFeatures) {
		return fmt.Errorf("model features %v do not match %v", b.FeatureNames, BoostedFeatures)
	}
	f.booster = b
	f.summary = TrainingSummary{Rounds: b.NumTrees(), BestRound: b.NumTrees()}
	return nil
}

func rmse(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return math.NaN()
	}
	var sum float64
	for i := range truth {
		d := truth[i] - pred[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(truth)))
}
