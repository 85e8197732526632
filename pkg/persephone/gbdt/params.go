// Package gbdt is a small histogram-based gradient boosted decision tree
// learner for squared-error regression. Trees grow leaf-wise up to NumLeaves,
// with per-tree feature sub-sampling and periodic row bagging, all driven by a
// single seeded generator so a fixed Seed reproduces the same model.
//
// The package only knows how to run one boosting round at a time (Trainer.Step).
// Stopping policy, validation scoring and model selection belong to the caller.
package gbdt

import (
	"fmt"
	"runtime"
)

// Params configures tree growth and sampling.
type Params struct {
	LearningRate    float64 `json:"learning_rate" mapstructure:"learning_rate"`
	NumLeaves       int     `json:"num_leaves" mapstructure:"num_leaves"`
	MaxBin          int     `json:"max_bin" mapstructure:"max_bin"`
	MinDataInLeaf   int     `json:"min_data_in_leaf" mapstructure:"min_data_in_leaf"`
	MinSumHessian   float64 `json:"min_sum_hessian" mapstructure:"min_sum_hessian"`
	Lambda          float64 `json:"lambda" mapstructure:"lambda"`
	FeatureFraction float64 `json:"feature_fraction" mapstructure:"feature_fraction"`
	BaggingFraction float64 `json:"bagging_fraction" mapstructure:"bagging_fraction"`
	BaggingFreq     int     `json:"bagging_freq" mapstructure:"bagging_freq"`
	Seed            uint64  `json:"seed" mapstructure:"seed"`

	// Workers bounds the goroutines used for split search; 0 means GOMAXPROCS
	Workers int `json:"-" mapstructure:"workers"`
}

// DefaultParams mirrors a typical LightGBM regression setup.
func DefaultParams() Params {
	return Params{
		LearningRate:    0.05,
		NumLeaves:       31,
		MaxBin:          255,
		MinDataInLeaf:   20,
		MinSumHessian:   1e-3,
		Lambda:          0,
		FeatureFraction: 0.8,
		BaggingFraction: 0.8,
		BaggingFreq:     5,
		Seed:            42,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %g", p.LearningRate)
	case p.NumLeaves < 2:
		return fmt.Errorf("num_leaves must be at least 2, got %d", p.NumLeaves)
	case p.MaxBin < 2 || p.MaxBin > 65535:
		return fmt.Errorf("max_bin must be in [2, 65535], got %d", p.MaxBin)
	case p.MinDataInLeaf < 1:
		return fmt.Errorf("min_data_in_leaf must be at least 1, got %d", p.MinDataInLeaf)
	case p.Lambda < 0:
		return fmt.Errorf("lambda must be non-negative, got %g", p.Lambda)
	case p.FeatureFraction <= 0 || p.FeatureFraction > 1:
		return fmt.Errorf("feature_fraction must be in (0, 1], got %g", p.FeatureFraction)
	case p.BaggingFraction <= 0 || p.BaggingFraction > 1:
		return fmt.Errorf("bagging_fraction must be in (0, 1], got %g", p.BaggingFraction)
	case p.BaggingFreq < 0:
		return fmt.Errorf("bagging_freq must be non-negative, got %d", p.BaggingFreq)
	}
	return nil
}

func (p Params) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.GOMAXPROCS(0)
}
