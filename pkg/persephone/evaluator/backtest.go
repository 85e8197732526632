package evaluator

import (
	"fmt"

	"github.com/demeter-mobility/demeter/pkg/persephone"
)

// Backtester scores a forecaster's predictions against held-out truth.
type Backtester struct {
	Target     string
	Conditions *ConditionSet
	WorstK     int
}

// NewBacktester uses the default conditions and DefaultWorstK when conds is nil
// and k is not positive.
func NewBacktester(conds *ConditionSet, k int) *Backtester {
	if conds == nil {
		conds = MustDefaultConditionSet()
	}
	if k <= 0 {
		k = DefaultWorstK
	}
	return &Backtester{
		Target:     persephone.ColDemand,
		Conditions: conds,
		WorstK:     k,
	}
}

// Evaluate drops undefined predictions with their rows, then computes the
// metrics, the conditioned breakdown and the worst records.
func (b *Backtester) Evaluate(model string, frame persephone.Frame, preds []persephone.Prediction) (*EvaluationResult, error) {
	aligned, err := persephone.Align(frame, preds, b.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to align predictions: %w", err)
	}
	return b.EvaluateAligned(model, aligned)
}

// EvaluateAligned scores already aligned truth/prediction pairs.
func (b *Backtester) EvaluateAligned(model string, aligned persephone.Aligned) (*EvaluationResult, error) {
	metrics, err := CalculateMetrics(aligned.Truth, aligned.Predicted)
	if err != nil {
		return nil, err
	}
	breakdown, worst, err := AnalyzeErrorsByConditions(aligned.Frame, aligned.Truth, aligned.Predicted, b.Conditions, b.WorstK)
	if err != nil {
		return nil, err
	}

	result := NewEvaluationResult(model)
	result.Metrics = metrics
	result.Robustness = breakdown
	result.WorstErrors = worst
	result.Rows = len(aligned.Truth)
	return result, nil
}
