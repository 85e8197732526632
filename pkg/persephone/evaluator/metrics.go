package evaluator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrLengthMismatch indicates truth and prediction slices differ in length.
var ErrLengthMismatch = errors.New("length mismatch")

type LengthMismatchError struct {
	Truth     int
	Predicted int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("length mismatch: %d true values, %d predictions", e.Truth, e.Predicted)
}

func (e *LengthMismatchError) Unwrap() error {
	return ErrLengthMismatch
}

// smapeEpsilon keeps the sMAPE denominator away from zero.
const smapeEpsilon = 1e-8

// Score is a metric value. NaN and infinities encode as JSON null so an
// empty group survives a round trip.
type Score float64

func (s Score) IsNaN() bool {
	return math.IsNaN(float64(s))
}

func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (s *Score) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Score(math.NaN())
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid score %s: %w", data, err)
	}
	*s = Score(f)
	return nil
}

// MetricResult holds the point-forecast error metrics of one run.
type MetricResult struct {
	MAE   Score `json:"MAE" yaml:"MAE"`
	RMSE  Score `json:"RMSE" yaml:"RMSE"`
	SMAPE Score `json:"sMAPE" yaml:"sMAPE"`
}

// Names lists the metrics in report order.
func (m MetricResult) Names() []string {
	return []string{"MAE", "RMSE", "sMAPE"}
}

// Values returns the metrics in the order of Names.
func (m MetricResult) Values() []float64 {
	return []float64{float64(m.MAE), float64(m.RMSE), float64(m.SMAPE)}
}

// CalculateMetrics computes MAE, RMSE and sMAPE (in percent). Inputs must be
// aligned and of equal length; empty input yields NaN for every metric.
func CalculateMetrics(truth, predicted []float64) (MetricResult, error) {
	if len(truth) != len(predicted) {
		return MetricResult{}, &LengthMismatchError{Truth: len(truth), Predicted: len(predicted)}
	}
	if len(truth) == 0 {
		nan := Score(math.NaN())
		return MetricResult{MAE: nan, RMSE: nan, SMAPE: nan}, nil
	}

	var sumAbs, sumSq, sumPct float64
	for i := range truth {
		diff := predicted[i] - truth[i]
		abs := math.Abs(diff)

		sumAbs += abs
		sumSq += diff * diff
		sumPct += 2 * abs / (math.Abs(truth[i]) + math.Abs(predicted[i]) + smapeEpsilon)
	}

	n := float64(len(truth))
	return MetricResult{
		MAE:   Score(sumAbs / n),
		RMSE:  Score(math.Sqrt(sumSq / n)),
		SMAPE: Score(100 * sumPct / n),
	}, nil
}

// meanAbsolute averages |errs[i]| over the selected indices, NaN when none are selected.
func meanAbsolute(errs []float64, idx []int) Score {
	if len(idx) == 0 {
		return Score(math.NaN())
	}
	var sum float64
	for _, i := range idx {
		sum += errs[i]
	}
	return Score(sum / float64(len(idx)))
}
