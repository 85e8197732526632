package persephone

import (
	"context"
	"fmt"
	"time"
)

// Prediction is a point forecast for one row. Defined is false when the
// forecaster had no basis for a value (e.g. not enough history).
type Prediction struct {
	Time    time.Time
	Value   float64
	Defined bool
}

// Forecaster produces one prediction per input row.
type Forecaster interface {
	Name() string
	Predict(frame Frame) ([]Prediction, error)
}

// Trainer is implemented by forecasters with a fitting phase.
// val may be nil, in which case training runs without early stopping.
type Trainer interface {
	Train(ctx context.Context, train Frame, val *Frame) error
}

// Aligned pairs the defined predictions with their ground truth.
type Aligned struct {
	Frame     Frame
	Truth     []float64
	Predicted []float64
	Dropped   int
}

// Align filters out undefined predictions together with their rows and
// returns the remaining truth/prediction pairs in time order.
func Align(frame Frame, preds []Prediction, target string) (Aligned, error) {
	if len(preds) != frame.Len() {
		return Aligned{}, fmt.Errorf("have %d predictions for %d rows", len(preds), frame.Len())
	}
	truth, err := frame.Column(target)
	if err != nil {
		return Aligned{}, err
	}

	out := Aligned{
		Frame:     frame.empty(),
		Truth:     make([]float64, 0, len(preds)),
		Predicted: make([]float64, 0, len(preds)),
	}
	for i, p := range preds {
		if !p.Defined {
			out.Dropped++
			continue
		}
		out.Frame.Rows = append(out.Frame.Rows, frame.Rows[i].clone())
		out.Truth = append(out.Truth, truth[i])
		out.Predicted = append(out.Predicted, p.Value)
	}
	return out, nil
}
