package persephone

import (
	"context"
	"fmt"
)

// DefaultSeasonality is one week of hourly rows.
const DefaultSeasonality = 168

// SeasonalNaiveForecaster predicts y(t) = y(t - seasonality), in rows.
type SeasonalNaiveForecaster struct {
	seasonality int
	target      string
}

// NewSeasonalNaiveForecaster creates the baseline. An empty target means demand.
func NewSeasonalNaiveForecaster(seasonality int, target string) (*SeasonalNaiveForecaster, error) {
	if seasonality <= 0 {
		return nil, fmt.Errorf("seasonality must be positive, got %d", seasonality)
	}
	if target == "" {
		target = ColDemand
	}
	return &SeasonalNaiveForecaster{
		seasonality: seasonality,
		target:      target,
	}, nil
}

func (f *SeasonalNaiveForecaster) Name() string {
	return "seasonal_naive"
}

// Seasonality returns the period in rows.
func (f *SeasonalNaiveForecaster) Seasonality() int {
	return f.seasonality
}

// Train is a no-op; the baseline has nothing to fit.
func (f *SeasonalNaiveForecaster) Train(ctx context.Context, train Frame, val *Frame) error {
	return nil
}

// Predict returns the target value exactly seasonality rows earlier. The
// first seasonality rows are undefined.
func (f *SeasonalNaiveForecaster) Predict(frame Frame) ([]Prediction, error) {
	values, err := frame.Column(f.target)
	if err != nil {
		return nil, err
	}

	preds := make([]Prediction, frame.Len())
	for i, row := range frame.Rows {
		preds[i].Time = row.Timestamp
		if i >= f.seasonality {
			preds[i].Value = values[i-f.seasonality]
			preds[i].Defined = true
		}
	}
	return preds, nil
}
