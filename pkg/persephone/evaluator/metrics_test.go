package evaluator

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateMetrics_PerfectForecast(t *testing.T) {
	m, err := CalculateMetrics([]float64{10, 20, 30}, []float64{10, 20, 30})
	require.NoError(t, err)

	assert.Equal(t, Score(0), m.MAE)
	assert.Equal(t, Score(0), m.RMSE)
	assert.Equal(t, Score(0), m.SMAPE)
}

func TestCalculateMetrics_SingleError(t *testing.T) {
	m, err := CalculateMetrics([]float64{10}, []float64{12})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, float64(m.MAE), 1e-9)
	assert.InDelta(t, 2.0, float64(m.RMSE), 1e-9)
	assert.InDelta(t, 100*2*2/22.0, float64(m.SMAPE), 1e-6)
	assert.InDelta(t, 18.18, float64(m.SMAPE), 0.01)
}

func TestCalculateMetrics_ZeroPairContributesZero(t *testing.T) {
	m, err := CalculateMetrics([]float64{0, 10}, []float64{0, 10})
	require.NoError(t, err)
	assert.False(t, m.SMAPE.IsNaN())
	assert.Equal(t, Score(0), m.SMAPE)
}

func TestCalculateMetrics_LengthMismatch(t *testing.T) {
	_, err := CalculateMetrics([]float64{1, 2}, []float64{1})
	require.ErrorIs(t, err, ErrLengthMismatch)

	var lme *LengthMismatchError
	require.ErrorAs(t, err, &lme)
	assert.Equal(t, 2, lme.Truth)
	assert.Equal(t, 1, lme.Predicted)
}

func TestCalculateMetrics_EmptyIsNaN(t *testing.T) {
	m, err := CalculateMetrics(nil, nil)
	require.NoError(t, err)
	assert.True(t, m.MAE.IsNaN())
	assert.True(t, m.RMSE.IsNaN())
	assert.True(t, m.SMAPE.IsNaN())
}

func TestScore_JSON(t *testing.T) {
	m := MetricResult{MAE: 1.5, RMSE: Score(math.NaN()), SMAPE: 3}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"MAE":1.5,"RMSE":null,"sMAPE":3}`, string(data))

	var back MetricResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Score(1.5), back.MAE)
	assert.True(t, back.RMSE.IsNaN())
}
