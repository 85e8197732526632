package evaluator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/demeter-mobility/demeter/pkg/persephone"
)

// weekdayFrame returns n hourly rows starting on a Monday, calendar features only.
func weekdayFrame(t *testing.T, n int) persephone.Frame {
	t.Helper()
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	records := make([]persephone.DemandRecord, n)
	for i := range records {
		records[i] = persephone.DemandRecord{Timestamp: start.Add(time.Duration(i) * time.Hour), Demand: 10}
	}
	s, err := persephone.NewSeries(records)
	require.NoError(t, err)
	return persephone.AddCalendarFeatures(persephone.NewFrame(s))
}

func TestAnalyzeErrorsByConditions_Defaults(t *testing.T) {
	// monday 00:00 .. wednesday 23:00, no weekend rows
	frame := weekdayFrame(t, 72)
	truth := make([]float64, 72)
	pred := make([]float64, 72)
	for i := range truth {
		truth[i] = 10
		pred[i] = 10
		if frame.Rows[i].IsRushHour == 1 {
			pred[i] = 16
		}
	}

	breakdown, worst, err := AnalyzeErrorsByConditions(frame, truth, pred, nil, DefaultWorstK)
	require.NoError(t, err)

	names := make([]string, len(breakdown))
	for i, e := range breakdown {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"overall_mae", "weekend_mae", "weekday_mae", "rush_hour_mae"}, names)

	weekend, ok := breakdown.Get("weekend_mae")
	require.True(t, ok)
	assert.True(t, weekend.IsNaN())

	rush, _ := breakdown.Get("rush_hour_mae")
	assert.InDelta(t, 6.0, float64(rush), 1e-9)
	overall, _ := breakdown.Get(OverallMAE)
	assert.InDelta(t, 6.0*18/72, float64(overall), 1e-9)

	require.Len(t, worst, 10)
	for _, w := range worst {
		assert.Equal(t, 6.0, w.Error)
	}
	// ties keep time order
	for i := 1; i < len(worst); i++ {
		assert.True(t, worst[i].Datetime.After(worst[i-1].Datetime))
	}
	assert.Equal(t, 7, worst[0].Datetime.Hour())
}

func TestAnalyzeErrorsByConditions_WorstSortedDescending(t *testing.T) {
	frame := weekdayFrame(t, 5)
	truth := []float64{10, 10, 10, 10, 10}
	pred := []float64{11, 15, 7, 10, 30}

	_, worst, err := AnalyzeErrorsByConditions(frame, truth, pred, nil, 3)
	require.NoError(t, err)
	require.Len(t, worst, 3)
	assert.Equal(t, []float64{20, 5, 3}, []float64{worst[0].Error, worst[1].Error, worst[2].Error})
	assert.True(t, worst[0].Datetime.Equal(frame.Rows[4].Timestamp))
}

func TestAnalyzeErrorsByConditions_LengthMismatch(t *testing.T) {
	frame := weekdayFrame(t, 3)
	_, _, err := AnalyzeErrorsByConditions(frame, []float64{1, 2, 3}, []float64{1, 2}, nil, 10)
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, _, err = AnalyzeErrorsByConditions(frame, []float64{1}, []float64{1}, nil, 10)
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Contains(t, err.Error(), "frame has 3 rows, truth has 1")
}

func TestAnalyzeErrorsByConditions_MissingCalendarColumns(t *testing.T) {
	// saturday morning, no calendar features derived
	s, err := persephone.NewSeries([]persephone.DemandRecord{
		{Timestamp: time.Date(2025, 1, 11, 8, 0, 0, 0, time.UTC), Demand: 10},
		{Timestamp: time.Date(2025, 1, 11, 9, 0, 0, 0, time.UTC), Demand: 12},
	})
	require.NoError(t, err)
	frame := persephone.NewFrame(s)

	_, _, err = AnalyzeErrorsByConditions(frame, []float64{10, 12}, []float64{7, 8}, nil, 10)
	require.ErrorIs(t, err, persephone.ErrMissingColumn)
	var missing *persephone.MissingColumnError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{persephone.ColIsWeekend, persephone.ColIsRushHour}, missing.Columns)

	custom, err := NewConditionSet([]Condition{{Name: "night_mae", Expr: "hour < 6"}})
	require.NoError(t, err)
	assert.Equal(t, []string{persephone.ColHour}, custom.Columns())
	_, _, err = AnalyzeErrorsByConditions(frame, []float64{10, 12}, []float64{7, 8}, custom, 10)
	assert.ErrorIs(t, err, persephone.ErrMissingColumn)

	demandOnly, err := NewConditionSet([]Condition{{Name: "busy_mae", Expr: "demand > 10"}})
	require.NoError(t, err)
	breakdown, _, err := AnalyzeErrorsByConditions(frame, []float64{10, 12}, []float64{7, 8}, demandOnly, 10)
	require.NoError(t, err)
	busy, ok := breakdown.Get("busy_mae")
	require.True(t, ok)
	assert.InDelta(t, 4.0, float64(busy), 1e-9)
}

func TestNewConditionSet_CustomConditions(t *testing.T) {
	conds, err := NewConditionSet([]Condition{
		{Name: "night_mae", Expr: "hour < 6"},
		{Name: "weekly_spike_mae", Expr: "168 in lags && double(demand) > 2.0 * lags[168]"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"night_mae", "weekly_spike_mae"}, conds.Names())

	frame := weekdayFrame(t, 24)
	truth := make([]float64, 24)
	pred := make([]float64, 24)
	for i := range pred {
		pred[i] = float64(i)
	}
	breakdown, _, err := AnalyzeErrorsByConditions(frame, truth, pred, conds, 5)
	require.NoError(t, err)

	night, _ := breakdown.Get("night_mae")
	assert.InDelta(t, 2.5, float64(night), 1e-9)
	spike, _ := breakdown.Get("weekly_spike_mae")
	assert.True(t, spike.IsNaN())
}

func TestNewConditionSet_Invalid(t *testing.T) {
	_, err := NewConditionSet([]Condition{{Name: "bad", Expr: "hour <"}})
	assert.Error(t, err)

	_, err = NewConditionSet([]Condition{{Name: "not_bool", Expr: "hour + 1"}})
	assert.ErrorContains(t, err, "boolean")

	_, err = NewConditionSet([]Condition{{Name: "unknown", Expr: "temperature > 3"}})
	assert.Error(t, err)

	_, err = NewConditionSet([]Condition{{Name: "overall_mae", Expr: "true"}})
	assert.ErrorContains(t, err, "duplicate")
}

func TestBreakdown_KeepsOrderInJSONAndYAML(t *testing.T) {
	b := Breakdown{
		{Name: "overall_mae", MAE: 3},
		{Name: "weekend_mae", MAE: Score(nan())},
		{Name: "another", MAE: 1.25},
	}

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, `{"overall_mae":3,"weekend_mae":null,"another":1.25}`, string(data))

	var fromJSON Breakdown
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	require.Len(t, fromJSON, 3)
	assert.Equal(t, "another", fromJSON[2].Name)
	assert.True(t, fromJSON[1].MAE.IsNaN())

	out, err := yaml.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, "overall_mae: 3\nweekend_mae: .nan\nanother: 1.25\n", string(out))

	var fromYAML Breakdown
	require.NoError(t, yaml.Unmarshal(out, &fromYAML))
	require.Len(t, fromYAML, 3)
	assert.True(t, fromYAML[1].MAE.IsNaN())
	assert.Equal(t, Score(1.25), fromYAML[2].MAE)
}
