package persephone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCalendarFeatures(t *testing.T) {
	// two full weeks so every weekday/hour combination is covered
	frame := NewFrame(seriesOf(t, 14*24, sineDemand))
	out := AddCalendarFeatures(frame)

	require.Equal(t, frame.Len(), out.Len())
	for _, c := range CalendarColumns {
		assert.True(t, out.HasColumn(c), c)
	}
	assert.False(t, frame.HasColumn(ColHour), "input frame must not gain columns")

	for _, r := range out.Rows {
		assert.Equal(t, r.Timestamp.Hour(), r.Hour)
		assert.Equal(t, int(r.Timestamp.Month()), r.Month)

		weekend := r.DayOfWeek == 5 || r.DayOfWeek == 6
		assert.Equal(t, weekend, r.IsWeekend == 1)

		if r.IsRushHour == 1 {
			assert.Equal(t, 0, r.IsWeekend)
			inWindow := (r.Hour >= 7 && r.Hour <= 9) || (r.Hour >= 17 && r.Hour <= 19)
			assert.True(t, inWindow)
		}
	}

	// epoch is a Monday
	assert.Equal(t, 0, out.Rows[0].DayOfWeek)
	assert.Equal(t, 6, out.Rows[6*24].DayOfWeek)
	assert.Equal(t, 1, out.Rows[8].IsRushHour)
	assert.Equal(t, 0, out.Rows[5*24+8].IsRushHour, "saturday morning")
	assert.Equal(t, 0, out.Rows[10].IsRushHour)
}

func TestAddLagFeatures(t *testing.T) {
	const n = 400
	frame := AddCalendarFeatures(NewFrame(seriesOf(t, n, func(i int) int { return i })))

	out, err := AddLagFeatures(frame, ColDemand, 24, 168)
	require.NoError(t, err)

	assert.Equal(t, n-168, out.Len())
	assert.True(t, out.Rows[0].Timestamp.Equal(epoch.Add(168*time.Hour)))
	assert.True(t, out.HasColumn("lag_24h"))
	assert.True(t, out.HasColumn("lag_168h"))
	assert.True(t, out.HasColumn(ColHour))

	for _, r := range out.Rows {
		lag24, ok := r.Value(LagColumn(24))
		require.True(t, ok)
		lag168, ok := r.Value(LagColumn(168))
		require.True(t, ok)
		assert.Equal(t, float64(r.Demand-24), lag24)
		assert.Equal(t, float64(r.Demand-168), lag168)
	}

	assert.Nil(t, frame.Rows[200].Lags, "input rows must not be mutated")
}

func TestAddLagFeatures_DefaultsAndErrors(t *testing.T) {
	frame := NewFrame(seriesOf(t, 200, sineDemand))

	out, err := AddLagFeatures(frame, ColDemand)
	require.NoError(t, err)
	assert.Equal(t, 32, out.Len())

	_, err = AddLagFeatures(NewFrame(seriesOf(t, 168, sineDemand)), ColDemand)
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = AddLagFeatures(frame, "trips")
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = AddLagFeatures(frame, ColDemand, 0)
	assert.Error(t, err)
}
