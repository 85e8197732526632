package persephone

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeries_SortsAndValidates(t *testing.T) {
	records := []DemandRecord{
		{Timestamp: epoch.Add(2 * time.Hour), Demand: 3},
		{Timestamp: epoch, Demand: 1},
		{Timestamp: epoch.Add(time.Hour), Demand: 2},
	}
	s, err := NewSeries(records)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int{s[0].Demand, s[1].Demand, s[2].Demand})
	assert.Equal(t, 3, records[0].Demand, "input must not be reordered")

	_, err = NewSeries([]DemandRecord{{Timestamp: epoch, Demand: 1}, {Timestamp: epoch, Demand: 2}})
	assert.ErrorIs(t, err, ErrDuplicateTimestamp)

	_, err = NewSeries([]DemandRecord{{Timestamp: epoch, Demand: -1}})
	assert.ErrorIs(t, err, ErrNegativeDemand)
}

func TestFrame_RequireNamesAllMissingColumns(t *testing.T) {
	frame := NewFrame(seriesOf(t, 3, func(int) int { return 1 }))

	err := frame.Require(ColDemand, ColHour, LagColumn(24))
	require.Error(t, err)

	var mce *MissingColumnError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, []string{ColHour, "lag_24h"}, mce.Columns)
	assert.ErrorIs(t, err, ErrMissingColumn)
	assert.Equal(t, "missing column(s): hour, lag_24h", err.Error())
}

func TestFrame_Gaps(t *testing.T) {
	s := seriesOf(t, 5, func(int) int { return 1 })
	assert.Equal(t, 0, NewFrame(s).Gaps())

	withHole := append(Series{}, s[:2]...)
	withHole = append(withHole, s[3:]...)
	assert.Equal(t, 1, NewFrame(withHole).Gaps())
}

func TestSeries_Between(t *testing.T) {
	s := seriesOf(t, 10, func(i int) int { return i })

	got := s.Between(epoch.Add(2*time.Hour), epoch.Add(4*time.Hour))
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Demand)
	assert.Equal(t, 4, got[2].Demand)

	assert.Empty(t, s.Between(epoch.Add(20*time.Hour), epoch.Add(30*time.Hour)))
}
