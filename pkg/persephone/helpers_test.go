package persephone

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// monday 2025-01-06 00:00 UTC
var epoch = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func seriesOf(t *testing.T, n int, demand func(i int) int) Series {
	t.Helper()
	records := make([]DemandRecord, n)
	for i := range records {
		records[i] = DemandRecord{Timestamp: epoch.Add(time.Duration(i) * time.Hour), Demand: demand(i)}
	}
	s, err := NewSeries(records)
	require.NoError(t, err)
	return s
}

func sineDemand(i int) int {
	return int(math.Round(100 + 10*math.Sin(float64(i))))
}
