package persephone

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestTripAggregator_AggregateDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "202401-capitalbikeshare-tripdata.csv", strings.Join([]string{
		"ride_id,rideable_type,started_at,ended_at",
		"a,classic,2024-01-01 00:05:00,2024-01-01 00:20:00",
		"b,classic,2024-01-01 00:55:59,2024-01-01 01:20:00",
		"c,electric,2024-01-01 03:10:00.123,2024-01-01 03:30:00",
		"d,electric,not a time,2024-01-01 03:30:00",
	}, "\n"))
	writeFile(t, dir, "2023-legacy.csv", strings.Join([]string{
		"duration,start_time,end_time",
		"600,2024-01-01 01:00:00,2024-01-01 01:10:00",
	}, "\n"))
	writeFile(t, dir, "stations.csv", "station_id,name\n1,Main St\n")
	writeFile(t, dir, "readme.txt", "ignored")

	series, err := NewTripAggregator(nil).AggregateDir(context.Background(), dir)
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Len(t, series, 4)
	assert.Equal(t, DemandRecord{Timestamp: start, Demand: 2}, series[0])
	assert.Equal(t, DemandRecord{Timestamp: start.Add(time.Hour), Demand: 1}, series[1])
	assert.Equal(t, DemandRecord{Timestamp: start.Add(2 * time.Hour), Demand: 0}, series[2])
	assert.Equal(t, DemandRecord{Timestamp: start.Add(3 * time.Hour), Demand: 1}, series[3])
}

func TestTripAggregator_NoTrips(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "stations.csv", "station_id,name\n1,Main St\n")

	_, err := NewTripAggregator(nil).AggregateDir(context.Background(), dir)
	assert.Error(t, err)

	_, err = NewTripAggregator(nil).AggregateDir(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestSeriesCSVRoundTrip(t *testing.T) {
	series := seriesOf(t, 5, func(i int) int { return i * 3 })

	var buf bytes.Buffer
	require.NoError(t, WriteSeries(&buf, series))
	assert.True(t, strings.HasPrefix(buf.String(), "datetime,demand\n2025-01-06 00:00:00,0\n"))

	got, err := ReadSeries(&buf)
	require.NoError(t, err)
	assert.Equal(t, series, got)
}

func TestLoadSeries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data", "hourly_demand.csv")
	series := seriesOf(t, 3, func(i int) int { return i })
	require.NoError(t, WriteSeriesFile(path, series))

	got, err := LoadSeries(path)
	require.NoError(t, err)
	assert.Equal(t, series, got)

	bad := writeFile(t, dir, "bad.csv", "datetime,trips\n2025-01-01 00:00:00,1\n")
	_, err = LoadSeries(bad)
	assert.ErrorIs(t, err, ErrMissingColumn)

	neg := writeFile(t, dir, "neg.csv", "datetime,demand\n2025-01-01 00:00:00,-4\n")
	_, err = LoadSeries(neg)
	assert.ErrorIs(t, err, ErrNegativeDemand)
}
