package persephone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockCollector struct {
	calls [][2]time.Time
	err   error
}

// QueryRange returns one record per step in the window.
func (m *MockCollector) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]DemandRecord, error) {
	m.calls = append(m.calls, [2]time.Time{start, end})
	if m.err != nil {
		return nil, m.err
	}
	var out []DemandRecord
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		out = append(out, DemandRecord{Timestamp: ts, Demand: ts.Hour()})
	}
	return out, nil
}

type MockStore struct {
	saved []DemandRecord
}

func (m *MockStore) Save(ctx context.Context, records []DemandRecord) error {
	m.saved = append(m.saved, records...)
	return nil
}

func (m *MockStore) Load(ctx context.Context, start, end time.Time) ([]DemandRecord, error) {
	return m.saved, nil
}

func (m *MockStore) QueryRecent(ctx context.Context, count int) ([]DemandRecord, error) {
	return nil, nil
}

func (m *MockStore) Prune(ctx context.Context, retentionDays int) error {
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

func TestIngestor_Backfill(t *testing.T) {
	collector := &MockCollector{}
	store := &MockStore{}

	ingestor, err := NewIngestor(IngestorConfig{
		Collector: collector,
		Store:     store,
		Chunk:     24 * time.Hour,
	})
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(71 * time.Hour)
	n, err := ingestor.Backfill(context.Background(), start, end)
	require.NoError(t, err)

	assert.Equal(t, 72, n)
	assert.Len(t, store.saved, 72)
	require.Len(t, collector.calls, 3)

	// chunks do not overlap
	for i := 1; i < len(collector.calls); i++ {
		assert.True(t, collector.calls[i][0].After(collector.calls[i-1][1]))
	}
	series, err := NewSeries(store.saved)
	require.NoError(t, err)
	assert.Len(t, series, 72)
}

func TestIngestor_BackfillError(t *testing.T) {
	collector := &MockCollector{err: errors.New("prometheus unavailable")}
	ingestor, err := NewIngestor(IngestorConfig{
		Collector: collector,
		Store:     &MockStore{},
	})
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = ingestor.Backfill(context.Background(), start, start.Add(time.Hour))
	assert.ErrorContains(t, err, "failed to collect demand")
}

func TestIngestor_InvalidRange(t *testing.T) {
	ingestor, err := NewIngestor(IngestorConfig{
		Collector: &MockCollector{},
		Store:     &MockStore{},
	})
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = ingestor.Backfill(context.Background(), start, start)
	assert.Error(t, err)
}

func TestNewIngestor_RequiresDependencies(t *testing.T) {
	_, err := NewIngestor(IngestorConfig{Store: &MockStore{}})
	assert.Error(t, err)

	_, err = NewIngestor(IngestorConfig{Collector: &MockCollector{}})
	assert.Error(t, err)
}
