package persephone

import (
	"context"
	"fmt"
	"time"

	"github.com/demeter-mobility/demeter/pkg/hermes"
)

const DefaultDemandQuery = "sum(increase(bikeshare_trips_started_total[1h]))"

// Ingestor copies demand from a MetricsCollector into a HistoryStore.
type Ingestor struct {
	collector MetricsCollector
	store     HistoryStore
	query     string
	step      time.Duration
	chunk     time.Duration
	logger    hermes.Logger
}

type IngestorConfig struct {
	Collector MetricsCollector
	Store     HistoryStore
	Query     string
	Step      time.Duration // resolution of the query, one hour by default
	Chunk     time.Duration // window per query, 7 days by default
	Logger    hermes.Logger
}

func NewIngestor(config IngestorConfig) (*Ingestor, error) {
	if config.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Query == "" {
		config.Query = DefaultDemandQuery
	}
	if config.Step <= 0 {
		config.Step = time.Hour
	}
	if config.Chunk <= 0 {
		config.Chunk = 7 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = hermes.NewNopLogger()
	}

	return &Ingestor{
		collector: config.Collector,
		store:     config.Store,
		query:     config.Query,
		step:      config.Step,
		chunk:     config.Chunk,
		logger:    config.Logger,
	}, nil
}

// Backfill pulls [start, end] chunk by chunk and returns how many records
// were stored. A failing chunk aborts the backfill; earlier chunks stay saved.
func (i *Ingestor) Backfill(ctx context.Context, start, end time.Time) (int, error) {
	if !start.Before(end) {
		return 0, fmt.Errorf("backfill start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	total := 0
	for from := start; from.Before(end); from = from.Add(i.chunk) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := from.Add(i.chunk - i.step)
		if to.After(end) {
			to = end
		}

		n, err := i.ingest(ctx, from, to)
		if err != nil {
			return total, err
		}
		total += n
		i.logger.Debug(ctx, "ingested chunk", map[string]any{
			"from":    from.Format(time.RFC3339),
			"to":      to.Format(time.RFC3339),
			"records": n,
		})
	}

	i.logger.Info(ctx, "backfill complete", map[string]any{
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
		"records": total,
	})
	return total, nil
}

func (i *Ingestor) ingest(ctx context.Context, start, end time.Time) (int, error) {
	records, err := i.collector.QueryRange(ctx, i.query, start, end, i.step)
	if err != nil {
		return 0, fmt.Errorf("failed to collect demand: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := i.store.Save(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to save demand: %w", err)
	}
	return len(records), nil
}
