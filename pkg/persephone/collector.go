package persephone

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// MetricsCollector fetches demand from a metrics backend.
type MetricsCollector interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]DemandRecord, error)
}

// PrometheusCollector reads demand from a Prometheus range query, e.g. an
// hourly increase of a trip-start counter.
type PrometheusCollector struct {
	api v1.API
}

func NewPrometheusCollector(address string) (*PrometheusCollector, error) {
	client, err := api.NewClient(api.Config{
		Address: address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}

	return &PrometheusCollector{
		api: v1.NewAPI(client),
	}, nil
}

// QueryRange sums every returned series per timestamp and rounds to whole
// trips. NaN samples are skipped and negative sums clamp to zero.
func (c *PrometheusCollector) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]DemandRecord, error) {
	r := v1.Range{
		Start: start,
		End:   end,
		Step:  step,
	}

	result, _, err := c.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result format: %T", result)
	}

	sums := make(map[int64]float64)
	for _, stream := range matrix {
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) {
				continue
			}
			sums[pair.Timestamp.Unix()] += v
		}
	}

	records := make([]DemandRecord, 0, len(sums))
	for ts, v := range sums {
		records = append(records, DemandRecord{
			Timestamp: time.Unix(ts, 0).UTC(),
			Demand:    int(math.Round(math.Max(v, 0))),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}
