package hermes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics("demeter")

	m.IncCounter("archives_total", 1, Label{Key: "status", Value: "fetched"})
	m.IncCounter("archives_total", 2, Label{Key: "status", Value: "fetched"})
	m.ObserveHistogram("stage_seconds", 0.5, Label{Key: "stage", Value: "train"})
	m.SetGauge("metric", 10, Label{Key: "model", Value: "baseline"}, Label{Key: "metric", Value: "MAE"})
	m.SetGauge("metric", 20, Label{Key: "model", Value: "baseline"}, Label{Key: "metric", Value: "MAE"})

	assert.Contains(t, m.counters, "archives_total")
	assert.Contains(t, m.histograms, "stage_seconds")
	assert.Contains(t, m.gauges, "metric")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, byName["demeter_archives_total"])
	assert.Equal(t, 20.0, byName["demeter_metric"])
}

func TestPrometheusMetricsTextfile(t *testing.T) {
	m := NewPrometheusMetrics("demeter")
	m.SetGauge("boosting_rounds", 42)

	dir := t.TempDir()
	path := filepath.Join(dir, "run.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "demeter_boosting_rounds 42")
}

func TestPrometheusMetricsIsolatedRegistries(t *testing.T) {
	a := NewPrometheusMetrics("demeter")
	b := NewPrometheusMetrics("demeter")

	assert.NotPanics(t, func() {
		a.SetGauge("metric", 1)
		b.SetGauge("metric", 2)
	})
}
