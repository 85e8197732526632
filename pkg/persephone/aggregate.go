package persephone

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/demeter-mobility/demeter/pkg/hermes"
)

// StartTimeColumns are the trip start columns understood by the aggregator,
// in order of preference. Exports changed column names over the years.
var StartTimeColumns = []string{"started_at", "start_time", "Start date"}

var eventLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 15:04:05",
}

var errNoTimeColumn = errors.New("no start time column")

// TripAggregator turns raw trip exports into an hourly demand series.
type TripAggregator struct {
	logger hermes.Logger
}

func NewTripAggregator(logger hermes.Logger) *TripAggregator {
	if logger == nil {
		logger = hermes.NewNopLogger()
	}
	return &TripAggregator{logger: logger}
}

// AggregateDir aggregates every *.csv file directly under dir.
func (a *TripAggregator) AggregateDir(ctx context.Context, dir string) (Series, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return a.AggregateFiles(ctx, files)
}

// AggregateFiles counts trip starts per hour across files. Files without a
// start time column are logged and skipped. Hours between the first and last
// trip with no trips get demand 0.
func (a *TripAggregator) AggregateFiles(ctx context.Context, files []string) (Series, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no trip files to aggregate")
	}

	counts := make(map[int64]int)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, dropped, err := a.countFile(path, counts)
		if errors.Is(err, errNoTimeColumn) {
			a.logger.Warn(ctx, "skipping file without start time column", map[string]any{"file": filepath.Base(path)})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}
		a.logger.Debug(ctx, "aggregated trip file", map[string]any{
			"file":    filepath.Base(path),
			"trips":   n,
			"dropped": dropped,
		})
	}

	if len(counts) == 0 {
		return nil, fmt.Errorf("no trips found in %d files", len(files))
	}
	return fillHours(counts), nil
}

func (a *TripAggregator) countFile(path string, counts map[int64]int) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return countTrips(f, counts)
}

func countTrips(r io.Reader, counts map[int64]int) (trips, dropped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return 0, 0, err
	}
	col := resolveTimeColumn(header)
	if col < 0 {
		return 0, 0, errNoTimeColumn
	}

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return trips, dropped, err
		}
		if col >= len(rec) {
			dropped++
			continue
		}
		ts, ok := parseEventTime(rec[col])
		if !ok {
			dropped++
			continue
		}
		counts[ts.Truncate(time.Hour).Unix()]++
		trips++
	}
	return trips, dropped, nil
}

func resolveTimeColumn(header []string) int {
	for _, want := range StartTimeColumns {
		for i, h := range header {
			if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == want {
				return i
			}
		}
	}
	return -1
}

func parseEventTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range eventLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fillHours(counts map[int64]int) Series {
	keys := make([]int64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	first := time.Unix(keys[0], 0).UTC()
	last := time.Unix(keys[len(keys)-1], 0).UTC()
	out := make(Series, 0, int(last.Sub(first)/time.Hour)+1)
	for ts := first; !ts.After(last); ts = ts.Add(time.Hour) {
		out = append(out, DemandRecord{Timestamp: ts, Demand: counts[ts.Unix()]})
	}
	return out
}

const seriesTimeLayout = "2006-01-02 15:04:05"

// WriteSeries writes the datetime,demand CSV.
func WriteSeries(w io.Writer, series Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColDatetime, ColDemand}); err != nil {
		return err
	}
	for _, r := range series {
		if err := cw.Write([]string{r.Timestamp.UTC().Format(seriesTimeLayout), strconv.Itoa(r.Demand)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSeriesFile writes the series to path, creating parent directories.
func WriteSeriesFile(path string, series Series) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create series file: %w", err)
	}
	if err := WriteSeries(f, series); err != nil {
		f.Close()
		return fmt.Errorf("failed to write series: %w", err)
	}
	return f.Close()
}

// ReadSeries parses a datetime,demand CSV. Columns are found by name.
func ReadSeries(r io.Reader) (Series, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, c := range []string{ColDatetime, ColDemand} {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnError{Columns: missing}
	}

	var records []DemandRecord
	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, ok := parseEventTime(rec[idx[ColDatetime]])
		if !ok {
			return nil, fmt.Errorf("line %d: invalid datetime %q", line, rec[idx[ColDatetime]])
		}
		demand, err := strconv.Atoi(strings.TrimSpace(rec[idx[ColDemand]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid demand %q", line, rec[idx[ColDemand]])
		}
		records = append(records, DemandRecord{Timestamp: ts, Demand: demand})
	}
	return NewSeries(records)
}

// LoadSeries reads a series file written by WriteSeries.
func LoadSeries(path string) (Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open series: %w", err)
	}
	defer f.Close()
	return ReadSeries(f)
}

// Between returns the records with start <= timestamp <= end.
func (s Series) Between(start, end time.Time) Series {
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(start) })
	hi := sort.Search(len(s), func(i int) bool { return s[i].Timestamp.After(end) })
	if lo >= hi {
		return Series{}
	}
	return slices.Clone(s[lo:hi])
}
