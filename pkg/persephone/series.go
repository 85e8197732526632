package persephone

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column names shared by frames, config and result files.
const (
	ColDatetime   = "datetime"
	ColDemand     = "demand"
	ColHour       = "hour"
	ColDayOfWeek  = "day_of_week"
	ColMonth      = "month"
	ColIsWeekend  = "is_weekend"
	ColIsRushHour = "is_rush_hour"
)

// CalendarColumns lists the columns produced by AddCalendarFeatures, in order.
var CalendarColumns = []string{ColHour, ColDayOfWeek, ColMonth, ColIsWeekend, ColIsRushHour}

// LagColumn returns the column name for a lag of the given number of hours.
func LagColumn(hours int) string {
	return "lag_" + strconv.Itoa(hours) + "h"
}

func parseLagColumn(name string) (int, bool) {
	if !strings.HasPrefix(name, "lag_") || !strings.HasSuffix(name, "h") {
		return 0, false
	}
	n, err := strconv.Atoi(name[len("lag_") : len(name)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// DemandRecord is the trip count observed in one hourly bucket.
type DemandRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Demand    int       `json:"demand"`
}

// Series is an hourly demand series ordered by timestamp.
type Series []DemandRecord

// NewSeries copies and sorts records, rejecting duplicate hours and negative counts.
// Missing hours stay missing.
func NewSeries(records []DemandRecord) (Series, error) {
	s := make(Series, len(records))
	copy(s, records)
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Timestamp.Before(s[j].Timestamp)
	})

	for i, r := range s {
		if r.Demand < 0 {
			return nil, fmt.Errorf("%w: %d at %s", ErrNegativeDemand, r.Demand, r.Timestamp.Format(time.RFC3339))
		}
		if i > 0 && s[i-1].Timestamp.Equal(r.Timestamp) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTimestamp, r.Timestamp.Format(time.RFC3339))
		}
	}
	return s, nil
}

// FeatureRecord is one series row with derived columns appended.
type FeatureRecord struct {
	DemandRecord

	Hour       int
	DayOfWeek  int // Monday=0 .. Sunday=6
	Month      int
	IsWeekend  int
	IsRushHour int

	// Lags maps a lag in hours to the target value that many rows earlier
	Lags map[int]float64
}

// Value returns the numeric value of a column for this row.
func (r FeatureRecord) Value(column string) (float64, bool) {
	switch column {
	case ColDemand:
		return float64(r.Demand), true
	case ColHour:
		return float64(r.Hour), true
	case ColDayOfWeek:
		return float64(r.DayOfWeek), true
	case ColMonth:
		return float64(r.Month), true
	case ColIsWeekend:
		return float64(r.IsWeekend), true
	case ColIsRushHour:
		return float64(r.IsRushHour), true
	}
	if lag, ok := parseLagColumn(column); ok {
		v, ok := r.Lags[lag]
		return v, ok
	}
	return 0, false
}

func (r FeatureRecord) clone() FeatureRecord {
	out := r
	if r.Lags != nil {
		out.Lags = maps.Clone(r.Lags)
	}
	return out
}

// Frame is a table of feature records plus the set of columns defined on them.
// Derivations return new frames and never write through to the caller's rows.
type Frame struct {
	Rows    []FeatureRecord
	Columns []string
}

// NewFrame wraps a series as a frame with only the datetime and demand columns.
func NewFrame(series Series) Frame {
	rows := make([]FeatureRecord, len(series))
	for i, r := range series {
		rows[i] = FeatureRecord{DemandRecord: r}
	}
	return Frame{
		Rows:    rows,
		Columns: []string{ColDatetime, ColDemand},
	}
}

// Len returns the number of rows.
func (f Frame) Len() int {
	return len(f.Rows)
}

// HasColumn reports whether the column is defined on the frame.
func (f Frame) HasColumn(name string) bool {
	return slices.Contains(f.Columns, name)
}

// Require returns a *MissingColumnError listing every absent column.
func (f Frame) Require(columns ...string) error {
	var missing []string
	for _, c := range columns {
		if !f.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnError{Columns: missing}
	}
	return nil
}

// Column extracts a numeric column.
func (f Frame) Column(name string) ([]float64, error) {
	if err := f.Require(name); err != nil {
		return nil, err
	}
	out := make([]float64, len(f.Rows))
	for i, r := range f.Rows {
		v, ok := r.Value(name)
		if !ok {
			return nil, fmt.Errorf("column %s undefined at row %d (%s)", name, i, r.Timestamp.Format(time.RFC3339))
		}
		out[i] = v
	}
	return out, nil
}

// Timestamps returns the row timestamps in order.
func (f Frame) Timestamps() []time.Time {
	out := make([]time.Time, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Timestamp
	}
	return out
}

// Series strips derived columns.
func (f Frame) Series() Series {
	out := make(Series, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.DemandRecord
	}
	return out
}

// Gaps counts consecutive rows that are not exactly one hour apart.
// Lag features are row based, so a non-zero count means lags are approximate.
func (f Frame) Gaps() int {
	gaps := 0
	for i := 1; i < len(f.Rows); i++ {
		if f.Rows[i].Timestamp.Sub(f.Rows[i-1].Timestamp) != time.Hour {
			gaps++
		}
	}
	return gaps
}

// Clone deep-copies the frame.
func (f Frame) Clone() Frame {
	rows := make([]FeatureRecord, len(f.Rows))
	for i, r := range f.Rows {
		rows[i] = r.clone()
	}
	return Frame{Rows: rows, Columns: slices.Clone(f.Columns)}
}

// Tail returns a copy of the last n rows.
func (f Frame) Tail(n int) Frame {
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	if n < 0 {
		n = 0
	}
	out := f.empty()
	for _, r := range f.Rows[len(f.Rows)-n:] {
		out.Rows = append(out.Rows, r.clone())
	}
	return out
}

func (f Frame) empty() Frame {
	return Frame{Rows: []FeatureRecord{}, Columns: slices.Clone(f.Columns)}
}

func (f *Frame) addColumns(names ...string) {
	for _, n := range names {
		if !slices.Contains(f.Columns, n) {
			f.Columns = append(f.Columns, n)
		}
	}
}
