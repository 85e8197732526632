package persephone

import (
	"fmt"
	"slices"
	"time"
)

// DefaultLags are the lag windows used by the boosted model: one day and one week.
var DefaultLags = []int{24, 168}

// AddCalendarFeatures derives hour, day_of_week, month, is_weekend and
// is_rush_hour from each row's own timestamp. Rows are never dropped.
func AddCalendarFeatures(frame Frame) Frame {
	out := frame.Clone()
	for i := range out.Rows {
		applyCalendar(&out.Rows[i])
	}
	out.addColumns(CalendarColumns...)
	return out
}

func applyCalendar(r *FeatureRecord) {
	t := r.Timestamp
	r.Hour = t.Hour()
	r.DayOfWeek = weekdayIndex(t)
	r.Month = int(t.Month())

	weekend := r.DayOfWeek == 5 || r.DayOfWeek == 6
	r.IsWeekend = boolToInt(weekend)
	r.IsRushHour = boolToInt(isRushHour(r.Hour, weekend))
}

// weekdayIndex maps Monday to 0 and Sunday to 6.
func weekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// isRushHour is true on weekdays between 07:00-09:59 and 17:00-19:59.
func isRushHour(hour int, weekend bool) bool {
	if weekend {
		return false
	}
	morning := hour >= 7 && hour <= 9
	evening := hour >= 17 && hour <= 19
	return morning || evening
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AddLagFeatures shifts the target column by each lag (in rows) and drops the
// leading rows where any lag is undefined. The frame must be a gap-free hourly
// series for the shift to mean "N hours earlier". With no lags given,
// DefaultLags is used.
func AddLagFeatures(frame Frame, target string, lags ...int) (Frame, error) {
	if len(lags) == 0 {
		lags = DefaultLags
	}
	values, err := frame.Column(target)
	if err != nil {
		return Frame{}, err
	}

	maxLag := 0
	for _, lag := range lags {
		if lag <= 0 {
			return Frame{}, fmt.Errorf("lag must be positive, got %d", lag)
		}
		maxLag = max(maxLag, lag)
	}
	if frame.Len() <= maxLag {
		return Frame{}, fmt.Errorf("%w: %d rows, longest lag %d", ErrInsufficientHistory, frame.Len(), maxLag)
	}

	out := frame.empty()
	out.Rows = make([]FeatureRecord, 0, frame.Len()-maxLag)
	for i := maxLag; i < frame.Len(); i++ {
		row := frame.Rows[i].clone()
		if row.Lags == nil {
			row.Lags = make(map[int]float64, len(lags))
		}
		for _, lag := range lags {
			row.Lags[lag] = values[i-lag]
		}
		out.Rows = append(out.Rows, row)
	}

	sorted := slices.Clone(lags)
	slices.Sort(sorted)
	for _, lag := range slices.Compact(sorted) {
		out.addColumns(LagColumn(lag))
	}
	return out, nil
}
