package persephone

import (
	"fmt"
	"strings"
	"time"
)

// Default split cutoffs, inclusive upper bounds of train and validation.
const (
	DefaultTrainEnd = "2025-06-30"
	DefaultValEnd   = "2025-10-31"
)

var cutoffLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseCutoff parses an ISO date or datetime in UTC. A bare date means
// midnight at the start of that day.
func ParseCutoff(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range cutoffLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable cutoff %q", s)
}

// Partition holds the three time-ordered slices of a split.
type Partition struct {
	Train Frame
	Val   Frame
	Test  Frame
}

// Split partitions a time-sorted frame by timestamp: train is <= trainEnd,
// validation is (trainEnd, valEnd], test is > valEnd. Empty partitions are
// valid results.
func Split(frame Frame, trainEnd, valEnd time.Time) (Partition, error) {
	if !trainEnd.Before(valEnd) {
		return Partition{}, fmt.Errorf("%w: train_end=%s val_end=%s",
			ErrInvalidSplit, trainEnd.Format(time.RFC3339), valEnd.Format(time.RFC3339))
	}

	p := Partition{
		Train: frame.empty(),
		Val:   frame.empty(),
		Test:  frame.empty(),
	}
	for _, row := range frame.Rows {
		ts := row.Timestamp
		switch {
		case !ts.After(trainEnd):
			p.Train.Rows = append(p.Train.Rows, row.clone())
		case !ts.After(valEnd):
			p.Val.Rows = append(p.Val.Rows, row.clone())
		default:
			p.Test.Rows = append(p.Test.Rows, row.clone())
		}
	}
	return p, nil
}
