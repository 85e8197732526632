package persephone

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSplit indicates the split cutoffs are not strictly ordered
	ErrInvalidSplit = errors.New("invalid split: train_end must be before val_end")

	// ErrMissingColumn indicates a required column is absent from a frame
	ErrMissingColumn = errors.New("missing column")

	// ErrUntrainedModel indicates Predict was called before Train
	ErrUntrainedModel = errors.New("model has not been trained")

	// ErrInsufficientHistory indicates the series is too short for the longest requested lag
	ErrInsufficientHistory = errors.New("insufficient history for requested lags")

	// ErrEmptyTrainingSet indicates there are no rows to fit a model on
	ErrEmptyTrainingSet = errors.New("training set is empty")

	// ErrDuplicateTimestamp indicates two records share an hour
	ErrDuplicateTimestamp = errors.New("duplicate timestamp in series")

	// ErrNegativeDemand indicates a record carries a negative count
	ErrNegativeDemand = errors.New("demand must be non-negative")
)

// MissingColumnError names every required column a frame lacks.
type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column(s): %s", strings.Join(e.Columns, ", "))
}

func (e *MissingColumnError) Unwrap() error {
	return ErrMissingColumn
}
