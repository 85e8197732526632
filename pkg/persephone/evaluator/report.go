package evaluator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/demeter-mobility/demeter/pkg/persephone"
)

// EvaluationResult is the persisted outcome of one forecaster run.
type EvaluationResult struct {
	RunID       string                      `json:"run_id" yaml:"run_id"`
	Model       string                      `json:"model" yaml:"model"`
	GeneratedAt time.Time                   `json:"generated_at" yaml:"generated_at"`
	Metrics     MetricResult                `json:"metrics" yaml:"metrics"`
	Robustness  Breakdown                   `json:"robustness,omitempty" yaml:"robustness,omitempty"`
	WorstErrors []WorstError                `json:"worst_errors,omitempty" yaml:"worst_errors,omitempty"`
	Rows        int                         `json:"rows" yaml:"rows"`
	Training    *persephone.TrainingSummary `json:"training,omitempty" yaml:"training,omitempty"`
}

func NewEvaluationResult(model string) *EvaluationResult {
	return &EvaluationResult{
		RunID:       uuid.NewString(),
		Model:       model,
		GeneratedAt: time.Now().UTC(),
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes the result as YAML for .yaml/.yml paths and JSON otherwise.
func (r *EvaluationResult) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return writeFile(path, data)
}

// LoadEvaluationResult reads a result written by Save.
func LoadEvaluationResult(path string) (*EvaluationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r EvaluationResult
	if isYAML(path) {
		err = yaml.Unmarshal(data, &r)
	} else {
		err = json.Unmarshal(data, &r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

const csvTimeLayout = "2006-01-02 15:04:05"

// WriteWorstErrors writes a datetime,error CSV.
func WriteWorstErrors(w io.Writer, worst []WorstError) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"datetime", "error"}); err != nil {
		return err
	}
	for _, e := range worst {
		row := []string{e.Datetime.UTC().Format(csvTimeLayout), strconv.FormatFloat(e.Error, 'f', -1, 64)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteWorstErrorsFile writes worst to path.
func WriteWorstErrorsFile(path string, worst []WorstError) error {
	var sb strings.Builder
	if err := WriteWorstErrors(&sb, worst); err != nil {
		return err
	}
	return writeFile(path, []byte(sb.String()))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// ComparisonRow is one forecaster in a ComparisonReport.
type ComparisonRow struct {
	Model   string
	Metrics MetricResult
}

// ComparisonReport lists forecasters in registration order.
type ComparisonReport struct {
	rows []ComparisonRow
}

func NewComparisonReport() *ComparisonReport {
	return &ComparisonReport{}
}

// Add registers a model. Adding the same model again replaces its metrics in place.
func (c *ComparisonReport) Add(model string, metrics MetricResult) {
	for i, r := range c.rows {
		if r.Model == model {
			c.rows[i].Metrics = metrics
			return
		}
	}
	c.rows = append(c.rows, ComparisonRow{Model: model, Metrics: metrics})
}

func (c *ComparisonReport) Rows() []ComparisonRow {
	return c.rows
}

func (c *ComparisonReport) Len() int {
	return len(c.rows)
}

var comparisonHeader = []string{"Model", "MAE", "RMSE", "sMAPE"}

// Render prints an aligned table.
func (c *ComparisonReport) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, strings.Join(comparisonHeader, "\t"))
	for _, r := range c.rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Model,
			formatScore(r.Metrics.MAE), formatScore(r.Metrics.RMSE), formatScore(r.Metrics.SMAPE))
	}
	return tw.Flush()
}

func formatScore(s Score) string {
	if s.IsNaN() {
		return "NaN"
	}
	return strconv.FormatFloat(float64(s), 'f', 4, 64)
}

// WriteCSV writes Model,MAE,RMSE,sMAPE rows.
func (c *ComparisonReport) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(comparisonHeader); err != nil {
		return err
	}
	for _, r := range c.rows {
		row := []string{r.Model}
		for _, v := range r.Metrics.Values() {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the comparison CSV to path.
func (c *ComparisonReport) WriteCSVFile(path string) error {
	var sb strings.Builder
	if err := c.WriteCSV(&sb); err != nil {
		return err
	}
	return writeFile(path, []byte(sb.String()))
}
