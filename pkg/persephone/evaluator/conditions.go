package evaluator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"gopkg.in/yaml.v3"

	"github.com/demeter-mobility/demeter/pkg/persephone"
)

// OverallMAE is the unconditional entry that always leads a Breakdown.
const OverallMAE = "overall_mae"

// DefaultWorstK is the number of worst records reported per run.
const DefaultWorstK = 10

// Condition names a boolean CEL expression over a row's features.
// Available variables: hour, day_of_week, month, is_weekend, is_rush_hour,
// demand (ints) and lags (map of lag hours to value).
type Condition struct {
	Name string `mapstructure:"name" json:"name" yaml:"name" validate:"required"`
	Expr string `mapstructure:"expr" json:"expr" yaml:"expr" validate:"required"`
}

// DefaultConditions are the weekend/weekday/rush-hour groupings.
func DefaultConditions() []Condition {
	return []Condition{
		{Name: "weekend_mae", Expr: "is_weekend == 1"},
		{Name: "weekday_mae", Expr: "is_weekend == 0"},
		{Name: "rush_hour_mae", Expr: "is_rush_hour == 1"},
	}
}

// conditionColumns are the frame columns a condition may read as variables.
var conditionColumns = []string{
	persephone.ColHour,
	persephone.ColDayOfWeek,
	persephone.ColMonth,
	persephone.ColIsWeekend,
	persephone.ColIsRushHour,
	persephone.ColDemand,
}

type compiledCondition struct {
	Condition
	prg     cel.Program
	columns []string // frame columns the expression reads
}

// ConditionSet is an ordered set of compiled conditions.
type ConditionSet struct {
	conds []compiledCondition
}

// NewConditionSet compiles conditions, failing on the first invalid one.
func NewConditionSet(conds []Condition) (*ConditionSet, error) {
	env, err := cel.NewEnv(
		cel.Variable(persephone.ColHour, cel.IntType),
		cel.Variable(persephone.ColDayOfWeek, cel.IntType),
		cel.Variable(persephone.ColMonth, cel.IntType),
		cel.Variable(persephone.ColIsWeekend, cel.IntType),
		cel.Variable(persephone.ColIsRushHour, cel.IntType),
		cel.Variable(persephone.ColDemand, cel.IntType),
		cel.Variable("lags", cel.MapType(cel.IntType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	set := &ConditionSet{}
	seen := map[string]bool{OverallMAE: true}
	for _, c := range conds {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate condition %q", c.Name)
		}
		seen[c.Name] = true

		ast, issues := env.Compile(c.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("condition %s: %w", c.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("condition %s: expression must be boolean, got %s", c.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", c.Name, err)
		}
		set.conds = append(set.conds, compiledCondition{
			Condition: c,
			prg:       prg,
			columns:   referencedColumns(ast.NativeRep()),
		})
	}
	return set, nil
}

// referencedColumns lists the frame columns an expression refers to, in
// conditionColumns order.
func referencedColumns(a *celast.AST) []string {
	used := make(map[string]bool)
	for _, ref := range a.ReferenceMap() {
		if ref != nil && ref.Name != "" {
			used[ref.Name] = true
		}
	}
	var cols []string
	for _, c := range conditionColumns {
		if used[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// MustDefaultConditionSet compiles DefaultConditions.
func MustDefaultConditionSet() *ConditionSet {
	set, err := NewConditionSet(DefaultConditions())
	if err != nil {
		panic(err)
	}
	return set
}

// Columns returns every frame column read by the set, without duplicates.
func (s *ConditionSet) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, c := range s.conds {
		for _, col := range c.columns {
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
		}
	}
	return cols
}

// Names returns the condition names in order.
func (s *ConditionSet) Names() []string {
	names := make([]string, len(s.conds))
	for i, c := range s.conds {
		names[i] = c.Name
	}
	return names
}

func (s *ConditionSet) match(c compiledCondition, r persephone.FeatureRecord) (bool, error) {
	lags := make(map[int64]float64, len(r.Lags))
	for k, v := range r.Lags {
		lags[int64(k)] = v
	}
	out, _, err := c.prg.Eval(map[string]any{
		persephone.ColHour:       int64(r.Hour),
		persephone.ColDayOfWeek:  int64(r.DayOfWeek),
		persephone.ColMonth:      int64(r.Month),
		persephone.ColIsWeekend:  int64(r.IsWeekend),
		persephone.ColIsRushHour: int64(r.IsRushHour),
		persephone.ColDemand:     int64(r.Demand),
		"lags":                   lags,
	})
	if err != nil {
		return false, fmt.Errorf("condition %s at %s: %w", c.Name, r.Timestamp.Format(time.RFC3339), err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

// ConditionMAE is one entry of a Breakdown.
type ConditionMAE struct {
	Name string
	MAE  Score
}

// Breakdown is the ordered conditioned-error mapping. It encodes as a
// JSON/YAML object that keeps entry order.
type Breakdown []ConditionMAE

// Get returns the MAE for name.
func (b Breakdown) Get(name string) (Score, bool) {
	for _, e := range b {
		if e.Name == name {
			return e.MAE, true
		}
	}
	return 0, false
}

func (b Breakdown) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := e.MAE.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (b *Breakdown) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("breakdown must be an object")
	}

	var out Breakdown
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var s Score
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("breakdown %s: %w", name, err)
		}
		out = append(out, ConditionMAE{Name: name, MAE: s})
	}
	*b = out
	return nil
}

func (b Breakdown) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range b {
		var val yaml.Node
		if err := val.Encode(float64(e.MAE)); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Name},
			&val,
		)
	}
	return node, nil
}

func (b *Breakdown) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("breakdown must be a mapping")
	}
	var out Breakdown
	for i := 0; i+1 < len(node.Content); i += 2 {
		var f float64
		if err := node.Content[i+1].Decode(&f); err != nil {
			return fmt.Errorf("breakdown %s: %w", node.Content[i].Value, err)
		}
		out = append(out, ConditionMAE{Name: node.Content[i].Value, MAE: Score(f)})
	}
	*b = out
	return nil
}

// WorstError is one of the largest absolute errors of a run.
type WorstError struct {
	Datetime time.Time `json:"datetime" yaml:"datetime"`
	Error    float64   `json:"error" yaml:"error"`
}

// AnalyzeErrorsByConditions computes the overall MAE, the MAE of every
// condition in conds and the k records with the largest absolute error,
// largest first. Rows of frame must line up with truth and predicted.
// A condition that matches no row reports NaN. Every column a condition
// reads must be defined on frame.
func AnalyzeErrorsByConditions(frame persephone.Frame, truth, predicted []float64, conds *ConditionSet, k int) (Breakdown, []WorstError, error) {
	if len(truth) != len(predicted) {
		return nil, nil, &LengthMismatchError{Truth: len(truth), Predicted: len(predicted)}
	}
	if frame.Len() != len(truth) {
		return nil, nil, fmt.Errorf("%w: frame has %d rows, truth has %d", ErrLengthMismatch, frame.Len(), len(truth))
	}
	if conds == nil {
		conds = MustDefaultConditionSet()
	}
	if err := frame.Require(conds.Columns()...); err != nil {
		return nil, nil, fmt.Errorf("conditioned errors: %w", err)
	}

	errs := make([]float64, len(truth))
	all := make([]int, len(truth))
	for i := range truth {
		errs[i] = math.Abs(truth[i] - predicted[i])
		all[i] = i
	}

	breakdown := Breakdown{{Name: OverallMAE, MAE: meanAbsolute(errs, all)}}
	for _, c := range conds.conds {
		var idx []int
		for i, r := range frame.Rows {
			ok, err := conds.match(c, r)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				idx = append(idx, i)
			}
		}
		breakdown = append(breakdown, ConditionMAE{Name: c.Name, MAE: meanAbsolute(errs, idx)})
	}

	return breakdown, worstErrors(frame, errs, k), nil
}

func worstErrors(frame persephone.Frame, errs []float64, k int) []WorstError {
	order := make([]int, len(errs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return errs[order[a]] > errs[order[b]]
	})

	if k < 0 {
		k = 0
	}
	if k > len(order) {
		k = len(order)
	}
	out := make([]WorstError, k)
	for i, idx := range order[:k] {
		out[i] = WorstError{Datetime: frame.Rows[idx].Timestamp, Error: errs[idx]}
	}
	return out
}
