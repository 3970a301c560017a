// Package strategy defines the rule and parameter-grid model consumed by the
// backtesting engine: typed buy/sell predicates with candidate threshold
// lists, and the cartesian expansion of those candidates into concrete
// parameter combinations.
package strategy

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the rule variants.
type Kind string

const (
	// SimpleCompare compares a panel column against a literal threshold.
	SimpleCompare Kind = "simple_compare"
	// DoubleCompare OR-combines two SimpleCompare legs on two columns.
	DoubleCompare Kind = "double_compare"
	// ColumnsCompare compares a panel column against another panel column.
	ColumnsCompare Kind = "columns_compare"
	// HoldingDays compares the carried holding-days counter. Sell rules only.
	HoldingDays Kind = "holding_days"
	// TrailingStoploss triggers on drawdown from the running peak since entry.
	// Sell rules only.
	TrailingStoploss Kind = "trailing_stoploss"
)

// Operator is a comparison operator applied by a rule.
type Operator string

const (
	OpGT    Operator = ">"
	OpGTE   Operator = ">="
	OpLT    Operator = "<"
	OpLTE   Operator = "<="
	OpEQ    Operator = "=="
	OpIn    Operator = "in"
	OpNotIn Operator = "not-in"
)

// Threshold is one candidate value for a rule's grid dimension. Exactly one
// field is meaningful per rule kind: Value for scalar comparisons, Set for
// in/not-in membership, Pair for the two legs of a DoubleCompare.
type Threshold struct {
	Value float64    `json:"value,omitempty"`
	Set   []float64  `json:"set,omitempty"`
	Pair  [2]float64 `json:"pair,omitempty"`
}

// String renders the threshold as the literal reported in result rows.
func (t Threshold) String() string {
	if t.Set != nil {
		parts := make([]string, len(t.Set))
		for i, v := range t.Set {
			parts[i] = formatFloat(v)
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	if t.Pair != [2]float64{} {
		return formatFloat(t.Pair[0]) + "|" + formatFloat(t.Pair[1])
	}
	return formatFloat(t.Value)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Rule is one typed predicate. Each rule contributes one dimension to the
// parameter grid, indexed into Thresholds. A rule with no thresholds (only
// sensible for ColumnsCompare) contributes a dimension of cardinality one.
type Rule struct {
	Name       string      `json:"name"`
	Kind       Kind        `json:"kind"`
	Column     string      `json:"column,omitempty"`    // left side for ColumnsCompare, first leg for DoubleCompare
	Column2    string      `json:"column2,omitempty"`   // right side for ColumnsCompare, second leg for DoubleCompare
	Operator   Operator    `json:"operator"`
	Operator2  Operator    `json:"operator2,omitempty"` // second leg of a DoubleCompare
	Thresholds []Threshold `json:"thresholds,omitempty"`
}

// ConfigurationError marks a malformed rule or a rule referencing a column
// absent from the panel. It is not recoverable inside the engine.
type ConfigurationError struct {
	Rule   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %q misconfigured: %s", e.Rule, e.Reason)
}

func confErr(rule, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

var scalarOps = map[Operator]bool{
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpEQ: true,
}

// Validate checks the rule's internal consistency. Panel column existence is
// checked later by the evaluator, which knows the panel.
func (r Rule) Validate() error {
	if r.Name == "" {
		return confErr("(unnamed)", "rule name must not be empty")
	}

	switch r.Kind {
	case SimpleCompare:
		if r.Column == "" {
			return confErr(r.Name, "simple_compare requires a target column")
		}
		switch r.Operator {
		case OpIn, OpNotIn:
			for i, t := range r.Thresholds {
				if t.Set == nil {
					return confErr(r.Name, "threshold %d: %s requires a membership set", i, r.Operator)
				}
			}
		default:
			if !scalarOps[r.Operator] {
				return confErr(r.Name, "unsupported operator %q", r.Operator)
			}
		}
		if len(r.Thresholds) == 0 {
			return confErr(r.Name, "simple_compare requires at least one threshold")
		}

	case DoubleCompare:
		if r.Column == "" || r.Column2 == "" {
			return confErr(r.Name, "double_compare requires two target columns")
		}
		if !scalarOps[r.Operator] || !scalarOps[r.Operator2] {
			return confErr(r.Name, "double_compare legs require scalar operators, got %q and %q",
				r.Operator, r.Operator2)
		}
		if len(r.Thresholds) == 0 {
			return confErr(r.Name, "double_compare requires at least one threshold pair")
		}
		for i, t := range r.Thresholds {
			if t.Pair == [2]float64{} {
				return confErr(r.Name, "threshold %d: double_compare requires a threshold pair", i)
			}
		}

	case ColumnsCompare:
		if r.Column == "" || r.Column2 == "" {
			return confErr(r.Name, "columns_compare requires two target columns")
		}
		if !scalarOps[r.Operator] {
			return confErr(r.Name, "unsupported operator %q", r.Operator)
		}
		if len(r.Thresholds) != 0 {
			return confErr(r.Name, "columns_compare takes no thresholds")
		}

	case HoldingDays:
		if !scalarOps[r.Operator] {
			return confErr(r.Name, "unsupported operator %q", r.Operator)
		}
		if len(r.Thresholds) == 0 {
			return confErr(r.Name, "holding_days requires at least one threshold")
		}

	case TrailingStoploss:
		if !scalarOps[r.Operator] {
			return confErr(r.Name, "unsupported operator %q", r.Operator)
		}
		if len(r.Thresholds) == 0 {
			return confErr(r.Name, "trailing_stoploss requires at least one threshold")
		}
		for i, t := range r.Thresholds {
			if t.Value >= 1 {
				return confErr(r.Name, "threshold %d: stoploss fraction %v must be below 1", i, t.Value)
			}
		}

	default:
		return confErr(r.Name, "unsupported kind %q", r.Kind)
	}

	return nil
}

// UsesState reports whether the rule reads the carried state vector instead
// of the panel.
func (r Rule) UsesState() bool {
	return r.Kind == HoldingDays || r.Kind == TrailingStoploss
}

// dimension returns the rule's grid cardinality.
func (r Rule) dimension() int {
	if len(r.Thresholds) == 0 {
		return 1
	}
	return len(r.Thresholds)
}

// threshold returns the candidate at idx, or the zero threshold for rules
// without candidates.
func (r Rule) threshold(idx int) Threshold {
	if len(r.Thresholds) == 0 {
		return Threshold{}
	}
	return r.Thresholds[idx]
}

func compareScalar(op Operator, a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	}
	return false
}

func inSet(v float64, set []float64) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
