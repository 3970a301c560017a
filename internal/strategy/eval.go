package strategy

import (
	"math"

	"github.com/aristath/quantfin/internal/panel"
)

// DataLag is the fixed observation delay: a decision taken on date t reads
// panel data from date t-2, never fresher. This models the delay between an
// observation being made and it becoming available to the strategy.
const DataLag = 2

// StateVector carries the per-symbol path-dependent quantities that
// HoldingDays and TrailingStoploss rules read instead of the panel.
type StateVector struct {
	HoldingDays        []int
	TrailingMultiplier []float64
}

// Evaluator evaluates rules against one read-only panel.
type Evaluator struct {
	p *panel.Panel
}

// NewEvaluator creates an evaluator bound to a panel.
func NewEvaluator(p *panel.Panel) *Evaluator {
	return &Evaluator{p: p}
}

// Evaluate computes the rule's signal vector, indexed by symbol position.
// Panel-reading kinds read observations at dateIdx-DataLag; state-reading
// kinds read the carried state and ignore the date. A missing observation
// never signals, regardless of operator.
func (e *Evaluator) Evaluate(r Rule, thresholdIdx, dateIdx int, state *StateVector) ([]bool, error) {
	n := e.p.NumSymbols()
	signal := make([]bool, n)
	th := r.threshold(thresholdIdx)

	switch r.Kind {
	case SimpleCompare:
		col, ok := e.p.Column(r.Column)
		if !ok {
			return nil, confErr(r.Name, "column %q not in panel", r.Column)
		}
		lag := dateIdx - DataLag
		if lag < 0 {
			return signal, nil
		}
		for s := 0; s < n; s++ {
			v := col[e.p.Index(lag, s)]
			if math.IsNaN(v) {
				continue
			}
			switch r.Operator {
			case OpIn:
				signal[s] = inSet(v, th.Set)
			case OpNotIn:
				signal[s] = !inSet(v, th.Set)
			default:
				signal[s] = compareScalar(r.Operator, v, th.Value)
			}
		}

	case DoubleCompare:
		colA, ok := e.p.Column(r.Column)
		if !ok {
			return nil, confErr(r.Name, "column %q not in panel", r.Column)
		}
		colB, ok := e.p.Column(r.Column2)
		if !ok {
			return nil, confErr(r.Name, "column %q not in panel", r.Column2)
		}
		lag := dateIdx - DataLag
		if lag < 0 {
			return signal, nil
		}
		for s := 0; s < n; s++ {
			a := colA[e.p.Index(lag, s)]
			b := colB[e.p.Index(lag, s)]
			legA := !math.IsNaN(a) && compareScalar(r.Operator, a, th.Pair[0])
			legB := !math.IsNaN(b) && compareScalar(r.Operator2, b, th.Pair[1])
			signal[s] = legA || legB
		}

	case ColumnsCompare:
		colA, ok := e.p.Column(r.Column)
		if !ok {
			return nil, confErr(r.Name, "column %q not in panel", r.Column)
		}
		colB, ok := e.p.Column(r.Column2)
		if !ok {
			return nil, confErr(r.Name, "column %q not in panel", r.Column2)
		}
		lag := dateIdx - DataLag
		if lag < 0 {
			return signal, nil
		}
		for s := 0; s < n; s++ {
			a := colA[e.p.Index(lag, s)]
			b := colB[e.p.Index(lag, s)]
			if math.IsNaN(a) || math.IsNaN(b) {
				continue
			}
			signal[s] = compareScalar(r.Operator, a, b)
		}

	case HoldingDays:
		if state == nil || len(state.HoldingDays) != n {
			return nil, confErr(r.Name, "holding_days rule requires a state vector")
		}
		for s := 0; s < n; s++ {
			signal[s] = compareScalar(r.Operator, float64(state.HoldingDays[s]), th.Value)
		}

	case TrailingStoploss:
		if state == nil || len(state.TrailingMultiplier) != n {
			return nil, confErr(r.Name, "trailing_stoploss rule requires a state vector")
		}
		// A stoploss fraction s triggers once the position has drawn down by
		// at least s since entry, expressed as 1/multiplier vs 1/(1-s).
		limit := 1 / (1 - th.Value)
		for s := 0; s < n; s++ {
			signal[s] = compareScalar(r.Operator, 1/state.TrailingMultiplier[s], limit)
		}

	default:
		return nil, confErr(r.Name, "unsupported kind %q", r.Kind)
	}

	return signal, nil
}
