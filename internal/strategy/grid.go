package strategy

import (
	"math"
)

// Strategy is the full search specification: ordered buy and sell rules with
// their candidate thresholds, plus the portfolio-shape candidates crossed
// with them.
type Strategy struct {
	BuyRules       []Rule    `json:"buy_rules"`
	SellRules      []Rule    `json:"sell_rules"`
	PortfolioSizes []int     `json:"portfolio_sizes"`
	LowRiskProps   []float64 `json:"low_risk_props,omitempty"` // empty selects single-tier allocation
	MinHoldingDays int       `json:"min_holding_days"`
}

// Combination is one concrete assignment of every grid dimension. Immutable
// once generated; consumed exactly once by the simulator.
type Combination struct {
	Index         int
	BuyIdx        []int // threshold index per buy rule
	SellIdx       []int // threshold index per sell rule
	PortfolioSize int
	LowRiskProp   float64 // NaN in single-tier mode
}

// TwoTier reports whether the combination rations capacity per risk tier.
func (c Combination) TwoTier() bool {
	return !math.IsNaN(c.LowRiskProp)
}

// Validate checks the whole strategy for configuration errors before any
// simulation starts.
func (s *Strategy) Validate() error {
	for _, r := range s.BuyRules {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.UsesState() {
			return confErr(r.Name, "%s rules read position state and cannot gate buys", r.Kind)
		}
	}
	for _, r := range s.SellRules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if len(s.PortfolioSizes) == 0 {
		return confErr("(strategy)", "at least one portfolio size is required")
	}
	for _, size := range s.PortfolioSizes {
		if size < 1 {
			return confErr("(strategy)", "portfolio size %d must be positive", size)
		}
	}
	for _, prop := range s.LowRiskProps {
		if prop < 0 || prop > 1 {
			return confErr("(strategy)", "low-risk proportion %v must be within [0,1]", prop)
		}
	}
	if s.MinHoldingDays < 0 {
		return confErr("(strategy)", "minimum holding days must not be negative")
	}
	return nil
}

// NumCombinations returns the grid size: the product of every rule's
// threshold cardinality times the portfolio-size and low-risk-proportion
// candidate counts.
func (s *Strategy) NumCombinations() int {
	total := len(s.PortfolioSizes)
	for _, r := range s.BuyRules {
		total *= r.dimension()
	}
	for _, r := range s.SellRules {
		total *= r.dimension()
	}
	if len(s.LowRiskProps) > 0 {
		total *= len(s.LowRiskProps)
	}
	return total
}

// Combinations expands the full grid in deterministic nested-loop order:
// low-risk proportion varies slowest, then portfolio size, then buy-rule
// thresholds, then sell-rule thresholds with the last sell rule fastest.
// Results must be reported in this order.
func (s *Strategy) Combinations() []Combination {
	props := s.LowRiskProps
	if len(props) == 0 {
		props = []float64{math.NaN()}
	}

	dims := make([]int, 0, len(s.BuyRules)+len(s.SellRules))
	for _, r := range s.BuyRules {
		dims = append(dims, r.dimension())
	}
	for _, r := range s.SellRules {
		dims = append(dims, r.dimension())
	}

	combos := make([]Combination, 0, s.NumCombinations())
	for _, prop := range props {
		for _, size := range s.PortfolioSizes {
			idx := make([]int, len(dims))
			for {
				buyIdx := make([]int, len(s.BuyRules))
				copy(buyIdx, idx[:len(s.BuyRules)])
				sellIdx := make([]int, len(s.SellRules))
				copy(sellIdx, idx[len(s.BuyRules):])

				combos = append(combos, Combination{
					Index:         len(combos),
					BuyIdx:        buyIdx,
					SellIdx:       sellIdx,
					PortfolioSize: size,
					LowRiskProp:   prop,
				})

				if !advance(idx, dims) {
					break
				}
			}
		}
	}

	return combos
}

// advance increments a mixed-radix counter with the last digit fastest.
// It returns false once the counter wraps around.
func advance(idx, dims []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < dims[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

// ResolvedThreshold pairs a rule name with the literal threshold a
// combination selected, so result rows need no grid re-derivation.
type ResolvedThreshold struct {
	Rule  string `json:"rule"`
	Value string `json:"value"`
}

// Resolve maps a combination's threshold indices back to literals, buy rules
// first, in rule order.
func (s *Strategy) Resolve(c Combination) []ResolvedThreshold {
	out := make([]ResolvedThreshold, 0, len(s.BuyRules)+len(s.SellRules))
	for i, r := range s.BuyRules {
		out = append(out, ResolvedThreshold{Rule: r.Name, Value: r.threshold(c.BuyIdx[i]).String()})
	}
	for i, r := range s.SellRules {
		out = append(out, ResolvedThreshold{Rule: r.Name, Value: r.threshold(c.SellIdx[i]).String()})
	}
	return out
}
