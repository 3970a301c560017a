// Package backtest is the simulation-and-search engine: the per-date state
// machine that turns per-symbol signals into position changes under
// slot-capacity rationing, and the combinatorial search over the strategy
// parameter grid.
package backtest

import (
	"errors"
	"math"

	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/strategy"
)

// ErrInsufficientHistory reports a panel with fewer dates than the minimum
// holding period requires, leaving nothing to simulate.
var ErrInsufficientHistory = errors.New("panel has fewer dates than the minimum holding period requires")

// PositionLog is the dense date × symbol matrix of position codes produced by
// one combination's simulation. Row i covers panel date Start+i. Read-only
// once the date loop completes.
type PositionLog struct {
	Start int
	Codes [][]int
}

// Simulator runs the day-stepper for single parameter combinations over one
// read-only panel. Safe for concurrent use: each Run carries its own state.
type Simulator struct {
	p     *panel.Panel
	sch   panel.Schema
	strat *strategy.Strategy
	ev    *strategy.Evaluator
}

// NewSimulator creates a simulator for a strategy over a panel.
func NewSimulator(p *panel.Panel, sch panel.Schema, strat *strategy.Strategy) *Simulator {
	return &Simulator{p: p, sch: sch, strat: strat, ev: strategy.NewEvaluator(p)}
}

// Run simulates one combination from scratch and returns its position log.
// No state survives into the next Run.
func (sim *Simulator) Run(c strategy.Combination) (*PositionLog, error) {
	nDates := sim.p.NumDates()
	nSym := sim.p.NumSymbols()
	minHold := sim.strat.MinHoldingDays

	if nDates <= minHold {
		return nil, ErrInsufficientHistory
	}

	returns, ok := sim.p.Column(sim.sch.DailyReturn)
	if !ok {
		return nil, &strategy.ConfigurationError{Rule: "(panel)", Reason: "daily return column missing"}
	}
	classes, ok := sim.p.Column(sim.sch.Class)
	if !ok {
		return nil, &strategy.ConfigurationError{Rule: "(panel)", Reason: "predicted class column missing"}
	}
	probLow, ok := sim.p.Column(sim.sch.ProbLowRisk)
	if !ok {
		return nil, &strategy.ConfigurationError{Rule: "(panel)", Reason: "low-risk probability column missing"}
	}
	probHigh, ok := sim.p.Column(sim.sch.ProbHighRisk)
	if !ok {
		return nil, &strategy.ConfigurationError{Rule: "(panel)", Reason: "high-risk probability column missing"}
	}
	volumes, ok := sim.p.Column(sim.sch.Volume)
	if !ok {
		return nil, &strategy.ConfigurationError{Rule: "(panel)", Reason: "volume column missing"}
	}

	positions := make([]int, nSym)
	state := &strategy.StateVector{
		HoldingDays:        make([]int, nSym),
		TrailingMultiplier: make([]float64, nSym),
	}
	for s := range state.TrailingMultiplier {
		state.TrailingMultiplier[s] = 1
	}

	log := &PositionLog{
		Start: minHold,
		Codes: make([][]int, 0, nDates-minHold),
	}

	eligible := make([]bool, nSym)
	lagged := make([]float64, 4*nSym) // scratch for lagged class/prob/volume rows

	for t := minHold; t < nDates; t++ {
		// Carry forward yesterday's positions, compounding held returns.
		for s := 0; s < nSym; s++ {
			if positions[s] > Flat {
				factor := 1.0
				if t > 0 {
					if r := returns[sim.p.Index(t-1, s)]; !math.IsNaN(r) {
						factor = 1 + r
					}
				}
				state.HoldingDays[s]++
				state.TrailingMultiplier[s] *= factor
			} else {
				state.HoldingDays[s] = 0
				state.TrailingMultiplier[s] = 1
			}
		}

		buySignal, err := sim.combineBuySignals(c, t, state)
		if err != nil {
			return nil, err
		}
		sellSignal, err := sim.combineSellSignals(c, t, state)
		if err != nil {
			return nil, err
		}

		// Buy eligibility keys on start-of-day flatness: a symbol sold later
		// this date cannot re-enter the same date.
		for s := 0; s < nSym; s++ {
			eligible[s] = buySignal[s] && positions[s] == Flat
		}

		// Sells only fire once the position has been held long enough.
		for s := 0; s < nSym; s++ {
			if positions[s] > Flat && sellSignal[s] && state.HoldingDays[s] >= minHold {
				positions[s] = Flat
				state.HoldingDays[s] = 0
				state.TrailingMultiplier[s] = 1
			}
		}

		if t >= strategy.DataLag {
			for s := 0; s < nSym; s++ {
				lag := sim.p.Index(t-strategy.DataLag, s)
				lagged[s] = classes[lag]
				lagged[nSym+s] = probLow[lag]
				lagged[2*nSym+s] = probHigh[lag]
				lagged[3*nSym+s] = volumes[lag]
			}

			trades := allocate(allocInput{
				eligible: eligible,
				updated:  positions,
				class:    lagged[:nSym],
				probLow:  lagged[nSym : 2*nSym],
				probHigh: lagged[2*nSym : 3*nSym],
				volume:   lagged[3*nSym : 4*nSym],
			}, c.PortfolioSize, c.LowRiskProp)

			for s, code := range trades {
				if code > Flat {
					positions[s] = code
				}
			}
		}

		row := make([]int, nSym)
		copy(row, positions)
		log.Codes = append(log.Codes, row)
	}

	return log, nil
}

// combineBuySignals ANDs every buy rule's signal vector at date t.
func (sim *Simulator) combineBuySignals(c strategy.Combination, t int, state *strategy.StateVector) ([]bool, error) {
	combined := make([]bool, sim.p.NumSymbols())
	for s := range combined {
		combined[s] = true
	}
	if len(sim.strat.BuyRules) == 0 {
		return make([]bool, sim.p.NumSymbols()), nil
	}

	for i, rule := range sim.strat.BuyRules {
		signal, err := sim.ev.Evaluate(rule, c.BuyIdx[i], t, state)
		if err != nil {
			return nil, err
		}
		for s := range combined {
			combined[s] = combined[s] && signal[s]
		}
	}
	return combined, nil
}

// combineSellSignals ORs every sell rule's signal vector at date t.
func (sim *Simulator) combineSellSignals(c strategy.Combination, t int, state *strategy.StateVector) ([]bool, error) {
	combined := make([]bool, sim.p.NumSymbols())
	for i, rule := range sim.strat.SellRules {
		signal, err := sim.ev.Evaluate(rule, c.SellIdx[i], t, state)
		if err != nil {
			return nil, err
		}
		for s := range combined {
			combined[s] = combined[s] || signal[s]
		}
	}
	return combined, nil
}
