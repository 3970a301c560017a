package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/strategy"
)

// buildPanel assembles a test panel from per-column flat slices and derives
// the daily return column from prices.
func buildPanel(t *testing.T, nDates int, symbols []string, columns map[string][]float64) *panel.Panel {
	t.Helper()

	dates := make([]time.Time, nDates)
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range dates {
		dates[i] = start.AddDate(0, 0, i)
	}

	p, err := panel.New(dates, symbols)
	require.NoError(t, err)
	for name, values := range columns {
		require.NoError(t, p.SetColumn(name, values))
	}
	require.NoError(t, p.ComputeDailyReturns(panel.DefaultSchema()))
	return p
}

func constant(nDates, nSym int, v float64) []float64 {
	out := make([]float64, nDates*nSym)
	for i := range out {
		out[i] = v
	}
	return out
}

func classBuyRule() strategy.Rule {
	return strategy.Rule{
		Name: "class_buy", Kind: strategy.SimpleCompare, Column: "pred_class",
		Operator:   strategy.OpIn,
		Thresholds: []strategy.Threshold{{Set: []float64{1, 2}}},
	}
}

// Single symbol, single combination: the position opens once the buy signal
// clears the two-day lag, closes after the holding-days rule fires, and the
// sell date does not re-enter even though the lagged buy signal is still on.
func TestRunSingleSymbolLifecycle(t *testing.T) {
	sch := panel.DefaultSchema()
	prices := []float64{10, 10, 11, 11, 12, 9, 9, 9, 9, 9}
	classes := []float64{-1, 1, 1, 1, 1, -1, -1, -1, -1, -1}

	p := buildPanel(t, 10, []string{"X"}, map[string][]float64{
		sch.Price:        prices,
		sch.Volume:       constant(10, 1, 1000),
		sch.Class:        classes,
		sch.ProbLowRisk:  constant(10, 1, 0.8),
		sch.ProbHighRisk: constant(10, 1, 0.1),
	})

	strat := &strategy.Strategy{
		BuyRules: []strategy.Rule{classBuyRule()},
		SellRules: []strategy.Rule{{
			Name: "max_hold", Kind: strategy.HoldingDays, Operator: strategy.OpGTE,
			Thresholds: []strategy.Threshold{{Value: 3}},
		}},
		PortfolioSizes: []int{1},
		MinHoldingDays: 2,
	}
	require.NoError(t, strat.Validate())

	sim := NewSimulator(p, sch, strat)
	log, err := sim.Run(strat.Combinations()[0])
	require.NoError(t, err)

	require.Equal(t, 2, log.Start)
	want := [][]int{{0}, {1}, {1}, {1}, {0}, {0}, {0}, {0}}
	assert.Equal(t, want, log.Codes)

	m := aggregate(log, p, sch, 1)
	assert.Equal(t, 1, m.TradeCount)
	assert.InDelta(t, 12.0/11.0*0.75, m.CumulativeReturn, 1e-12)
	assert.False(t, math.IsNaN(m.SharpeRatio))
}

// Holding days and the trailing multiplier restart with every new position:
// under a persistent buy signal, each re-entered position is held for the
// full holding window before the sell rule fires again. Stale state would
// close the second position immediately after re-entry.
func TestRunStateResetsOnReentry(t *testing.T) {
	sch := panel.DefaultSchema()
	nDates := 12

	p := buildPanel(t, nDates, []string{"X"}, map[string][]float64{
		sch.Price:        constant(nDates, 1, 100),
		sch.Volume:       constant(nDates, 1, 1000),
		sch.Class:        constant(nDates, 1, 1),
		sch.ProbLowRisk:  constant(nDates, 1, 0.8),
		sch.ProbHighRisk: constant(nDates, 1, 0.1),
	})

	strat := &strategy.Strategy{
		BuyRules: []strategy.Rule{classBuyRule()},
		SellRules: []strategy.Rule{{
			Name: "max_hold", Kind: strategy.HoldingDays, Operator: strategy.OpGTE,
			Thresholds: []strategy.Threshold{{Value: 3}},
		}},
		PortfolioSizes: []int{1},
		MinHoldingDays: 2,
	}
	require.NoError(t, strat.Validate())

	sim := NewSimulator(p, sch, strat)
	log, err := sim.Run(strat.Combinations()[0])
	require.NoError(t, err)

	want := [][]int{{1}, {1}, {1}, {0}, {1}, {1}, {1}, {0}, {1}, {1}}
	assert.Equal(t, want, log.Codes)

	m := aggregate(log, p, sch, 1)
	assert.Equal(t, 3, m.TradeCount)
}

// Capacity rationing: five eligible symbols, two slots, the two highest
// probabilities win.
func TestRunCapacityRationing(t *testing.T) {
	sch := panel.DefaultSchema()
	symbols := []string{"A", "B", "C", "D", "E"}
	nDates := 6

	classes := constant(nDates, 5, -1)
	probs := constant(nDates, 5, 0)
	probsBySymbol := []float64{0.5, 0.9, 0.7, 0.6, 0.8}
	for s := 0; s < 5; s++ {
		classes[1*5+s] = 1 // buy class on date 1, visible at decision date 3
		probs[1*5+s] = probsBySymbol[s]
	}

	p := buildPanel(t, nDates, symbols, map[string][]float64{
		sch.Price:        constant(nDates, 5, 100),
		sch.Volume:       constant(nDates, 5, 1000),
		sch.Class:        classes,
		sch.ProbLowRisk:  probs,
		sch.ProbHighRisk: constant(nDates, 5, 0),
	})

	strat := &strategy.Strategy{
		BuyRules:       []strategy.Rule{classBuyRule()},
		PortfolioSizes: []int{2},
		MinHoldingDays: 2,
	}
	require.NoError(t, strat.Validate())

	sim := NewSimulator(p, sch, strat)
	log, err := sim.Run(strat.Combinations()[0])
	require.NoError(t, err)

	// Decision date 3 is the second log row.
	assert.Equal(t, []int{0, 1, 0, 0, 1}, log.Codes[1])
}

// Sell gating: a sell rule firing from the first held day cannot close the
// position before the minimum holding period.
func TestRunSellGating(t *testing.T) {
	sch := panel.DefaultSchema()
	nDates := 10
	classes := constant(nDates, 1, -1)
	classes[1] = 1

	p := buildPanel(t, nDates, []string{"X"}, map[string][]float64{
		sch.Price:        constant(nDates, 1, 100),
		sch.Volume:       constant(nDates, 1, 1000),
		sch.Class:        classes,
		sch.ProbLowRisk:  constant(nDates, 1, 0.8),
		sch.ProbHighRisk: constant(nDates, 1, 0),
	})

	strat := &strategy.Strategy{
		BuyRules: []strategy.Rule{classBuyRule()},
		SellRules: []strategy.Rule{{
			Name: "eager_exit", Kind: strategy.HoldingDays, Operator: strategy.OpGTE,
			Thresholds: []strategy.Threshold{{Value: 1}},
		}},
		PortfolioSizes: []int{1},
		MinHoldingDays: 3,
	}

	sim := NewSimulator(p, sch, strat)
	log, err := sim.Run(strat.Combinations()[0])
	require.NoError(t, err)

	// Entry at decision date 3 (log row 0), held until holding days reach
	// the minimum of 3 at date 6.
	require.Equal(t, 3, log.Start)
	assert.Equal(t, [][]int{{1}, {1}, {1}, {0}, {0}, {0}, {0}}, log.Codes)
}

// Trailing stoploss: a steep drawdown closes the position once the holding
// minimum allows it.
func TestRunTrailingStoploss(t *testing.T) {
	sch := panel.DefaultSchema()
	nDates := 10
	prices := []float64{100, 100, 100, 100, 100, 80, 80, 80, 80, 80}
	classes := constant(nDates, 1, -1)
	classes[1] = 1

	p := buildPanel(t, nDates, []string{"X"}, map[string][]float64{
		sch.Price:        prices,
		sch.Volume:       constant(nDates, 1, 1000),
		sch.Class:        classes,
		sch.ProbLowRisk:  constant(nDates, 1, 0.8),
		sch.ProbHighRisk: constant(nDates, 1, 0),
	})

	strat := &strategy.Strategy{
		BuyRules: []strategy.Rule{classBuyRule()},
		SellRules: []strategy.Rule{{
			Name: "stoploss", Kind: strategy.TrailingStoploss, Operator: strategy.OpGTE,
			Thresholds: []strategy.Threshold{{Value: 0.10}},
		}},
		PortfolioSizes: []int{1},
		MinHoldingDays: 2,
	}

	sim := NewSimulator(p, sch, strat)
	log, err := sim.Run(strat.Combinations()[0])
	require.NoError(t, err)

	// Entry at date 3. The 20% drop happens date 4 to 5, compounds into the
	// trailing multiplier at date 6, and the stop fires there.
	assert.Equal(t, [][]int{{0}, {1}, {1}, {1}, {0}, {0}, {0}, {0}}, log.Codes)
}

// Two-tier slot caps hold on every date of the log.
func TestRunSlotCapacityInvariant(t *testing.T) {
	sch := panel.DefaultSchema()
	symbols := []string{"A", "B", "C", "D", "E", "F"}
	nDates := 12
	nSym := len(symbols)

	classes := make([]float64, nDates*nSym)
	probLow := constant(nDates, nSym, 0.5)
	probHigh := constant(nDates, nSym, 0.5)
	for t0 := 0; t0 < nDates; t0++ {
		for s := 0; s < nSym; s++ {
			if s < 3 {
				classes[t0*nSym+s] = 1
			} else {
				classes[t0*nSym+s] = 2
			}
		}
	}

	p := buildPanel(t, nDates, symbols, map[string][]float64{
		sch.Price:        constant(nDates, nSym, 100),
		sch.Volume:       constant(nDates, nSym, 1000),
		sch.Class:        classes,
		sch.ProbLowRisk:  probLow,
		sch.ProbHighRisk: probHigh,
	})

	strat := &strategy.Strategy{
		BuyRules: []strategy.Rule{classBuyRule()},
		SellRules: []strategy.Rule{{
			Name: "max_hold", Kind: strategy.HoldingDays, Operator: strategy.OpGTE,
			Thresholds: []strategy.Threshold{{Value: 2}},
		}},
		PortfolioSizes: []int{3},
		LowRiskProps:   []float64{0.66},
		MinHoldingDays: 2,
	}

	sim := NewSimulator(p, sch, strat)
	log, err := sim.Run(strat.Combinations()[0])
	require.NoError(t, err)

	lowSlots, highSlots := 2, 1
	for i, row := range log.Codes {
		low, high := 0, 0
		for _, code := range row {
			switch code {
			case LowRiskLong:
				low++
			case HighRiskLong:
				high++
			}
		}
		assert.LessOrEqual(t, low, lowSlots, "log row %d", i)
		assert.LessOrEqual(t, high, highSlots, "log row %d", i)
	}
}

func TestRunInsufficientHistory(t *testing.T) {
	sch := panel.DefaultSchema()
	p := buildPanel(t, 3, []string{"X"}, map[string][]float64{
		sch.Price:        constant(3, 1, 100),
		sch.Volume:       constant(3, 1, 1000),
		sch.Class:        constant(3, 1, 1),
		sch.ProbLowRisk:  constant(3, 1, 0.8),
		sch.ProbHighRisk: constant(3, 1, 0),
	})

	strat := &strategy.Strategy{
		BuyRules:       []strategy.Rule{classBuyRule()},
		PortfolioSizes: []int{1},
		MinHoldingDays: 5,
	}

	_, err := NewSimulator(p, sch, strat).Run(strat.Combinations()[0])
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestRunIsDeterministic(t *testing.T) {
	sch := panel.DefaultSchema()
	symbols := []string{"A", "B", "C", "D"}
	nDates := 15
	nSym := len(symbols)

	prices := make([]float64, nDates*nSym)
	classes := make([]float64, nDates*nSym)
	for t0 := 0; t0 < nDates; t0++ {
		for s := 0; s < nSym; s++ {
			prices[t0*nSym+s] = 100 + float64((t0*7+s*3)%11) - 5
			if (t0+s)%3 == 0 {
				classes[t0*nSym+s] = 1
			} else {
				classes[t0*nSym+s] = -1
			}
		}
	}

	p := buildPanel(t, nDates, symbols, map[string][]float64{
		sch.Price:        prices,
		sch.Volume:       constant(nDates, nSym, 1000),
		sch.Class:        classes,
		sch.ProbLowRisk:  constant(nDates, nSym, 0.7),
		sch.ProbHighRisk: constant(nDates, nSym, 0.1),
	})

	strat := &strategy.Strategy{
		BuyRules: []strategy.Rule{classBuyRule()},
		SellRules: []strategy.Rule{{
			Name: "max_hold", Kind: strategy.HoldingDays, Operator: strategy.OpGTE,
			Thresholds: []strategy.Threshold{{Value: 4}},
		}},
		PortfolioSizes: []int{2},
		MinHoldingDays: 2,
	}

	sim := NewSimulator(p, sch, strat)
	c := strat.Combinations()[0]

	first, err := sim.Run(c)
	require.NoError(t, err)
	second, err := sim.Run(c)
	require.NoError(t, err)

	assert.Equal(t, first.Codes, second.Codes)
	assert.Equal(t, aggregate(first, p, sch, 2), aggregate(second, p, sch, 2))
}
