package backtest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/quantfin/internal/panel"
)

func TestAggregateCountsEntriesNotHeldDays(t *testing.T) {
	sch := panel.DefaultSchema()
	p := buildPanel(t, 6, []string{"A", "B"}, map[string][]float64{
		sch.Price: {100, 100, 110, 110, 99, 99, 108.9, 99, 108.9, 99, 108.9, 99},
	})

	log := &PositionLog{
		Start: 1,
		Codes: [][]int{
			{1, 0},
			{1, 0},
			{0, 2},
			{1, 2},
			{1, 0},
		},
	}

	m := aggregate(log, p, sch, 2)
	// A enters twice, B once.
	assert.Equal(t, 3, m.TradeCount)
}

func TestAggregateDilutesOverFullCapacity(t *testing.T) {
	sch := panel.DefaultSchema()
	// One symbol returning +10% on date 1 while held.
	p := buildPanel(t, 3, []string{"A"}, map[string][]float64{
		sch.Price: {100, 110, 110},
	})

	log := &PositionLog{Start: 1, Codes: [][]int{{1}, {1}}}

	half := aggregate(log, p, sch, 2)
	full := aggregate(log, p, sch, 1)

	assert.InDelta(t, 1.05, half.CumulativeReturn, 1e-12)
	assert.InDelta(t, 1.10, full.CumulativeReturn, 1e-12)
}

func TestAggregateMissingReturnsAreNeutral(t *testing.T) {
	sch := panel.DefaultSchema()
	p := buildPanel(t, 4, []string{"A"}, map[string][]float64{
		sch.Price: {100, math.NaN(), 100, 100},
	})

	log := &PositionLog{Start: 1, Codes: [][]int{{1}, {1}, {1}}}

	m := aggregate(log, p, sch, 1)
	assert.Equal(t, 1.0, m.CumulativeReturn)
	assert.True(t, math.IsNaN(m.SharpeRatio))
}
