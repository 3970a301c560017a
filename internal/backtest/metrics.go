package backtest

import (
	"math"

	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/pkg/formulas"
)

// Metrics are the portfolio-level outcomes of one simulated combination.
// SharpeRatio is NaN when the non-zero-return sample is empty or has zero
// variance; that sentinel is preserved through the result table.
type Metrics struct {
	CumulativeReturn float64
	SharpeRatio      float64
	TradeCount       int
}

// aggregate reduces a completed position log into portfolio metrics. A trade
// is one flat-to-long entry. The per-date portfolio return spreads the summed
// held-symbol returns over the full slot capacity, so idle slots dilute.
func aggregate(log *PositionLog, p *panel.Panel, sch panel.Schema, portfolioSize int) Metrics {
	returns, _ := p.Column(sch.DailyReturn)
	nSym := p.NumSymbols()

	var trades int
	portfolio := make([]float64, len(log.Codes))

	for i, row := range log.Codes {
		t := log.Start + i
		var sum float64
		for s, code := range row {
			if code > Flat {
				if i == 0 || log.Codes[i-1][s] == Flat {
					trades++
				}
				if r := returns[t*nSym+s]; !math.IsNaN(r) {
					sum += r
				}
			}
		}
		portfolio[i] = sum / float64(portfolioSize)
	}

	var nonZero []float64
	for _, r := range portfolio {
		if r != 0 {
			nonZero = append(nonZero, r)
		}
	}

	return Metrics{
		CumulativeReturn: formulas.CompoundReturn(portfolio),
		SharpeRatio:      formulas.SharpeFromReturns(nonZero),
		TradeCount:       trades,
	}
}
