package panel

import (
	"fmt"
	"math"

	"github.com/aristath/quantfin/pkg/formulas"
)

// IndicatorKind identifies a derived indicator column.
type IndicatorKind string

const (
	IndicatorSMA IndicatorKind = "sma"
	IndicatorEMA IndicatorKind = "ema"
	IndicatorRSI IndicatorKind = "rsi"
)

// IndicatorSpec describes one derived column to compute before a search.
type IndicatorSpec struct {
	Name   string        `json:"name"`
	Source string        `json:"source"`
	Kind   IndicatorKind `json:"kind"`
	Length int           `json:"length"`
}

// AddIndicator computes a technical indicator per symbol over a source column
// and registers the result as a new panel column, so strategy rules can
// reference it like any raw observation (e.g. ColumnsCompare of price vs its
// 20-day SMA). Warm-up dates stay NaN. Symbols whose source series has any
// missing value are skipped entirely: talib needs a gapless series.
func (p *Panel) AddIndicator(name string, source string, kind IndicatorKind, length int) error {
	src, ok := p.columns[source]
	if !ok {
		return fmt.Errorf("source column %q does not exist", source)
	}
	if p.HasColumn(name) {
		return fmt.Errorf("column %q already exists", name)
	}
	if length <= 0 {
		return fmt.Errorf("indicator length must be positive, got %d", length)
	}

	out := make([]float64, len(src))
	for i := range out {
		out[i] = math.NaN()
	}

	nSym := len(p.symbols)
	for s := 0; s < nSym; s++ {
		series := p.symbolSeries(src, s)
		if hasNaN(series) {
			continue
		}

		var values []float64
		warmup := length - 1
		switch kind {
		case IndicatorSMA:
			values = formulas.SMASeries(series, length)
		case IndicatorEMA:
			values = formulas.EMASeries(series, length)
		case IndicatorRSI:
			values = formulas.RSISeries(series, length)
			warmup = length
		default:
			return fmt.Errorf("unsupported indicator kind %q", kind)
		}

		if values == nil {
			continue
		}
		// talib zero-fills the warm-up window; keep those dates missing.
		for t := warmup; t < len(values); t++ {
			out[t*nSym+s] = values[t]
		}
	}

	p.columns[name] = out
	return nil
}

func hasNaN(series []float64) bool {
	for _, v := range series {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
