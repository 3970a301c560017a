package formulas

import (
	"github.com/markcheno/go-talib"
)

// SMASeries calculates a simple moving average series over closing prices.
// talib zero-fills the first length-1 warm-up values; callers decide how to
// treat them.
func SMASeries(closes []float64, length int) []float64 {
	if len(closes) < length || length <= 0 {
		return nil
	}
	return talib.Sma(closes, length)
}

// EMASeries calculates an exponential moving average series over closing prices.
func EMASeries(closes []float64, length int) []float64 {
	if len(closes) < length || length <= 0 {
		return nil
	}
	return talib.Ema(closes, length)
}

// RSISeries calculates the Relative Strength Index series.
//
// RSI Formula:
//   RSI = 100 - (100 / (1 + RS))
//   where RS = Average Gain / Average Loss over N periods
func RSISeries(closes []float64, length int) []float64 {
	if len(closes) < length+1 || length <= 0 {
		return nil
	}
	return talib.Rsi(closes, length)
}
