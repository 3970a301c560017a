package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation (ddof=1) of a slice of
// float64 values. Returns 0 for fewer than two observations.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// CompoundReturn compounds a series of periodic returns into a single growth
// factor: product of (1 + r) over all periods.
func CompoundReturn(returns []float64) float64 {
	compounded := 1.0
	for _, r := range returns {
		compounded *= 1 + r
	}
	return compounded
}

// SharpeFromReturns calculates mean/std of the provided returns using the
// sample standard deviation. Returns NaN when the sample is empty or has
// zero variance, so degenerate inputs stay visible instead of collapsing
// to zero.
func SharpeFromReturns(returns []float64) float64 {
	if len(returns) == 0 {
		return math.NaN()
	}

	sd := StdDev(returns)
	if sd == 0 {
		return math.NaN()
	}

	return Mean(returns) / sd
}

// CalculateReturns converts prices to percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}
