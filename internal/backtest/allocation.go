package backtest

import (
	"math"
	"sort"
)

// Position codes carried in the simulation state and the position log.
const (
	Flat         = 0
	LowRiskLong  = 1
	HighRiskLong = 2
)

// allocInput bundles the per-symbol vectors the allocator ranks on. All
// observation vectors are already lagged by the caller.
type allocInput struct {
	eligible []bool    // buy signal AND currently flat
	updated  []int     // position codes after sells were applied
	class    []float64 // predicted class, decides the tier and the position code
	probLow  []float64 // probability of the low-risk buy class
	probHigh []float64 // probability of the high-risk buy class
	volume   []float64
}

type candidate struct {
	symbol int
	prob   float64
	volume float64
}

// allocate selects which eligible symbols enter new positions this date and
// returns their position codes (zero elsewhere). Capacity is a single pool of
// portfolioSize slots, or split per risk tier when lowRiskProp is set.
func allocate(in allocInput, portfolioSize int, lowRiskProp float64) []int {
	trades := make([]int, len(in.updated))

	if math.IsNaN(lowRiskProp) {
		held := 0
		for _, code := range in.updated {
			if code > Flat {
				held++
			}
		}
		// Single pool ranks on the combined buy-class probability.
		for _, c := range rankCandidates(in, nil, portfolioSize-held) {
			trades[c.symbol] = int(in.class[c.symbol])
		}
		return trades
	}

	lowSlots := int(math.Round(float64(portfolioSize) * lowRiskProp))
	highSlots := portfolioSize - lowSlots

	heldLow, heldHigh := 0, 0
	for _, code := range in.updated {
		switch code {
		case LowRiskLong:
			heldLow++
		case HighRiskLong:
			heldHigh++
		}
	}

	for _, c := range rankCandidates(in, []int{LowRiskLong}, lowSlots-heldLow) {
		trades[c.symbol] = LowRiskLong
	}
	for _, c := range rankCandidates(in, []int{HighRiskLong}, highSlots-heldHigh) {
		trades[c.symbol] = HighRiskLong
	}

	return trades
}

// rankCandidates filters eligible symbols to the requested tiers, ranks them
// by probability descending with volume then symbol order as tie-breaks, and
// returns at most slots of them. A nil tier filter admits both buy classes
// and ranks on the summed class probabilities.
func rankCandidates(in allocInput, tiers []int, slots int) []candidate {
	if slots <= 0 {
		return nil
	}

	var cands []candidate
	for s, ok := range in.eligible {
		if !ok || in.updated[s] != Flat {
			continue
		}
		code := in.class[s]
		if math.IsNaN(code) {
			continue
		}

		var prob float64
		switch {
		case tiers == nil:
			if code != LowRiskLong && code != HighRiskLong {
				continue
			}
			prob = in.probLow[s] + in.probHigh[s]
		case matchesTier(int(code), tiers):
			if int(code) == LowRiskLong {
				prob = in.probLow[s]
			} else {
				prob = in.probHigh[s]
			}
		default:
			continue
		}
		if math.IsNaN(prob) {
			continue
		}

		vol := in.volume[s]
		if math.IsNaN(vol) {
			vol = 0
		}
		cands = append(cands, candidate{symbol: s, prob: prob, volume: vol})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].prob != cands[j].prob {
			return cands[i].prob > cands[j].prob
		}
		if cands[i].volume != cands[j].volume {
			return cands[i].volume > cands[j].volume
		}
		return cands[i].symbol < cands[j].symbol
	})

	if len(cands) > slots {
		cands = cands[:slots]
	}
	return cands
}

func matchesTier(code int, tiers []int) bool {
	for _, t := range tiers {
		if code == t {
			return true
		}
	}
	return false
}
