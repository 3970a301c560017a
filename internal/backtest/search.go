package backtest

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/strategy"
)

// ErrorPolicy decides what a configuration error mid-search does.
type ErrorPolicy int

const (
	// AbortOnError cancels the whole search on the first failing combination.
	AbortOnError ErrorPolicy = iota
	// RecordAndContinue records the failure on the combination's result row
	// and keeps searching. An omitted row would be indistinguishable from a
	// combination that evaluated and lost.
	RecordAndContinue
)

// Result is one combination's outcome row. The searcher reports rows in
// combination-generation order regardless of worker scheduling, with every
// threshold resolved to its literal.
type Result struct {
	Index         int
	PortfolioSize int
	LowRiskProp   float64 // NaN in single-tier mode
	Thresholds    []strategy.ResolvedThreshold
	Metrics       Metrics
	Err           error
}

// Progress is one per-combination completion notice.
type Progress struct {
	Completed int
	Total     int
	Index     int
	Metrics   Metrics
}

// ProgressFunc receives progress notices. It may be called from multiple
// workers and must be safe for concurrent use.
type ProgressFunc func(Progress)

// Searcher evaluates every combination of a strategy's parameter grid over
// one panel, fanning combinations out across a worker pool.
type Searcher struct {
	strat    *strategy.Strategy
	sim      *Simulator
	workers  int
	policy   ErrorPolicy
	log      zerolog.Logger
	progress ProgressFunc
}

// NewSearcher creates a searcher. workers below 1 is clamped to 1.
func NewSearcher(p *panel.Panel, sch panel.Schema, strat *strategy.Strategy, workers int, policy ErrorPolicy, log zerolog.Logger) *Searcher {
	if workers < 1 {
		workers = 1
	}
	return &Searcher{
		strat:   strat,
		sim:     NewSimulator(p, sch, strat),
		workers: workers,
		policy:  policy,
		log:     log.With().Str("component", "searcher").Logger(),
	}
}

// OnProgress registers a progress observer. Must be called before Run.
func (s *Searcher) OnProgress(fn ProgressFunc) {
	s.progress = fn
}

// Run evaluates the whole grid and returns one result per combination in
// generation order. Cancellation is checked between combinations only; an
// in-flight simulation always finishes.
func (s *Searcher) Run(ctx context.Context) ([]Result, error) {
	if err := s.strat.Validate(); err != nil {
		return nil, err
	}
	if s.sim.p.NumDates() <= s.strat.MinHoldingDays {
		return nil, ErrInsufficientHistory
	}

	combos := s.strat.Combinations()
	results := make([]Result, len(combos))

	s.log.Info().
		Int("combinations", len(combos)).
		Int("workers", s.workers).
		Msg("Starting grid search")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan strategy.Combination)
	go func() {
		defer close(jobs)
		for _, c := range combos {
			select {
			case jobs <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		abortErr  error
		abortIdx  = -1
	)

	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				results[c.Index] = s.evaluate(c)

				mu.Lock()
				completed++
				done := completed
				if err := results[c.Index].Err; err != nil && s.policy == AbortOnError {
					if abortIdx == -1 || c.Index < abortIdx {
						abortErr = err
						abortIdx = c.Index
					}
					cancel()
				}
				mu.Unlock()

				if s.progress != nil && results[c.Index].Err == nil {
					s.progress(Progress{
						Completed: done,
						Total:     len(combos),
						Index:     c.Index,
						Metrics:   results[c.Index].Metrics,
					})
				}
			}
		}()
	}

	wg.Wait()

	if abortErr != nil {
		return nil, fmt.Errorf("combination %d failed: %w", abortIdx, abortErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.log.Info().Int("combinations", len(combos)).Msg("Grid search complete")
	return results, nil
}

// evaluate runs one combination end to end.
func (s *Searcher) evaluate(c strategy.Combination) Result {
	res := Result{
		Index:         c.Index,
		PortfolioSize: c.PortfolioSize,
		LowRiskProp:   c.LowRiskProp,
		Thresholds:    s.strat.Resolve(c),
	}

	log, err := s.sim.Run(c)
	if err != nil {
		s.log.Warn().Err(err).Int("combination", c.Index).Msg("Combination failed")
		res.Err = err
		res.Metrics = Metrics{
			CumulativeReturn: math.NaN(),
			SharpeRatio:      math.NaN(),
		}
		return res
	}

	res.Metrics = aggregate(log, s.sim.p, s.sim.sch, c.PortfolioSize)
	return res
}
