// Package runs tracks grid-search executions: starting them, streaming their
// progress, cancelling them, and persisting their results on completion.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/quantfin/internal/backtest"
	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/strategy"
)

// Status of a tracked run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is a point-in-time snapshot of one search execution.
type Run struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Total      int       `json:"total_combinations"`
	Completed  int       `json:"completed_combinations"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PanelLoader supplies the observation panel a search runs over.
type PanelLoader interface {
	Load(sch panel.Schema) (*panel.Panel, error)
}

// ResultStore persists a completed run's result rows.
type ResultStore interface {
	SaveRun(runID string, rows []backtest.Result) error
}

type runState struct {
	snapshot Run
	cancel   context.CancelFunc
}

// Manager owns all run lifecycles. One search runs per Start call; multiple
// runs may execute concurrently, each with its own worker pool.
type Manager struct {
	loader  PanelLoader
	store   ResultStore
	workers int
	policy  backtest.ErrorPolicy
	log     zerolog.Logger

	mu   sync.RWMutex
	runs map[string]*runState
}

// NewManager creates a run manager.
func NewManager(loader PanelLoader, store ResultStore, workers int, policy backtest.ErrorPolicy, log zerolog.Logger) *Manager {
	return &Manager{
		loader:  loader,
		store:   store,
		workers: workers,
		policy:  policy,
		log:     log.With().Str("component", "runs").Logger(),
		runs:    make(map[string]*runState),
	}
}

// SearchRequest is everything needed to launch one grid search.
type SearchRequest struct {
	Strategy   *strategy.Strategy    `json:"strategy"`
	Schema     *panel.Schema         `json:"schema,omitempty"`     // nil selects the default column names
	Indicators []panel.IndicatorSpec `json:"indicators,omitempty"` // derived columns computed after load
}

// Start validates the request, loads and enriches the panel, and launches the
// search in the background. It returns the new run's initial snapshot.
func (m *Manager) Start(req SearchRequest) (Run, error) {
	if req.Strategy == nil {
		return Run{}, fmt.Errorf("search request has no strategy")
	}
	strat := req.Strategy
	if err := strat.Validate(); err != nil {
		return Run{}, err
	}

	sch := panel.DefaultSchema()
	if req.Schema != nil {
		sch = *req.Schema
	}

	p, err := m.loader.Load(sch)
	if err != nil {
		return Run{}, fmt.Errorf("failed to load panel: %w", err)
	}

	for _, spec := range req.Indicators {
		if err := p.AddIndicator(spec.Name, spec.Source, spec.Kind, spec.Length); err != nil {
			return Run{}, fmt.Errorf("failed to add indicator %q: %w", spec.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		snapshot: Run{
			ID:        uuid.New().String(),
			Status:    StatusRunning,
			Total:     strat.NumCombinations(),
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.runs[state.snapshot.ID] = state
	m.mu.Unlock()

	m.log.Info().
		Str("run_id", state.snapshot.ID).
		Int("combinations", state.snapshot.Total).
		Msg("Starting search run")

	go m.execute(ctx, state, p, sch, strat)

	return state.snapshot, nil
}

func (m *Manager) execute(ctx context.Context, state *runState, p *panel.Panel, sch panel.Schema, strat *strategy.Strategy) {
	defer state.cancel()

	searcher := backtest.NewSearcher(p, sch, strat, m.workers, m.policy, m.log)
	searcher.OnProgress(func(pr backtest.Progress) {
		m.mu.Lock()
		state.snapshot.Completed = pr.Completed
		m.mu.Unlock()
	})

	rows, err := searcher.Run(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	state.snapshot.FinishedAt = time.Now().UTC()

	switch {
	case errors.Is(err, context.Canceled):
		state.snapshot.Status = StatusCancelled
	case err != nil:
		state.snapshot.Status = StatusFailed
		state.snapshot.Error = err.Error()
		m.log.Error().Err(err).Str("run_id", state.snapshot.ID).Msg("Search run failed")
	default:
		if saveErr := m.store.SaveRun(state.snapshot.ID, rows); saveErr != nil {
			state.snapshot.Status = StatusFailed
			state.snapshot.Error = saveErr.Error()
			m.log.Error().Err(saveErr).Str("run_id", state.snapshot.ID).Msg("Failed to persist results")
			return
		}
		state.snapshot.Status = StatusCompleted
		state.snapshot.Completed = len(rows)
		m.log.Info().Str("run_id", state.snapshot.ID).Int("rows", len(rows)).Msg("Search run complete")
	}
}

// Get returns a run snapshot by id.
func (m *Manager) Get(id string) (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return state.snapshot, true
}

// List returns snapshots of all tracked runs, newest first.
func (m *Manager) List() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Run, 0, len(m.runs))
	for _, state := range m.runs {
		out = append(out, state.snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel requests cancellation of a running search. The run keeps executing
// its in-flight combinations before it stops.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	state, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	state.cancel()
	return true
}
