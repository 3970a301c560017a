package scheduler

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfin/internal/runs"
)

// SearchJob launches the search request stored on disk, so a nightly cron can
// re-run the grid after fresh observations were ingested.
type SearchJob struct {
	path string
	mgr  *runs.Manager
	log  zerolog.Logger
}

// NewSearchJob creates a scheduled search job reading its request from path.
func NewSearchJob(path string, mgr *runs.Manager, log zerolog.Logger) *SearchJob {
	return &SearchJob{
		path: path,
		mgr:  mgr,
		log:  log.With().Str("component", "search-job").Logger(),
	}
}

// Name implements Job.
func (j *SearchJob) Name() string { return "scheduled-search" }

// Run implements Job.
func (j *SearchJob) Run() error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return fmt.Errorf("failed to read search request %s: %w", j.path, err)
	}

	var req runs.SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse search request %s: %w", j.path, err)
	}

	run, err := j.mgr.Start(req)
	if err != nil {
		return fmt.Errorf("failed to start scheduled search: %w", err)
	}

	j.log.Info().Str("run_id", run.ID).Int("combinations", run.Total).Msg("Scheduled search started")
	return nil
}
