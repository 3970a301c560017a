package results

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantfin/internal/backtest"
	"github.com/aristath/quantfin/internal/database"
	"github.com/aristath/quantfin/internal/strategy"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "results.db"),
		Profile: database.ProfileResults,
		Name:    "results-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db)
	require.NoError(t, repo.Migrate())
	return repo
}

func sampleResults() []backtest.Result {
	return []backtest.Result{
		{
			Index: 0, PortfolioSize: 5, LowRiskProp: 0.4,
			Thresholds: []strategy.ResolvedThreshold{{Rule: "class_buy", Value: "{1,2}"}},
			Metrics:    backtest.Metrics{CumulativeReturn: 1.2, SharpeRatio: 0.8, TradeCount: 12},
		},
		{
			Index: 1, PortfolioSize: 5, LowRiskProp: 0.4,
			Thresholds: []strategy.ResolvedThreshold{{Rule: "class_buy", Value: "{2}"}},
			Metrics:    backtest.Metrics{CumulativeReturn: 1.4, SharpeRatio: 1.3, TradeCount: 7},
		},
		{
			Index: 2, PortfolioSize: 10, LowRiskProp: math.NaN(),
			Thresholds: []strategy.ResolvedThreshold{{Rule: "class_buy", Value: "{1}"}},
			Metrics:    backtest.Metrics{CumulativeReturn: 1.0, SharpeRatio: math.NaN(), TradeCount: 0},
		},
	}
}

func TestSaveRunAndListRows(t *testing.T) {
	repo := testRepo(t)
	require.NoError(t, repo.SaveRun("run-1", sampleResults()))

	rows, err := repo.ListRows("run-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 0, rows[0].CombinationIndex)
	assert.Equal(t, 1.2, rows[0].CumulativeReturn)
	assert.Equal(t, []strategy.ResolvedThreshold{{Rule: "class_buy", Value: "{1,2}"}}, rows[0].Thresholds)

	// Sentinels survive the round trip.
	assert.True(t, math.IsNaN(rows[2].SharpeRatio))
	assert.True(t, math.IsNaN(rows[2].LowRiskProp))
}

func TestTopBySharpeOrdersAndExcludesFailures(t *testing.T) {
	repo := testRepo(t)

	results := sampleResults()
	results = append(results, backtest.Result{
		Index: 3, PortfolioSize: 5, LowRiskProp: 0.4,
		Thresholds: []strategy.ResolvedThreshold{{Rule: "class_buy", Value: "{1}"}},
		Metrics:    backtest.Metrics{CumulativeReturn: math.NaN(), SharpeRatio: math.NaN()},
		Err:        errors.New("column missing"),
	})
	require.NoError(t, repo.SaveRun("run-1", results))

	top, err := repo.TopBySharpe("run-1", 10)
	require.NoError(t, err)
	require.Len(t, top, 3)

	assert.Equal(t, 1, top[0].CombinationIndex, "best Sharpe first")
	assert.Equal(t, 0, top[1].CombinationIndex)
	assert.Equal(t, 2, top[2].CombinationIndex, "degenerate Sharpe last")
}

func TestListRuns(t *testing.T) {
	repo := testRepo(t)
	require.NoError(t, repo.SaveRun("run-1", sampleResults()))
	require.NoError(t, repo.SaveRun("run-2", sampleResults()[:1]))

	runs, err := repo.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)

	ids := []string{runs[0].ID, runs[1].ID}
	assert.Contains(t, ids, "run-1")
	assert.Contains(t, ids, "run-2")
	for _, run := range runs {
		if run.ID == "run-1" {
			assert.Equal(t, 3, run.Combinations)
		}
	}
}
