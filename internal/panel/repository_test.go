package panel

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantfin/internal/database"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "panel.db"),
		Profile: database.ProfilePanel,
		Name:    "panel-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db)
	require.NoError(t, repo.Migrate())
	return repo
}

func TestRepositoryRoundTrip(t *testing.T) {
	repo := testRepo(t)

	d1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	obs := []Observation{
		{Symbol: "AAPL", Date: d1, Price: 100, Volume: 1000, Class: 1, ProbLowRisk: 0.6, ProbHighRisk: 0.1},
		{Symbol: "AAPL", Date: d2, Price: 110, Volume: 1100, Class: 2, ProbLowRisk: 0.2, ProbHighRisk: 0.7},
		{Symbol: "MSFT", Date: d2, Price: 200, Volume: 500, Class: -1, ProbLowRisk: 0.1, ProbHighRisk: 0.1},
	}
	require.NoError(t, repo.SaveObservations(obs))

	sch := DefaultSchema()
	p, err := repo.Load(sch)
	require.NoError(t, err)

	assert.Equal(t, 2, p.NumDates())
	assert.Equal(t, []string{"AAPL", "MSFT"}, p.Symbols())

	v, err := p.Value(sch.Price, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 110.0, v)

	// MSFT has no observation on the first date
	v, err = p.Value(sch.Price, 0, 1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))

	// Daily return derived on load
	v, err = p.Value(sch.DailyReturn, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, v, 1e-12)
}

func TestRepositoryUpsertReplaces(t *testing.T) {
	repo := testRepo(t)

	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveObservations([]Observation{
		{Symbol: "AAPL", Date: d, Price: 100, Volume: 1000, Class: 1, ProbLowRisk: 0.5, ProbHighRisk: 0.2},
	}))
	require.NoError(t, repo.SaveObservations([]Observation{
		{Symbol: "AAPL", Date: d, Price: 105, Volume: 1000, Class: 1, ProbLowRisk: 0.5, ProbHighRisk: 0.2},
	}))

	sch := DefaultSchema()
	p, err := repo.Load(sch)
	require.NoError(t, err)

	require.Equal(t, 1, p.NumDates())
	v, err := p.Value(sch.Price, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 105.0, v)
}

func TestRepositoryLoadEmpty(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.Load(DefaultSchema())
	assert.Error(t, err)
}
