// Package results persists completed grid-search runs and their
// per-combination result rows.
package results

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/quantfin/internal/backtest"
	"github.com/aristath/quantfin/internal/database"
	"github.com/aristath/quantfin/internal/strategy"
)

// Row is one stored combination outcome.
type Row struct {
	RunID            string                       `json:"run_id"`
	CombinationIndex int                          `json:"combination_index"`
	PortfolioSize    int                          `json:"portfolio_size"`
	LowRiskProp      float64                      `json:"low_risk_prop"` // NaN in single-tier mode
	CumulativeReturn float64                      `json:"cumulative_return"`
	SharpeRatio      float64                      `json:"sharpe_ratio"`
	TradeCount       int                          `json:"trade_count"`
	Thresholds       []strategy.ResolvedThreshold `json:"thresholds"`
	Error            string                       `json:"error,omitempty"`
}

// Repository stores search results in the results database.
type Repository struct {
	db *database.DB
}

// NewRepository creates a results repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the result tables if needed.
func (r *Repository) Migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		combinations INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS results (
		run_id TEXT NOT NULL,
		combination_index INTEGER NOT NULL,
		portfolio_size INTEGER NOT NULL,
		low_risk_prop REAL,
		cumulative_return REAL,
		sharpe_ratio REAL,
		trade_count INTEGER NOT NULL,
		thresholds BLOB NOT NULL,
		error TEXT,
		PRIMARY KEY (run_id, combination_index),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_results_run_sharpe ON results(run_id, sharpe_ratio DESC);
	`

	if _, err := r.db.Conn().Exec(query); err != nil {
		return fmt.Errorf("failed to create result tables: %w", err)
	}

	return nil
}

// SaveRun stores one completed run and all of its result rows in a single
// transaction, replacing any earlier rows under the same run id.
func (r *Repository) SaveRun(runID string, rows []backtest.Result) error {
	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO runs (id, created_at, combinations) VALUES (?, ?, ?)`,
		runID, time.Now().Unix(), len(rows))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO results
		(run_id, combination_index, portfolio_size, low_risk_prop,
		 cumulative_return, sharpe_ratio, trade_count, thresholds, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, res := range rows {
		blob, err := msgpack.Marshal(res.Thresholds)
		if err != nil {
			return fmt.Errorf("failed to encode thresholds for combination %d: %w", res.Index, err)
		}

		var errText interface{}
		if res.Err != nil {
			errText = res.Err.Error()
		}

		_, err = stmt.Exec(
			runID,
			res.Index,
			res.PortfolioSize,
			nullable(res.LowRiskProp),
			nullable(res.Metrics.CumulativeReturn),
			nullable(res.Metrics.SharpeRatio),
			res.Metrics.TradeCount,
			blob,
			errText,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result %d of run %s: %w", res.Index, runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", runID, err)
	}

	return nil
}

// ListRows returns a run's result rows in combination order.
func (r *Repository) ListRows(runID string) ([]Row, error) {
	return r.queryRows(`
		SELECT run_id, combination_index, portfolio_size, low_risk_prop,
		       cumulative_return, sharpe_ratio, trade_count, thresholds, error
		FROM results
		WHERE run_id = ?
		ORDER BY combination_index ASC
	`, runID)
}

// TopBySharpe returns a run's best rows ranked by Sharpe ratio. Rows with a
// NULL (degenerate) Sharpe sort last, failed rows are excluded.
func (r *Repository) TopBySharpe(runID string, limit int) ([]Row, error) {
	return r.queryRows(`
		SELECT run_id, combination_index, portfolio_size, low_risk_prop,
		       cumulative_return, sharpe_ratio, trade_count, thresholds, error
		FROM results
		WHERE run_id = ? AND error IS NULL
		ORDER BY sharpe_ratio IS NULL ASC, sharpe_ratio DESC, combination_index ASC
		LIMIT ?
	`, runID, limit)
}

func (r *Repository) queryRows(query string, args ...interface{}) ([]Row, error) {
	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row     Row
			prop    sql.NullFloat64
			cumRet  sql.NullFloat64
			sharpe  sql.NullFloat64
			errText sql.NullString
			blob    []byte
		)
		if err := rows.Scan(&row.RunID, &row.CombinationIndex, &row.PortfolioSize, &prop,
			&cumRet, &sharpe, &row.TradeCount, &blob, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		row.LowRiskProp = floatOrNaN(prop)
		row.CumulativeReturn = floatOrNaN(cumRet)
		row.SharpeRatio = floatOrNaN(sharpe)
		row.Error = errText.String

		if err := msgpack.Unmarshal(blob, &row.Thresholds); err != nil {
			return nil, fmt.Errorf("failed to decode thresholds for combination %d: %w",
				row.CombinationIndex, err)
		}

		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate result rows: %w", err)
	}

	return out, nil
}

// RunInfo is one stored run's metadata.
type RunInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Combinations int       `json:"combinations"`
}

// ListRuns returns stored runs, newest first.
func (r *Repository) ListRuns() ([]RunInfo, error) {
	rows, err := r.db.Conn().Query(`SELECT id, created_at, combinations FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			info RunInfo
			unix int64
		)
		if err := rows.Scan(&info.ID, &unix, &info.Combinations); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		info.CreatedAt = time.Unix(unix, 0).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return out, nil
}

func nullable(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
