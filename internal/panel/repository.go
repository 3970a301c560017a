package panel

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/quantfin/internal/database"
)

// Observation is one symbol-date row as stored by the ingestion pipeline.
// NaN fields are persisted as NULL.
type Observation struct {
	Symbol       string
	Date         time.Time
	Price        float64
	Volume       float64
	Class        float64
	ProbLowRisk  float64
	ProbHighRisk float64
}

// Repository persists and loads the observation panel.
type Repository struct {
	db *database.DB
}

// NewRepository creates a panel repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the observations table if needed.
func (r *Repository) Migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS observations (
		symbol TEXT NOT NULL,
		date INTEGER NOT NULL,
		adj_close REAL,
		volume REAL,
		pred_class REAL,
		proba_low_risk REAL,
		proba_high_risk REAL,
		PRIMARY KEY (symbol, date)
	);
	CREATE INDEX IF NOT EXISTS idx_observations_date ON observations(date);
	`

	if _, err := r.db.Conn().Exec(query); err != nil {
		return fmt.Errorf("failed to create observations table: %w", err)
	}

	return nil
}

// SaveObservations upserts a batch of observations in a single transaction.
// Dates are stored as unix timestamps (UTC midnight).
func (r *Repository) SaveObservations(obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO observations
		(symbol, date, adj_close, volume, pred_class, proba_low_risk, proba_high_risk)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		_, err := stmt.Exec(
			o.Symbol,
			o.Date.UTC().Truncate(24*time.Hour).Unix(),
			nullable(o.Price),
			nullable(o.Volume),
			nullable(o.Class),
			nullable(o.ProbLowRisk),
			nullable(o.ProbHighRisk),
		)
		if err != nil {
			return fmt.Errorf("failed to insert observation %s/%s: %w",
				o.Symbol, o.Date.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit observations: %w", err)
	}

	return nil
}

// Load reads every stored observation and assembles the dense panel over the
// union of dates and symbols. Gaps stay NaN. The daily return column is
// derived from prices after assembly.
func (r *Repository) Load(sch Schema) (*Panel, error) {
	rows, err := r.db.Conn().Query(`
		SELECT symbol, date, adj_close, volume, pred_class, proba_low_risk, proba_high_risk
		FROM observations
		ORDER BY date ASC, symbol ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var obs []Observation
	dateSet := make(map[int64]struct{})
	symbolSet := make(map[string]struct{})

	for rows.Next() {
		var (
			symbol                    string
			unixDate                  int64
			price, volume, class      sql.NullFloat64
			probLowRisk, probHighRisk sql.NullFloat64
		)
		if err := rows.Scan(&symbol, &unixDate, &price, &volume, &class, &probLowRisk, &probHighRisk); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}

		obs = append(obs, Observation{
			Symbol:       symbol,
			Date:         time.Unix(unixDate, 0).UTC(),
			Price:        floatOrNaN(price),
			Volume:       floatOrNaN(volume),
			Class:        floatOrNaN(class),
			ProbLowRisk:  floatOrNaN(probLowRisk),
			ProbHighRisk: floatOrNaN(probHighRisk),
		})
		dateSet[unixDate] = struct{}{}
		symbolSet[symbol] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate observations: %w", err)
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("no observations stored")
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, time.Unix(d, 0).UTC())
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	p, err := New(dates, symbols)
	if err != nil {
		return nil, err
	}

	dateIdx := make(map[int64]int, len(dates))
	for i, d := range dates {
		dateIdx[d.Unix()] = i
	}

	for _, name := range []string{sch.Price, sch.Volume, sch.Class, sch.ProbLowRisk, sch.ProbHighRisk} {
		if err := p.AddColumn(name); err != nil {
			return nil, err
		}
	}

	for _, o := range obs {
		t := dateIdx[o.Date.Unix()]
		s := p.symbolIdx[o.Symbol]
		p.columns[sch.Price][p.Index(t, s)] = o.Price
		p.columns[sch.Volume][p.Index(t, s)] = o.Volume
		p.columns[sch.Class][p.Index(t, s)] = o.Class
		p.columns[sch.ProbLowRisk][p.Index(t, s)] = o.ProbLowRisk
		p.columns[sch.ProbHighRisk][p.Index(t, s)] = o.ProbHighRisk
	}

	if err := p.ComputeDailyReturns(sch); err != nil {
		return nil, err
	}

	return p, nil
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
