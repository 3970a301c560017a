// Package panel holds the historical observation panel consumed by the
// backtesting engine: a dense dates × symbols grid of named float64 columns.
// The panel is built once by the ingestion side and treated as read-only by
// the engine; missing observations are NaN, never zero.
package panel

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Schema names the columns the engine reads. Column names are configurable,
// their semantics are fixed.
type Schema struct {
	Price        string // adjusted close price
	Volume       string // traded volume
	DailyReturn  string // price[t]/price[t-1] - 1, derived when absent
	Class        string // predicted class: -2, -1, 1, 2
	ProbLowRisk  string // predicted probability of the low-risk buy class (1)
	ProbHighRisk string // predicted probability of the high-risk buy class (2)
}

// DefaultSchema returns the column names produced by the ingestion pipeline.
func DefaultSchema() Schema {
	return Schema{
		Price:        "adj_close",
		Volume:       "volume",
		DailyReturn:  "daily_return",
		Class:        "pred_class",
		ProbLowRisk:  "proba_low_risk",
		ProbHighRisk: "proba_high_risk",
	}
}

// Panel is a dense dates × symbols observation grid. Columns are stored
// row-major (all symbols for date 0, then date 1, …) so a single date's
// vector is contiguous.
type Panel struct {
	dates     []time.Time
	symbols   []string
	symbolIdx map[string]int
	columns   map[string][]float64
}

// New creates an empty panel over the given date and symbol axes.
// Dates must be strictly increasing; symbols must be unique.
func New(dates []time.Time, symbols []string) (*Panel, error) {
	if len(dates) == 0 {
		return nil, fmt.Errorf("panel requires at least one date")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("panel requires at least one symbol")
	}

	for i := 1; i < len(dates); i++ {
		if !dates[i].After(dates[i-1]) {
			return nil, fmt.Errorf("panel dates must be strictly increasing: %s !< %s",
				dates[i-1].Format("2006-01-02"), dates[i].Format("2006-01-02"))
		}
	}

	symbolIdx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		if _, dup := symbolIdx[s]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", s)
		}
		symbolIdx[s] = i
	}

	return &Panel{
		dates:     dates,
		symbols:   symbols,
		symbolIdx: symbolIdx,
		columns:   make(map[string][]float64),
	}, nil
}

// NumDates returns the number of trading dates on the date axis.
func (p *Panel) NumDates() int { return len(p.dates) }

// NumSymbols returns the number of symbols on the symbol axis.
func (p *Panel) NumSymbols() int { return len(p.symbols) }

// Dates returns the date axis. Callers must not mutate it.
func (p *Panel) Dates() []time.Time { return p.dates }

// Symbols returns the symbol axis. Callers must not mutate it.
func (p *Panel) Symbols() []string { return p.symbols }

// SymbolIndex returns the position of a symbol on the symbol axis.
func (p *Panel) SymbolIndex(symbol string) (int, bool) {
	i, ok := p.symbolIdx[symbol]
	return i, ok
}

// Index converts (dateIdx, symbolIdx) to a flat column offset.
func (p *Panel) Index(dateIdx, symbolIdx int) int {
	return dateIdx*len(p.symbols) + symbolIdx
}

// HasColumn reports whether a named column exists.
func (p *Panel) HasColumn(name string) bool {
	_, ok := p.columns[name]
	return ok
}

// ColumnNames returns all column names in sorted order.
func (p *Panel) ColumnNames() []string {
	names := make([]string, 0, len(p.columns))
	for name := range p.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Column returns the flat backing slice for a named column.
// The engine reads these slices directly on the hot path.
func (p *Panel) Column(name string) ([]float64, bool) {
	col, ok := p.columns[name]
	return col, ok
}

// AddColumn registers a new column filled with NaN (missing).
func (p *Panel) AddColumn(name string) error {
	if name == "" {
		return fmt.Errorf("column name must not be empty")
	}
	if _, exists := p.columns[name]; exists {
		return fmt.Errorf("column %q already exists", name)
	}

	col := make([]float64, len(p.dates)*len(p.symbols))
	for i := range col {
		col[i] = math.NaN()
	}
	p.columns[name] = col

	return nil
}

// SetColumn registers a column from a pre-built flat slice.
func (p *Panel) SetColumn(name string, values []float64) error {
	want := len(p.dates) * len(p.symbols)
	if len(values) != want {
		return fmt.Errorf("column %q has %d values, panel needs %d", name, len(values), want)
	}
	p.columns[name] = values
	return nil
}

// Set writes one observation. The column must exist.
func (p *Panel) Set(name string, dateIdx, symbolIdx int, value float64) error {
	col, ok := p.columns[name]
	if !ok {
		return fmt.Errorf("column %q does not exist", name)
	}
	col[p.Index(dateIdx, symbolIdx)] = value
	return nil
}

// Value reads one observation; NaN marks a missing value.
func (p *Panel) Value(name string, dateIdx, symbolIdx int) (float64, error) {
	col, ok := p.columns[name]
	if !ok {
		return math.NaN(), fmt.Errorf("column %q does not exist", name)
	}
	return col[p.Index(dateIdx, symbolIdx)], nil
}

// ComputeDailyReturns derives the daily return column from the price column:
// price[t]/price[t-1] - 1 per symbol. The first date and any span crossing a
// missing price stay NaN. An existing return column is replaced.
func (p *Panel) ComputeDailyReturns(sch Schema) error {
	prices, ok := p.columns[sch.Price]
	if !ok {
		return fmt.Errorf("price column %q does not exist", sch.Price)
	}

	returns := make([]float64, len(prices))
	for i := range returns {
		returns[i] = math.NaN()
	}

	nSym := len(p.symbols)
	for t := 1; t < len(p.dates); t++ {
		for s := 0; s < nSym; s++ {
			prev := prices[(t-1)*nSym+s]
			cur := prices[t*nSym+s]
			if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
				continue
			}
			returns[t*nSym+s] = cur/prev - 1
		}
	}

	p.columns[sch.DailyReturn] = returns
	return nil
}

// symbolSeries extracts one symbol's full time series from a column.
func (p *Panel) symbolSeries(col []float64, symbolIdx int) []float64 {
	series := make([]float64, len(p.dates))
	nSym := len(p.symbols)
	for t := range p.dates {
		series[t] = col[t*nSym+symbolIdx]
	}
	return series
}
