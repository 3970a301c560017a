package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/quantfin/internal/panel"
	"github.com/aristath/quantfin/internal/results"
	"github.com/aristath/quantfin/internal/runs"
	"github.com/aristath/quantfin/internal/strategy"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleStartBacktest launches a grid search from a JSON search request.
func (s *Server) handleStartBacktest(w http.ResponseWriter, r *http.Request) {
	var req runs.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.runs.Start(req)
	if err != nil {
		var cfgErr *strategy.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.runs.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.runs.Cancel(id) {
		s.writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// resultRow is the API shape of one stored result. Degenerate metrics are
// rendered as nulls because JSON has no NaN.
type resultRow struct {
	CombinationIndex int                          `json:"combination_index"`
	PortfolioSize    int                          `json:"portfolio_size"`
	LowRiskProp      *float64                     `json:"low_risk_prop"`
	CumulativeReturn *float64                     `json:"cumulative_return"`
	SharpeRatio      *float64                     `json:"sharpe_ratio"`
	TradeCount       int                          `json:"trade_count"`
	Thresholds       []strategy.ResolvedThreshold `json:"thresholds"`
	Error            string                       `json:"error,omitempty"`
}

func toResultRow(row results.Row) resultRow {
	return resultRow{
		CombinationIndex: row.CombinationIndex,
		PortfolioSize:    row.PortfolioSize,
		LowRiskProp:      finiteOrNil(row.LowRiskProp),
		CumulativeReturn: finiteOrNil(row.CumulativeReturn),
		SharpeRatio:      finiteOrNil(row.SharpeRatio),
		TradeCount:       row.TradeCount,
		Thresholds:       row.Thresholds,
		Error:            row.Error,
	}
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// handleGetResults returns a run's stored result rows, either the full table
// in combination order or the top rows by Sharpe ratio when ?top=N is given.
func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		rows []results.Row
		err  error
	)
	if topParam := r.URL.Query().Get("top"); topParam != "" {
		top, convErr := strconv.Atoi(topParam)
		if convErr != nil || top < 1 {
			s.writeError(w, http.StatusBadRequest, errors.New("top must be a positive integer"))
			return
		}
		rows, err = s.resultsRepo.TopBySharpe(id, top)
	} else {
		rows, err = s.resultsRepo.ListRows(id)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		s.writeError(w, http.StatusNotFound, errors.New("no results for run"))
		return
	}

	out := make([]resultRow, len(rows))
	for i, row := range rows {
		out[i] = toResultRow(row)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  id,
		"results": out,
	})
}

func (s *Server) handleListStoredRuns(w http.ResponseWriter, r *http.Request) {
	infos, err := s.resultsRepo.ListRuns()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handlePanelInfo(w http.ResponseWriter, r *http.Request) {
	p, err := s.panelRepo.Load(panel.DefaultSchema())
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	dates := p.Dates()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dates":      p.NumDates(),
		"symbols":    p.Symbols(),
		"columns":    p.ColumnNames(),
		"first_date": dates[0].Format("2006-01-02"),
		"last_date":  dates[len(dates)-1].Format("2006-01-02"),
	})
}

// observationPayload is one ingested symbol-date row. Absent fields stay
// missing in the panel.
type observationPayload struct {
	Symbol       string   `json:"symbol"`
	Date         string   `json:"date"` // 2006-01-02
	Price        *float64 `json:"price"`
	Volume       *float64 `json:"volume"`
	Class        *float64 `json:"class"`
	ProbLowRisk  *float64 `json:"prob_low_risk"`
	ProbHighRisk *float64 `json:"prob_high_risk"`
}

func (s *Server) handleIngestObservations(w http.ResponseWriter, r *http.Request) {
	var payload []observationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	obs := make([]panel.Observation, 0, len(payload))
	for _, item := range payload {
		date, err := time.Parse("2006-01-02", item.Date)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		obs = append(obs, panel.Observation{
			Symbol:       item.Symbol,
			Date:         date,
			Price:        valueOrNaN(item.Price),
			Volume:       valueOrNaN(item.Volume),
			Class:        valueOrNaN(item.Class),
			ProbLowRisk:  valueOrNaN(item.ProbLowRisk),
			ProbHighRisk: valueOrNaN(item.ProbHighRisk),
		})
	}

	if err := s.panelRepo.SaveObservations(obs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"saved": len(obs)})
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
