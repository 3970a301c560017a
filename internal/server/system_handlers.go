package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quantfin/internal/database"
)

// SystemHandlers serves health and host-resource endpoints.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	panelDB   *database.DB
	resultsDB *database.DB
	startedAt time.Time
}

// NewSystemHandlers creates system handlers.
func NewSystemHandlers(log zerolog.Logger, dataDir string, panelDB, resultsDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system").Logger(),
		dataDir:   dataDir,
		panelDB:   panelDB,
		resultsDB: resultsDB,
		startedAt: time.Now(),
	}
}

func writeSystemJSON(w http.ResponseWriter, status int, payload interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// HandleHealth reports liveness and database reachability.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	databases := map[string]string{}

	for name, db := range map[string]*database.DB{"panel": h.panelDB, "results": h.resultsDB} {
		if db == nil {
			databases[name] = "not configured"
			continue
		}
		if err := db.Conn().PingContext(r.Context()); err != nil {
			databases[name] = "unreachable"
			status = http.StatusServiceUnavailable
			continue
		}
		databases[name] = "ok"
	}

	payload := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"databases":      databases,
	}
	if status != http.StatusOK {
		payload["status"] = "degraded"
	}

	writeSystemJSON(w, status, payload, h.log)
}

// HandleSystemStatus reports host CPU and memory usage.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	writeSystemJSON(w, http.StatusOK, payload, h.log)
}

// HandleDiskUsage reports disk usage of the data directory.
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read disk usage")
		writeSystemJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, h.log)
		return
	}

	writeSystemJSON(w, http.StatusOK, map[string]interface{}{
		"path":         h.dataDir,
		"total_gb":     float64(usage.Total) / 1024 / 1024 / 1024,
		"free_gb":      float64(usage.Free) / 1024 / 1024 / 1024,
		"used_percent": usage.UsedPercent,
	}, h.log)
}
