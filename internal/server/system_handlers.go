package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/aristath/evolver/internal/database"
	"github.com/aristath/evolver/internal/modules/evolution"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SessionLister reports running evolution sessions.
type SessionLister interface {
	Active() []evolution.SessionInfo
}

// SystemHandlers serves host and engine status.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	db        *database.DB // nil with the file lineage backend
	sessions  SessionLister
	startedAt time.Time
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status         string    `json:"status"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskFreeGB     float64   `json:"disk_free_gb"`
	Goroutines     int       `json:"goroutines"`
	ActiveSessions int       `json:"active_sessions"`
	Families       []string  `json:"families"`
	Database       string    `json:"database,omitempty"`
	DatabaseError  string    `json:"database_error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewSystemHandlers creates system handlers. db may be nil.
func NewSystemHandlers(log zerolog.Logger, dataDir string, db *database.DB, sessions SessionLister) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		dataDir:   dataDir,
		db:        db,
		sessions:  sessions,
		startedAt: time.Now(),
	}
}

// HandleSystemStatus reports host load and engine state
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	resp := SystemStatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		DiskFreeGB:    h.diskFreeGB(r.Context()),
		Goroutines:    runtime.NumGoroutine(),
		Families:      []string{},
		Timestamp:     time.Now().UTC(),
	}

	if h.sessions != nil {
		active := h.sessions.Active()
		resp.ActiveSessions = len(active)
		for _, s := range active {
			resp.Families = append(resp.Families, s.Family)
		}
	}

	if h.db != nil {
		resp.Database = h.db.Name()
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.db.HealthCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.DatabaseError = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, resp, h.log)
}

// getSystemStats samples CPU over 100ms and reads memory usage
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) diskFreeGB(ctx context.Context) float64 {
	if h.dataDir == "" {
		return 0
	}
	usage, err := disk.UsageWithContext(ctx, h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
		return 0
	}
	return float64(usage.Free) / 1e9
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
