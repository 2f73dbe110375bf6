package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/governor"
)

// StatusHandler serves an aggregate backend snapshot for dashboards: counts
// of markets and agents, the governor's rolling spend, and process uptime.
type StatusHandler struct {
	markets   domain.MarketStore
	agents    domain.AgentStore
	gov       *governor.Governor
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. startedAt should be the process
// start time so uptime is reported consistently across handlers.
func NewStatusHandler(markets domain.MarketStore, agents domain.AgentStore, gov *governor.Governor, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		markets:   markets,
		agents:    agents,
		gov:       gov,
		startedAt: startedAt,
		logger:    logger,
	}
}

// GetStatus responds with the current backend snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	// Counts are taken from unpaginated lists; both stores are in-memory so
	// this is cheap at the scale the platform runs at.
	all := domain.ListOpts{Limit: 10_000}

	markets, err := h.markets.List(r.Context(), all)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: status market count failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to build status")
		return
	}

	agents, err := h.agents.List(r.Context(), all)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: status agent count failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to build status")
		return
	}

	running := 0
	for i := range agents {
		if agents[i].Status == domain.AgentRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"markets":           len(markets),
		"agents":            len(agents),
		"agents_running":    running,
		"rolling_spend_usd": h.gov.RollingSpend(),
		"spend_revoked":     h.gov.Revoked(),
		"uptime_seconds":    int64(time.Since(h.startedAt).Seconds()),
	})
}
