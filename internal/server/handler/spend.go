package handler

import (
	"log/slog"
	"net/http"

	"github.com/abhaydee/atlas/internal/governor"
)

// SpendHandler exposes the spend governor: the settled-spend ledger, the
// rolling total against the daily cap, and the kill switch.
type SpendHandler struct {
	gov    *governor.Governor
	logger *slog.Logger
}

// NewSpendHandler creates a SpendHandler for the given governor.
func NewSpendHandler(gov *governor.Governor, logger *slog.Logger) *SpendHandler {
	return &SpendHandler{
		gov:    gov,
		logger: logger,
	}
}

// GetSpend returns the governor's current state: caps, rolling 24h spend,
// revocation flag, and the full ledger of settled payments.
// GET /api/spend
func (h *SpendHandler) GetSpend(w http.ResponseWriter, r *http.Request) {
	limits := h.gov.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"per_request_cap_usd": limits.PerRequestCapUSD,
		"daily_cap_usd":       limits.DailyCapUSD,
		"rolling_spend_usd":   h.gov.RollingSpend(),
		"revoked":             h.gov.Revoked(),
		"ledger":              h.gov.Ledger(),
	})
}

// Revoke flips the kill switch. All subsequent spend requests are rejected;
// there is no API to undo this, a restart is required.
// POST /api/spend/revoke
func (h *SpendHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.gov.Revoke()
	h.logger.WarnContext(r.Context(), "handler: spending revoked via API")
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
