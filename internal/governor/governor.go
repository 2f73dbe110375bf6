// Package governor implements the spend governor: a reusable budget and rate
// gate that every autonomous payment must pass before it is signed. The
// governor is agnostic to what is being purchased.
package governor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abhaydee/atlas/internal/domain"
)

// ledgerMax bounds the in-memory spend history. Entries past the rolling 24h
// window are pruned on every append, this is the hard cap on top.
const ledgerMax = 10_000

// Config holds the governor's limits.
type Config struct {
	PerRequestCapUSD float64
	DailyCapUSD      float64
	RateWindow       time.Duration
	RateMax          int
}

// Governor tracks settled spends and rate usage. All methods are safe for
// concurrent use.
type Governor struct {
	cfg Config

	mu          sync.Mutex
	ledger      []domain.SpendRecord
	windowStart time.Time
	windowCount int
	revoked     bool

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Governor with the given limits.
func New(cfg Config, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "governor")),
	}
}

// Limits returns the configured caps.
func (g *Governor) Limits() Config {
	return g.cfg
}

// Revoke permanently blocks all further spending.
func (g *Governor) Revoke() {
	g.mu.Lock()
	g.revoked = true
	g.mu.Unlock()
	g.logger.Warn("spending revoked")
}

// Revoked reports whether the kill switch is set.
func (g *Governor) Revoked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.revoked
}

// AssertCanSpend checks amount against every limit without any side effect
// beyond counting the request in the rate window. It returns a
// *domain.GovernorError when the spend must not proceed. It must pass before
// any payment is signed.
func (g *Governor) AssertCanSpend(amountUSD float64, action string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.revoked {
		return &domain.GovernorError{Code: domain.GovRevoked, Reason: "spending has been revoked"}
	}

	// Fixed-size request window, reset when its period elapses.
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= g.cfg.RateWindow {
		g.windowStart = now
		g.windowCount = 0
	}
	if g.windowCount >= g.cfg.RateMax {
		return &domain.GovernorError{
			Code:   domain.GovRateExceeded,
			Reason: fmt.Sprintf("more than %d spend requests in %s", g.cfg.RateMax, g.cfg.RateWindow),
		}
	}

	if amountUSD > g.cfg.PerRequestCapUSD {
		return &domain.GovernorError{
			Code:   domain.GovPerRequestCap,
			Reason: fmt.Sprintf("per-request cap exceeded: %.2f > %.2f", amountUSD, g.cfg.PerRequestCapUSD),
		}
	}

	if g.rollingSpendLocked(now)+amountUSD > g.cfg.DailyCapUSD {
		return &domain.GovernorError{
			Code:   domain.GovDailyCap,
			Reason: fmt.Sprintf("daily cap exceeded: 24h spend %.2f + %.2f > %.2f", g.rollingSpendLocked(now), amountUSD, g.cfg.DailyCapUSD),
		}
	}

	// Only an admitted request consumes rate budget, so a rejected caller
	// retrying does not keep the window saturated.
	g.windowCount++

	g.logger.Debug("spend approved",
		slog.Float64("amount_usd", amountUSD),
		slog.String("action", action),
	)
	return nil
}

// RecordSpend appends a settled spend to the ledger. Call it only after the
// payment actually settled; the governor never records speculative amounts.
func (g *Governor) RecordSpend(amountUSD float64, action string) domain.SpendRecord {
	rec := domain.SpendRecord{
		ID:        uuid.New().String(),
		AmountUSD: amountUSD,
		Action:    action,
		At:        g.now(),
	}

	g.mu.Lock()
	g.pruneLocked(rec.At)
	g.ledger = append(g.ledger, rec)
	if overflow := len(g.ledger) - ledgerMax; overflow > 0 {
		g.ledger = append([]domain.SpendRecord(nil), g.ledger[overflow:]...)
	}
	g.mu.Unlock()

	g.logger.Info("spend recorded",
		slog.Float64("amount_usd", amountUSD),
		slog.String("action", action),
	)
	return rec
}

// RollingSpend returns the sum of ledger entries newer than 24h.
func (g *Governor) RollingSpend() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rollingSpendLocked(g.now())
}

// Ledger returns a copy of the spend history, newest last.
func (g *Governor) Ledger() []domain.SpendRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.SpendRecord(nil), g.ledger...)
}

func (g *Governor) rollingSpendLocked(now time.Time) float64 {
	cutoff := now.Add(-24 * time.Hour)
	total := 0.0
	for i := range g.ledger {
		if g.ledger[i].At.After(cutoff) {
			total += g.ledger[i].AmountUSD
		}
	}
	return total
}

// pruneLocked drops entries older than the rolling window. Caller holds mu.
func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	keep := g.ledger[:0]
	for i := range g.ledger {
		if g.ledger[i].At.After(cutoff) {
			keep = append(keep, g.ledger[i])
		}
	}
	g.ledger = keep
}

// SetClock overrides the governor's time source. Tests use it to drive the
// rate window and the rolling 24h sum deterministically.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}
