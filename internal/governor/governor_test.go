package governor

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGovernor(cfg Config) (*Governor, *time.Time) {
	g := New(cfg, testLogger())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	g.SetClock(func() time.Time { return *clock })
	return g, clock
}

func assertCode(t *testing.T, err error, want string) {
	t.Helper()
	var gerr *domain.GovernorError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want *domain.GovernorError", err)
	}
	if gerr.Code != want {
		t.Errorf("code = %q, want %q", gerr.Code, want)
	}
}

func TestAssertCanSpendPerRequestCap(t *testing.T) {
	g, _ := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 100, RateWindow: time.Hour, RateMax: 10})

	if err := g.AssertCanSpend(5, "market_creation"); err != nil {
		t.Fatalf("spend at cap rejected: %v", err)
	}
	assertCode(t, g.AssertCanSpend(5.01, "market_creation"), domain.GovPerRequestCap)
}

func TestAssertCanSpendDailyCap(t *testing.T) {
	g, clock := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 10, RateWindow: time.Hour, RateMax: 100})

	for i := 0; i < 2; i++ {
		if err := g.AssertCanSpend(5, "market_creation"); err != nil {
			t.Fatalf("spend %d rejected: %v", i, err)
		}
		g.RecordSpend(5, "market_creation")
	}
	assertCode(t, g.AssertCanSpend(0.01, "market_creation"), domain.GovDailyCap)

	// Old entries roll out of the 24h window and free the budget again.
	*clock = clock.Add(24*time.Hour + time.Minute)
	if err := g.AssertCanSpend(5, "market_creation"); err != nil {
		t.Errorf("spend after window rolled over rejected: %v", err)
	}
}

func TestAssertCanSpendRateWindow(t *testing.T) {
	g, clock := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 1000, RateWindow: time.Hour, RateMax: 2})

	if err := g.AssertCanSpend(1, "a"); err != nil {
		t.Fatalf("first spend rejected: %v", err)
	}
	if err := g.AssertCanSpend(1, "b"); err != nil {
		t.Fatalf("second spend rejected: %v", err)
	}
	assertCode(t, g.AssertCanSpend(1, "c"), domain.GovRateExceeded)

	*clock = clock.Add(time.Hour)
	if err := g.AssertCanSpend(1, "d"); err != nil {
		t.Errorf("spend in fresh window rejected: %v", err)
	}
}

func TestRejectedSpendDoesNotConsumeRateBudget(t *testing.T) {
	g, _ := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 1000, RateWindow: time.Hour, RateMax: 1})

	// Over-cap rejections must not saturate the window for a later valid spend.
	for i := 0; i < 5; i++ {
		assertCode(t, g.AssertCanSpend(100, "oversized"), domain.GovPerRequestCap)
	}
	if err := g.AssertCanSpend(1, "valid"); err != nil {
		t.Errorf("valid spend after rejections rejected: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	g, _ := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 100, RateWindow: time.Hour, RateMax: 10})

	if g.Revoked() {
		t.Fatal("new governor reports revoked")
	}
	g.Revoke()
	if !g.Revoked() {
		t.Fatal("Revoked() = false after Revoke")
	}
	assertCode(t, g.AssertCanSpend(0.01, "anything"), domain.GovRevoked)
}

func TestRejectionHasNoLedgerSideEffect(t *testing.T) {
	g, _ := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 100, RateWindow: time.Hour, RateMax: 10})

	assertCode(t, g.AssertCanSpend(50, "oversized"), domain.GovPerRequestCap)
	if got := g.RollingSpend(); got != 0 {
		t.Errorf("RollingSpend() = %v after rejection, want 0", got)
	}
	if got := len(g.Ledger()); got != 0 {
		t.Errorf("len(Ledger()) = %d after rejection, want 0", got)
	}
}

func TestRecordSpendAndRollingSum(t *testing.T) {
	g, clock := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 100, RateWindow: time.Hour, RateMax: 10})

	rec := g.RecordSpend(2.5, "market_creation")
	if rec.ID == "" {
		t.Error("record has empty id")
	}
	if rec.Action != "market_creation" {
		t.Errorf("action = %q, want market_creation", rec.Action)
	}

	*clock = clock.Add(12 * time.Hour)
	g.RecordSpend(3, "agent_funding")
	if got := g.RollingSpend(); got != 5.5 {
		t.Errorf("RollingSpend() = %v, want 5.5", got)
	}

	// The first entry ages out, the second stays.
	*clock = clock.Add(13 * time.Hour)
	if got := g.RollingSpend(); got != 3 {
		t.Errorf("RollingSpend() after expiry = %v, want 3", got)
	}
}

func TestLedgerReturnsCopy(t *testing.T) {
	g, _ := testGovernor(Config{PerRequestCapUSD: 5, DailyCapUSD: 100, RateWindow: time.Hour, RateMax: 10})
	g.RecordSpend(1, "a")

	ledger := g.Ledger()
	ledger[0].AmountUSD = 999
	if got := g.Ledger()[0].AmountUSD; got != 1 {
		t.Errorf("internal ledger mutated through copy: amount = %v", got)
	}
}

func TestLimits(t *testing.T) {
	cfg := Config{PerRequestCapUSD: 5, DailyCapUSD: 100, RateWindow: time.Hour, RateMax: 10}
	g, _ := testGovernor(cfg)
	if got := g.Limits(); got != cfg {
		t.Errorf("Limits() = %+v, want %+v", got, cfg)
	}
}
