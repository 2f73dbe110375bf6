package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/abhaydee/atlas/internal/bus"
	"github.com/abhaydee/atlas/internal/config"
	"github.com/abhaydee/atlas/internal/notify"
	"github.com/abhaydee/atlas/internal/store/memory"
)

// recordingLimiter captures Allow calls so tests can verify outbound
// throttling is wired through.
type recordingLimiter struct {
	mu      sync.Mutex
	keys    []string
	limits  []int
	windows []time.Duration
}

func (r *recordingLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.limits = append(r.limits, limit)
	r.windows = append(r.windows, window)
	return true, nil
}

func (r *recordingLimiter) Wait(context.Context, string) error { return nil }

func (r *recordingLimiter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func testApp(cfg *config.Config) *App {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testDeps() *Dependencies {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Dependencies{
		Jobs:     memory.NewJobStore(),
		Markets:  memory.NewMarketStore(),
		Agents:   memory.NewAgentStore(),
		Bus:      bus.New(logger),
		Notifier: notify.NewNotifier(nil, nil, logger),
	}
}

func TestBuildCoreWiresFeedRateLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parsed":[]}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Chain.RPCURL = "" // read-only, no chain dial
	cfg.Pyth.HermesURL = srv.URL
	cfg.Pyth.RateLimit = 3
	cfg.Pyth.RateWindow.Duration = 2 * time.Second

	deps := testDeps()
	limiter := &recordingLimiter{}
	deps.RateLimiter = limiter

	c, err := testApp(&cfg).buildCore(context.Background(), deps)
	if err != nil {
		t.Fatalf("buildCore: %v", err)
	}

	if _, err := c.feeds.LatestPrices(context.Background(), []string{"feed-1"}); err != nil {
		t.Fatalf("LatestPrices: %v", err)
	}

	if limiter.calls() != 1 {
		t.Fatalf("limiter Allow calls = %d, want 1", limiter.calls())
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.keys[0] != "pyth" {
		t.Errorf("limiter key = %q, want %q", limiter.keys[0], "pyth")
	}
	if limiter.limits[0] != 3 || limiter.windows[0] != 2*time.Second {
		t.Errorf("limiter budget = %d/%v, want 3/2s", limiter.limits[0], limiter.windows[0])
	}
}

func TestBuildCoreWithoutLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parsed":[]}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Chain.RPCURL = ""
	cfg.Pyth.HermesURL = srv.URL

	c, err := testApp(&cfg).buildCore(context.Background(), testDeps())
	if err != nil {
		t.Fatalf("buildCore: %v", err)
	}
	if _, err := c.feeds.LatestPrices(context.Background(), []string{"feed-1"}); err != nil {
		t.Fatalf("LatestPrices without limiter: %v", err)
	}
}
