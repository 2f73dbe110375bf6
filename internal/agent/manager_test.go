package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abhaydee/atlas/internal/bus"
	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/store/memory"
)

// manualTicker fires only when the test says so.
type manualTicker struct{ ch chan time.Time }

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

// tickerBank hands out manual tickers and remembers them per creation order.
type tickerBank struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (b *tickerBank) factory(time.Duration) Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	b.mu.Lock()
	b.tickers = append(b.tickers, t)
	b.mu.Unlock()
	return t
}

func (b *tickerBank) tick(t *testing.T, i int) {
	t.Helper()
	// The runner creates its ticker inside the loop goroutine, so poll
	// briefly for it to appear rather than racing goroutine startup.
	deadline := time.Now().Add(time.Second)
	b.mu.Lock()
	for i >= len(b.tickers) {
		b.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("no ticker %d", i)
		}
		time.Sleep(time.Millisecond)
		b.mu.Lock()
	}
	tk := b.tickers[i]
	b.mu.Unlock()
	select {
	case tk.ch <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("runner not consuming ticks")
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event, title, message string) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

type managerFixture struct {
	manager *Manager
	chain   *fakeChain
	agents  *memory.AgentStore
	bus     *bus.Bus
	bank    *tickerBank
	notify  *fakeNotifier
	cancel  context.CancelFunc
}

func newManagerFixture(t *testing.T, cfg ManagerConfig) *managerFixture {
	t.Helper()
	if cfg.SettlementToken == "" {
		cfg.SettlementToken = "0x" + strings.Repeat("55", 20)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &managerFixture{
		chain:  &fakeChain{reserves: reservesUSD(10, 1000)},
		agents: memory.NewAgentStore(),
		bus:    bus.New(logger),
		bank:   &tickerBank{},
		notify: &fakeNotifier{},
		cancel: cancel,
	}
	wallet, err := chain.NewWallet("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	f.manager = NewManager(ctx, cfg, f.chain, wallet, f.agents, f.bus, f.notify, logger)
	f.manager.SetTickerFactory(f.bank.factory)
	return f
}

func waitForStatus(t *testing.T, store domain.AgentStore, id string, want domain.AgentStatus) domain.Agent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if a.Status == want {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	a, _ := store.Get(context.Background(), id)
	t.Fatalf("agent %s status = %q, want %q", id, a.Status, want)
	return domain.Agent{}
}

func TestSpawnGrantsAllowances(t *testing.T) {
	stable := "0x" + strings.Repeat("66", 20)
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker:     mmConfig(),
		Arbitrageur:     arbConfig(),
		SettlementToken: stable,
	})

	if _, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	m := testMarket()
	pool := common.HexToAddress(m.Contracts.Pool)
	vault := common.HexToAddress(m.Contracts.Vault)
	synth := common.HexToAddress(m.Contracts.Token)
	stableAddr := common.HexToAddress(stable)

	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	want := []approveCall{
		{token: synth, spender: pool},
		{token: stableAddr, spender: pool},
		{token: stableAddr, spender: vault},
	}
	if len(f.chain.approvals) != len(want) {
		t.Fatalf("approvals = %d, want %d", len(f.chain.approvals), len(want))
	}
	for i, w := range want {
		got := f.chain.approvals[i]
		if got.token != w.token || got.spender != w.spender {
			t.Errorf("approval[%d] = %s for %s, want %s for %s",
				i, got.token, got.spender, w.token, w.spender)
		}
		if got.amount.Cmp(chain.MaxAllowance) != 0 {
			t.Errorf("approval[%d] amount = %s, want max allowance", i, got.amount)
		}
	}
}

func TestSpawnBadSettlementTokenFails(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker:     mmConfig(),
		Arbitrageur:     arbConfig(),
		SettlementToken: "not-an-address",
	})

	if _, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500); err == nil {
		t.Fatal("Spawn with invalid settlement token succeeded, want error")
	}
}

func TestSpawnRunsCyclesAndRecordsActivity(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker: mmConfig(),
		Arbitrageur: arbConfig(),
	})
	sub := f.bus.SubscribeActivity()
	defer sub.Cancel()

	a, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if a.Status != domain.AgentRunning {
		t.Errorf("status after spawn = %q, want running", a.Status)
	}

	// The spawn itself publishes the idle→running transition.
	ev := recvActivity(t, sub)
	if ev.Type != domain.EventAgentState {
		t.Fatalf("first event type = %q, want agent_state", ev.Type)
	}

	f.bank.tick(t, 0)
	ev = recvActivity(t, sub)
	if ev.Type != domain.EventActivity || ev.AgentID != a.ID {
		t.Fatalf("event = %+v, want activity for %s", ev, a.ID)
	}
	if ev.Activity == nil || ev.Activity.Outcome != domain.OutcomeSkipped {
		t.Errorf("activity = %+v, want skipped hold above floor", ev.Activity)
	}

	stored, err := f.agents.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.Activity) != 1 {
		t.Errorf("stored activity entries = %d, want 1", len(stored.Activity))
	}
}

func TestSpawnWithoutWallet(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(context.Background(), ManagerConfig{}, &fakeChain{}, nil,
		memory.NewAgentStore(), bus.New(logger), nil, logger)

	_, err := m.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500)
	if !errors.Is(err, domain.ErrNoWallet) {
		t.Errorf("err = %v, want ErrNoWallet", err)
	}
}

func TestStopIsTerminal(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker: mmConfig(),
		Arbitrageur: arbConfig(),
	})

	a, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := f.manager.Stop(context.Background(), a.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stored, _ := f.agents.Get(context.Background(), a.ID)
	if stored.Status != domain.AgentStopped {
		t.Errorf("status = %q, want stopped", stored.Status)
	}

	// No events bearing the agent's id may appear once Stop has returned.
	sub := f.bus.SubscribeActivity()
	defer sub.Cancel()
	select {
	case ev := <-sub.Events():
		if ev.AgentID == a.ID && ev.Type == domain.EventActivity {
			t.Errorf("activity after Stop: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}

	// A second stop reports the terminal state.
	if err := f.manager.Stop(context.Background(), a.ID); !errors.Is(err, domain.ErrAgentStopped) {
		t.Errorf("second Stop err = %v, want ErrAgentStopped", err)
	}
}

func TestConsecutiveFailuresStopAgent(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker:  mmConfig(),
		Arbitrageur:  arbConfig(),
		FailureBound: 3,
	})
	f.chain.reservesErr = errors.New("rpc down")

	a, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	for i := 0; i < 3; i++ {
		f.bank.tick(t, 0)
	}

	stored := waitForStatus(t, f.agents, a.ID, domain.AgentError)
	if stored.LastError == "" {
		t.Error("LastError empty after failure exit")
	}

	f.notify.mu.Lock()
	defer f.notify.mu.Unlock()
	if len(f.notify.events) != 1 || f.notify.events[0] != "agent_error" {
		t.Errorf("notifications = %v, want [agent_error]", f.notify.events)
	}
}

func TestFailureCountResetsOnSuccess(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker:  mmConfig(),
		Arbitrageur:  arbConfig(),
		FailureBound: 2,
	})
	sub := f.bus.SubscribeActivity()
	defer sub.Cancel()

	a, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	recvActivity(t, sub) // idle→running

	// fail, succeed, fail: never two consecutive failures.
	f.chain.mu.Lock()
	f.chain.reservesErr = errors.New("rpc down")
	f.chain.mu.Unlock()
	f.bank.tick(t, 0)
	recvActivity(t, sub)

	f.chain.mu.Lock()
	f.chain.reservesErr = nil
	f.chain.mu.Unlock()
	f.bank.tick(t, 0)
	recvActivity(t, sub)

	f.chain.mu.Lock()
	f.chain.reservesErr = errors.New("rpc down")
	f.chain.mu.Unlock()
	f.bank.tick(t, 0)
	recvActivity(t, sub)

	stored, _ := f.agents.Get(context.Background(), a.ID)
	if stored.Status != domain.AgentRunning {
		t.Errorf("status = %q, want still running", stored.Status)
	}
}

func TestStopAll(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MarketMaker: mmConfig(),
		Arbitrageur: arbConfig(),
	})

	mm, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleMarketMaker, 500)
	if err != nil {
		t.Fatalf("Spawn maker: %v", err)
	}
	arb, err := f.manager.Spawn(context.Background(), testMarket(), domain.RoleArbitrageur, 500)
	if err != nil {
		t.Fatalf("Spawn arb: %v", err)
	}

	f.manager.StopAll(context.Background())

	for _, id := range []string{mm.ID, arb.ID} {
		a, _ := f.agents.Get(context.Background(), id)
		if a.Status != domain.AgentStopped {
			t.Errorf("agent %s status = %q, want stopped", id, a.Status)
		}
	}
}

func recvActivity(t *testing.T, sub domain.Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("activity feed closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for activity event")
	}
	return domain.Event{}
}
