package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abhaydee/atlas/internal/bus"
	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/platform/pyth"
	"github.com/abhaydee/atlas/internal/resolver"
	"github.com/abhaydee/atlas/internal/store/memory"
)

const settlementToken = "0xcccccccccccccccccccccccccccccccccccccccc"

// fakeOracleChain serves canned contract reads and records oracle writes.
type fakeOracleChain struct {
	mu sync.Mutex

	updatedAt    int64
	updatedAtErr error
	supply       *big.Int
	ratioBps     int64
	vaultBalance *big.Int

	writes []*big.Int
}

func (f *fakeOracleChain) OracleUpdatedAt(ctx context.Context, oracle common.Address) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updatedAt, f.updatedAtErr
}

func (f *fakeOracleChain) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supply, nil
}

func (f *fakeOracleChain) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vaultBalance, nil
}

func (f *fakeOracleChain) CollateralRatioBps(ctx context.Context, vault common.Address) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratioBps, nil
}

func (f *fakeOracleChain) UpdateOraclePrice(ctx context.Context, w *chain.Wallet, oracle common.Address, price *big.Int) (chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, price)
	return chain.TxResult{TxHash: "0xupdate"}, nil
}

// priceFeeds serves one fixed price for every feed id.
type priceFeeds struct{ price float64 }

func (p priceFeeds) LatestPrice(ctx context.Context, feedID string) (float64, error) {
	return p.price, nil
}

func (p priceFeeds) SearchFeeds(ctx context.Context, query string) ([]pyth.Feed, error) {
	return nil, nil
}

func oracleMarket() domain.Market {
	return domain.Market{
		ID:          "mkt-1",
		AssetName:   "Acme Corp",
		AssetSymbol: "ACME",
		Contracts: domain.ContractAddresses{
			Oracle: "0x" + strings.Repeat("11", 20),
			Token:  "0x" + strings.Repeat("22", 20),
			Vault:  "0x" + strings.Repeat("33", 20),
			Pool:   "0x" + strings.Repeat("44", 20),
		},
		Research: []domain.PriceSource{{Kind: domain.SourceFixedFeed, FeedID: "feed-a"}},
	}
}

func newOracleService(t *testing.T, fc *fakeOracleChain, price float64, withWallet bool) (*OracleService, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var wallet *chain.Wallet
	if withWallet {
		var err error
		wallet, err = chain.NewWallet("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
		if err != nil {
			t.Fatalf("NewWallet: %v", err)
		}
	}

	res := resolver.New(priceFeeds{price: price}, nil, 0, logger)
	b := bus.New(logger)
	svc := NewOracleService(OracleConfig{
		Freshness:       time.Minute,
		SweepInterval:   time.Second,
		SettlementToken: settlementToken,
	}, fc, wallet, res, memory.NewMarketStore(), b, logger)
	return svc, b
}

func TestRefreshWritesResolvedPrice(t *testing.T) {
	fc := &fakeOracleChain{
		supply:       chain.ToBaseUnits(10, chain.TokenDecimals),
		ratioBps:     15_000,
		vaultBalance: chain.ToBaseUnits(10_000, chain.TokenDecimals),
	}
	svc, b := newOracleService(t, fc, 25, true)
	sub := b.SubscribeActivity()
	defer sub.Cancel()

	resolved, tx, err := svc.Refresh(context.Background(), oracleMarket(), false)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resolved.Price != 25 {
		t.Errorf("price = %v, want 25", resolved.Price)
	}
	if tx == nil || tx.TxHash != "0xupdate" {
		t.Errorf("tx = %+v, want confirmed write", tx)
	}
	if len(fc.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(fc.writes))
	}
	if got := chain.FromBaseUnits(fc.writes[0], chain.PriceDecimals); got != 25 {
		t.Errorf("written price = %v, want 25", got)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != domain.EventOracleSync {
			t.Errorf("event type = %q, want oracle_sync", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("no oracle_sync event published")
	}
}

func TestRefreshDryRunNeverWrites(t *testing.T) {
	fc := &fakeOracleChain{
		supply:       chain.ToBaseUnits(10, chain.TokenDecimals),
		ratioBps:     15_000,
		vaultBalance: chain.ToBaseUnits(10_000, chain.TokenDecimals),
	}
	svc, _ := newOracleService(t, fc, 25, true)

	resolved, tx, err := svc.Refresh(context.Background(), oracleMarket(), true)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resolved.Price != 25 {
		t.Errorf("price = %v, want 25", resolved.Price)
	}
	if tx != nil {
		t.Errorf("tx = %+v, want nil on dry run", tx)
	}
	if len(fc.writes) != 0 {
		t.Error("dry run wrote to the oracle")
	}
}

func TestRefreshWithoutWallet(t *testing.T) {
	fc := &fakeOracleChain{}
	svc, _ := newOracleService(t, fc, 25, false)

	resolved, _, err := svc.Refresh(context.Background(), oracleMarket(), false)
	if !errors.Is(err, domain.ErrNoWallet) {
		t.Errorf("err = %v, want ErrNoWallet", err)
	}
	// The price still resolves so callers can report it.
	if resolved.Price != 25 {
		t.Errorf("price = %v, want 25", resolved.Price)
	}
	if len(fc.writes) != 0 {
		t.Error("write attempted without wallet")
	}
}

func TestRefreshCollateralGuard(t *testing.T) {
	// 10 synthetic units at price 25 under a 150% ratio need 375 collateral;
	// the vault holds 100.
	fc := &fakeOracleChain{
		supply:       chain.ToBaseUnits(10, chain.TokenDecimals),
		ratioBps:     15_000,
		vaultBalance: chain.ToBaseUnits(100, chain.TokenDecimals),
	}
	svc, _ := newOracleService(t, fc, 25, true)

	_, _, err := svc.Refresh(context.Background(), oracleMarket(), false)
	if !errors.Is(err, domain.ErrUndercollateralized) {
		t.Fatalf("err = %v, want ErrUndercollateralized", err)
	}
	if len(fc.writes) != 0 {
		t.Error("undercollateralized write reached the chain")
	}
}

func TestRefreshResolveErrorPropagates(t *testing.T) {
	fc := &fakeOracleChain{}
	svc, _ := newOracleService(t, fc, 0, true) // every source returns 0

	_, _, err := svc.Refresh(context.Background(), oracleMarket(), false)
	var rerr *domain.ResolveError
	if !errors.As(err, &rerr) {
		t.Errorf("err = %v, want *domain.ResolveError", err)
	}
	if len(fc.writes) != 0 {
		t.Error("write attempted without a resolved price")
	}
}

func TestFresh(t *testing.T) {
	fc := &fakeOracleChain{updatedAt: time.Now().Unix()}
	svc, _ := newOracleService(t, fc, 25, true)

	if !svc.fresh(context.Background(), oracleMarket()) {
		t.Error("just-updated oracle reported stale")
	}

	fc.updatedAt = time.Now().Add(-time.Hour).Unix()
	if svc.fresh(context.Background(), oracleMarket()) {
		t.Error("hour-old oracle reported fresh")
	}

	// Read failures count as stale so the refresh still runs.
	fc.updatedAtErr = errors.New("rpc down")
	if svc.fresh(context.Background(), oracleMarket()) {
		t.Error("unreadable oracle reported fresh")
	}
}
