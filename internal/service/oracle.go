package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/resolver"
)

// OracleChain is the slice of the chain client the oracle service uses.
type OracleChain interface {
	OracleUpdatedAt(ctx context.Context, oracle common.Address) (int64, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	CollateralRatioBps(ctx context.Context, vault common.Address) (int64, error)
	UpdateOraclePrice(ctx context.Context, w *chain.Wallet, oracle common.Address, price *big.Int) (chain.TxResult, error)
}

// OracleConfig tunes the oracle service.
type OracleConfig struct {
	// Freshness is the window inside which a price is considered current;
	// the sweep skips markets updated more recently than this.
	Freshness time.Duration
	// SweepInterval is how often the global sweep visits every market.
	SweepInterval time.Duration
	// SettlementToken is the stable token used as vault collateral.
	SettlementToken string
}

// OracleService resolves prices and commits them to market oracles, guarded
// by the vault collateralization check.
type OracleService struct {
	cfg      OracleConfig
	chain    OracleChain
	wallet   *chain.Wallet // nil means no write capability
	resolver *resolver.Resolver
	markets  domain.MarketStore
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewOracleService creates an OracleService. wallet may be nil, which turns
// every refresh into a dry run.
func NewOracleService(cfg OracleConfig, chainClient OracleChain, wallet *chain.Wallet, res *resolver.Resolver, markets domain.MarketStore, bus domain.EventBus, logger *slog.Logger) *OracleService {
	return &OracleService{
		cfg:      cfg,
		chain:    chainClient,
		wallet:   wallet,
		resolver: res,
		markets:  markets,
		bus:      bus,
		logger:   logger.With(slog.String("component", "oracle")),
	}
}

// Refresh resolves the market's price and, unless dryRun is set, writes it
// to the oracle after the collateralization guard passes. The returned
// TxResult is nil for dry runs.
func (s *OracleService) Refresh(ctx context.Context, m domain.Market, dryRun bool) (domain.ResolvedPrice, *chain.TxResult, error) {
	resolved, err := s.resolver.Resolve(ctx, m.AssetName, m.Research)
	if err != nil {
		return domain.ResolvedPrice{}, nil, err
	}

	if dryRun {
		return resolved, nil, nil
	}
	if s.wallet == nil {
		return resolved, nil, domain.ErrNoWallet
	}

	oracle, err := chain.ParseAddress(m.Contracts.Oracle)
	if err != nil {
		return resolved, nil, fmt.Errorf("service: market %s: %w", m.ID, err)
	}

	if err := s.assertCollateralized(ctx, m, resolved.Price); err != nil {
		return resolved, nil, err
	}

	result, err := s.chain.UpdateOraclePrice(ctx, s.wallet, oracle, chain.ToBaseUnits(resolved.Price, chain.PriceDecimals))
	if err != nil {
		return resolved, nil, fmt.Errorf("service: oracle write for %s: %w", m.ID, err)
	}

	s.bus.PublishActivity(domain.Event{
		Type:   domain.EventOracleSync,
		Detail: fmt.Sprintf("%s oracle updated to %.6f via %s", m.AssetSymbol, resolved.Price, resolved.Source),
		At:     time.Now(),
	})

	return resolved, &result, nil
}

// assertCollateralized refuses a price write that would leave the vault
// holding less collateral than the outstanding synthetic supply requires at
// the new price.
func (s *OracleService) assertCollateralized(ctx context.Context, m domain.Market, price float64) error {
	token, err := chain.ParseAddress(m.Contracts.Token)
	if err != nil {
		return fmt.Errorf("service: market %s: %w", m.ID, err)
	}
	vault, err := chain.ParseAddress(m.Contracts.Vault)
	if err != nil {
		return fmt.Errorf("service: market %s: %w", m.ID, err)
	}
	settle, err := chain.ParseAddress(s.cfg.SettlementToken)
	if err != nil {
		return fmt.Errorf("service: settlement token: %w", err)
	}

	supplyRaw, err := s.chain.TotalSupply(ctx, token)
	if err != nil {
		return fmt.Errorf("service: reading supply: %w", err)
	}
	ratioBps, err := s.chain.CollateralRatioBps(ctx, vault)
	if err != nil {
		return fmt.Errorf("service: reading collateral ratio: %w", err)
	}
	vaultRaw, err := s.chain.TokenBalance(ctx, settle, vault)
	if err != nil {
		return fmt.Errorf("service: reading vault balance: %w", err)
	}

	supply := chain.FromBaseUnits(supplyRaw, chain.TokenDecimals)
	vaultBalance := chain.FromBaseUnits(vaultRaw, chain.TokenDecimals)
	required := supply * price * float64(ratioBps) / 10_000

	if required > vaultBalance {
		return fmt.Errorf("%w: need %.2f, vault holds %.2f", domain.ErrUndercollateralized, required, vaultBalance)
	}
	return nil
}

// Run drives the global oracle sweep until ctx is cancelled. Markets whose
// oracle was updated within the freshness window are skipped; per-market
// failures are logged and never stop the sweep.
func (s *OracleService) Run(ctx context.Context) error {
	if s.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("oracle sweep started",
		slog.Duration("interval", s.cfg.SweepInterval),
		slog.Duration("freshness", s.cfg.Freshness))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *OracleService) sweep(ctx context.Context) {
	markets, err := s.markets.List(ctx, domain.ListOpts{})
	if err != nil {
		s.logger.Error("sweep: listing markets", slog.String("error", err.Error()))
		return
	}

	for _, m := range markets {
		if s.fresh(ctx, m) {
			continue
		}

		if _, _, err := s.Refresh(ctx, m, s.wallet == nil); err != nil {
			s.logger.Warn("sweep: refresh failed",
				slog.String("market", m.ID),
				slog.String("asset", m.AssetSymbol),
				slog.String("error", err.Error()))
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// fresh reports whether the market's oracle was updated inside the
// freshness window. Read failures count as stale so the refresh still runs.
func (s *OracleService) fresh(ctx context.Context, m domain.Market) bool {
	if s.cfg.Freshness <= 0 {
		return false
	}
	oracle, err := chain.ParseAddress(m.Contracts.Oracle)
	if err != nil {
		return false
	}
	updatedAt, err := s.chain.OracleUpdatedAt(ctx, oracle)
	if err != nil {
		return false
	}
	return time.Since(time.Unix(updatedAt, 0)) < s.cfg.Freshness
}
