package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
)

// MarketMakerConfig tunes the liquidity-provision loop.
type MarketMakerConfig struct {
	// Interval between liquidity checks.
	Interval time.Duration
	// LiquidityFloorUSD is the stable-reserve level below which the maker
	// tops the pool up.
	LiquidityFloorUSD float64
	// MaxDepositUSD caps a single top-up.
	MaxDepositUSD float64
}

// MarketMaker keeps one pool's liquidity above the configured floor. When
// the stable reserve drops below the floor and budget remains, it deposits
// collateral to mint synthetic supply and adds both sides to the pool in
// the pool's current ratio.
type MarketMaker struct {
	cfg    MarketMakerConfig
	chain  TradingChain
	wallet *chain.Wallet
	addrs  marketAddrs
}

// NewMarketMaker builds the strategy for one market.
func NewMarketMaker(cfg MarketMakerConfig, tc TradingChain, wallet *chain.Wallet, m domain.Market) (*MarketMaker, error) {
	addrs, err := resolveAddrs(m)
	if err != nil {
		return nil, fmt.Errorf("agent: market maker for %s: %w", m.ID, err)
	}
	return &MarketMaker{cfg: cfg, chain: tc, wallet: wallet, addrs: addrs}, nil
}

func (s *MarketMaker) Role() domain.AgentRole  { return domain.RoleMarketMaker }
func (s *MarketMaker) Interval() time.Duration { return s.cfg.Interval }

func (s *MarketMaker) Tick(ctx context.Context, remainingUSD float64) (Action, error) {
	reserves, err := s.chain.Reserves(ctx, s.addrs.pool)
	if err != nil {
		return Action{Kind: "check_liquidity"}, err
	}

	stableUSD := chain.FromBaseUnits(reserves.Stable, chain.TokenDecimals)
	if stableUSD >= s.cfg.LiquidityFloorUSD {
		return Action{
			Kind:    "hold",
			Detail:  fmt.Sprintf("liquidity %.2f above floor %.2f", stableUSD, s.cfg.LiquidityFloorUSD),
			Skipped: true,
		}, nil
	}

	if remainingUSD <= 0 {
		return Action{Kind: "add_liquidity", Detail: "budget exhausted", Skipped: true}, nil
	}

	spend := s.cfg.LiquidityFloorUSD - stableUSD
	if spend > s.cfg.MaxDepositUSD {
		spend = s.cfg.MaxDepositUSD
	}
	if spend > remainingUSD {
		spend = remainingUSD
	}

	// Price the synthetic side off the pool when it has depth, else off the
	// oracle (fresh pools are empty).
	price := reserves.SpotPrice()
	if price <= 0 {
		raw, err := s.chain.OraclePrice(ctx, s.addrs.oracle)
		if err != nil {
			return Action{Kind: "add_liquidity"}, err
		}
		price = chain.FromBaseUnits(raw, chain.PriceDecimals)
	}
	if price <= 0 {
		return Action{Kind: "add_liquidity", Detail: "no reference price", Skipped: true}, nil
	}

	// Half the spend becomes stable-side liquidity; the other half is
	// collateral minting the synthetic side.
	stableHalf := spend / 2
	synthAmount := stableHalf / price

	collateral := chain.ToBaseUnits(stableHalf, chain.TokenDecimals)
	mintTx, err := s.chain.DepositAndMint(ctx, s.wallet, s.addrs.vault, collateral)
	if err != nil {
		return Action{Kind: "deposit_and_mint"}, err
	}

	addTx, err := s.chain.AddLiquidity(ctx, s.wallet, s.addrs.pool,
		chain.ToBaseUnits(synthAmount, chain.TokenDecimals),
		chain.ToBaseUnits(stableHalf, chain.TokenDecimals))
	if err != nil {
		// The mint went through; only the liquidity add failed. The spend
		// still happened.
		return Action{Kind: "add_liquidity", TxRef: mintTx.TxHash, SpentUSD: stableHalf}, err
	}

	return Action{
		Kind:     "add_liquidity",
		Detail:   fmt.Sprintf("added %.4f synth / %.2f stable (pool was %.2f)", synthAmount, stableHalf, stableUSD),
		TxRef:    addTx.TxHash,
		SpentUSD: spend,
	}, nil
}
