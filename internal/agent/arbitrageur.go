package agent

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
)

// ArbitrageurConfig tunes the oracle-alignment loop.
type ArbitrageurConfig struct {
	// Interval between deviation checks; shorter than the market maker's.
	Interval time.Duration
	// DeviationThreshold is the relative oracle/spot gap that triggers a
	// trade, e.g. 0.005 for 0.5%.
	DeviationThreshold float64
	// MaxTradeUSD caps a single swap.
	MaxTradeUSD float64
	// SlippageTolerance bounds acceptable quote drift, e.g. 0.01.
	SlippageTolerance float64
}

// closeFraction is how much of the price gap a single trade closes. Staying
// below 1.0 guarantees the post-trade spot price lands strictly between the
// old spot and the oracle, never overshooting.
const closeFraction = 0.5

// Arbitrageur trades one pool back toward its oracle price whenever the
// spot deviates beyond the threshold.
type Arbitrageur struct {
	cfg    ArbitrageurConfig
	chain  TradingChain
	wallet *chain.Wallet
	addrs  marketAddrs
}

// NewArbitrageur builds the strategy for one market.
func NewArbitrageur(cfg ArbitrageurConfig, tc TradingChain, wallet *chain.Wallet, m domain.Market) (*Arbitrageur, error) {
	addrs, err := resolveAddrs(m)
	if err != nil {
		return nil, fmt.Errorf("agent: arbitrageur for %s: %w", m.ID, err)
	}
	return &Arbitrageur{cfg: cfg, chain: tc, wallet: wallet, addrs: addrs}, nil
}

func (s *Arbitrageur) Role() domain.AgentRole  { return domain.RoleArbitrageur }
func (s *Arbitrageur) Interval() time.Duration { return s.cfg.Interval }

func (s *Arbitrageur) Tick(ctx context.Context, remainingUSD float64) (Action, error) {
	oracleRaw, err := s.chain.OraclePrice(ctx, s.addrs.oracle)
	if err != nil {
		return Action{Kind: "check_deviation"}, err
	}
	oracle := chain.FromBaseUnits(oracleRaw, chain.PriceDecimals)
	if oracle <= 0 {
		return Action{Kind: "check_deviation", Detail: "oracle unpriced", Skipped: true}, nil
	}

	reserves, err := s.chain.Reserves(ctx, s.addrs.pool)
	if err != nil {
		return Action{Kind: "check_deviation"}, err
	}
	spot := reserves.SpotPrice()
	if spot <= 0 {
		return Action{Kind: "check_deviation", Detail: "pool empty", Skipped: true}, nil
	}

	deviation := math.Abs(spot-oracle) / oracle
	if deviation < s.cfg.DeviationThreshold {
		return Action{
			Kind:    "hold",
			Detail:  fmt.Sprintf("deviation %.4f%% under threshold", deviation*100),
			Skipped: true,
		}, nil
	}

	if remainingUSD <= 0 {
		return Action{Kind: "swap", Detail: "budget exhausted", Skipped: true}, nil
	}

	synthReserve := chain.FromBaseUnits(reserves.Synthetic, chain.TokenDecimals)
	stableReserve := chain.FromBaseUnits(reserves.Stable, chain.TokenDecimals)

	// Constant-product sizing: the input that would move spot exactly onto
	// the oracle price, scaled back by closeFraction so the trade narrows
	// the gap without crossing it.
	var syntheticIn bool
	var amountUSD float64
	if spot > oracle {
		// Pool overpriced: sell synthetic into it.
		syntheticIn = true
		idealSynth := synthReserve * (math.Sqrt(spot/oracle) - 1)
		amountUSD = idealSynth * closeFraction * spot
	} else {
		// Pool underpriced: buy synthetic with stable.
		syntheticIn = false
		idealStable := stableReserve * (math.Sqrt(oracle/spot) - 1)
		amountUSD = idealStable * closeFraction
	}

	if amountUSD > s.cfg.MaxTradeUSD {
		amountUSD = s.cfg.MaxTradeUSD
	}
	if amountUSD > remainingUSD {
		amountUSD = remainingUSD
	}
	if amountUSD <= 0 {
		return Action{Kind: "swap", Detail: "trade size rounded to zero", Skipped: true}, nil
	}

	in := amountUSD
	if syntheticIn {
		in = amountUSD / spot
	}
	amount := chain.ToBaseUnits(in, chain.TokenDecimals)

	quote, err := s.chain.SwapQuote(ctx, s.addrs.pool, amount, syntheticIn)
	if err != nil {
		return Action{Kind: "swap"}, err
	}
	minAmountOut := applySlippage(quote, s.cfg.SlippageTolerance)

	tx, err := s.chain.Swap(ctx, s.wallet, s.addrs.pool, amount, syntheticIn, minAmountOut)
	if err != nil {
		return Action{Kind: "swap"}, err
	}

	direction := "buy"
	if syntheticIn {
		direction = "sell"
	}
	return Action{
		Kind: "swap",
		Detail: fmt.Sprintf("%s %.2f USD to narrow %.4f%% gap (spot %.4f, oracle %.4f)",
			direction, amountUSD, deviation*100, spot, oracle),
		TxRef:    tx.TxHash,
		SpentUSD: amountUSD,
	}, nil
}

// applySlippage reduces a quote by the tolerance to produce minAmountOut.
func applySlippage(quote *big.Int, tolerance float64) *big.Int {
	if quote == nil || tolerance <= 0 {
		return quote
	}
	keepBps := int64((1 - tolerance) * 10_000)
	if keepBps < 0 {
		keepBps = 0
	}
	out := new(big.Int).Mul(quote, big.NewInt(keepBps))
	return out.Div(out, big.NewInt(10_000))
}
