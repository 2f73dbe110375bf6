package agent

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
)

// TradingChain is the slice of the chain client the strategies use.
type TradingChain interface {
	OraclePrice(ctx context.Context, oracle common.Address) (*big.Int, error)
	Reserves(ctx context.Context, pool common.Address) (chain.PoolReserves, error)
	SwapQuote(ctx context.Context, pool common.Address, amountIn *big.Int, syntheticIn bool) (*big.Int, error)
	Approve(ctx context.Context, w *chain.Wallet, token, spender common.Address, amount *big.Int) (chain.TxResult, error)
	DepositAndMint(ctx context.Context, w *chain.Wallet, vault common.Address, collateralAmount *big.Int) (chain.TxResult, error)
	AddLiquidity(ctx context.Context, w *chain.Wallet, pool common.Address, syntheticAmount, stableAmount *big.Int) (chain.TxResult, error)
	Swap(ctx context.Context, w *chain.Wallet, pool common.Address, amountIn *big.Int, syntheticIn bool, minAmountOut *big.Int) (chain.TxResult, error)
}

// Action is the outcome of one decision cycle. SpentUSD is the budget the
// cycle consumed; zero for holds and skips.
type Action struct {
	Kind     string
	Detail   string
	TxRef    string
	Skipped  bool
	SpentUSD float64
}

// Strategy is one agent's decision logic. Tick runs once per cycle; the
// returned Action is recorded whether or not err is set.
type Strategy interface {
	Role() domain.AgentRole
	Interval() time.Duration
	// Tick makes one decision with the budget still available to the agent.
	Tick(ctx context.Context, remainingUSD float64) (Action, error)
}

// marketAddrs resolves a market's contract addresses once at spawn.
type marketAddrs struct {
	oracle common.Address
	token  common.Address
	vault  common.Address
	pool   common.Address
}

func resolveAddrs(m domain.Market) (marketAddrs, error) {
	var out marketAddrs
	var err error
	if out.oracle, err = chain.ParseAddress(m.Contracts.Oracle); err != nil {
		return out, err
	}
	if out.token, err = chain.ParseAddress(m.Contracts.Token); err != nil {
		return out, err
	}
	if out.vault, err = chain.ParseAddress(m.Contracts.Vault); err != nil {
		return out, err
	}
	if out.pool, err = chain.ParseAddress(m.Contracts.Pool); err != nil {
		return out, err
	}
	return out, nil
}
