package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// PoolReserves is a snapshot of the AMM pool's two reserves in base units.
type PoolReserves struct {
	Synthetic *big.Int
	Stable    *big.Int
}

// SpotPrice returns the pool's implied price of one synthetic unit in
// settlement currency, or 0 when either reserve is empty.
func (r PoolReserves) SpotPrice() float64 {
	if r.Synthetic == nil || r.Stable == nil || r.Synthetic.Sign() == 0 {
		return 0
	}
	synth := FromBaseUnits(r.Synthetic, TokenDecimals)
	stable := FromBaseUnits(r.Stable, TokenDecimals)
	if synth == 0 {
		return 0
	}
	return stable / synth
}

// OraclePrice reads the oracle's current price in base units.
func (c *Client) OraclePrice(ctx context.Context, oracle common.Address) (*big.Int, error) {
	out, err := c.readUint256(ctx, oracle, oracleABI, "getPrice")
	if err != nil {
		return nil, fmt.Errorf("chain: oracle price: %w", err)
	}
	return out, nil
}

// OracleUpdatedAt reads the Unix timestamp of the oracle's last update.
func (c *Client) OracleUpdatedAt(ctx context.Context, oracle common.Address) (int64, error) {
	out, err := c.readUint256(ctx, oracle, oracleABI, "updatedAt")
	if err != nil {
		return 0, fmt.Errorf("chain: oracle updatedAt: %w", err)
	}
	return out.Int64(), nil
}

// TotalSupply reads a token's total supply in base units.
func (c *Client) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	out, err := c.readUint256(ctx, token, tokenABI, "totalSupply")
	if err != nil {
		return nil, fmt.Errorf("chain: total supply: %w", err)
	}
	return out, nil
}

// TokenBalance reads a token balance for an account in base units.
func (c *Client) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := c.readUint256(ctx, token, tokenABI, "balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("chain: token balance: %w", err)
	}
	return out, nil
}

// CollateralRatioBps reads the vault's collateralization ratio in basis
// points (15000 = 150%).
func (c *Client) CollateralRatioBps(ctx context.Context, vault common.Address) (int64, error) {
	out, err := c.readUint256(ctx, vault, vaultABI, "collateralRatioBps")
	if err != nil {
		return 0, fmt.Errorf("chain: collateral ratio: %w", err)
	}
	return out.Int64(), nil
}

// Reserves reads the pool's current reserve pair.
func (c *Client) Reserves(ctx context.Context, pool common.Address) (PoolReserves, error) {
	data, err := poolABI.Pack("getReserves")
	if err != nil {
		return PoolReserves{}, fmt.Errorf("chain: pack getReserves: %w", err)
	}
	raw, err := c.call(ctx, pool, data)
	if err != nil {
		return PoolReserves{}, fmt.Errorf("chain: pool reserves: %w", err)
	}
	vals, err := poolABI.Unpack("getReserves", raw)
	if err != nil || len(vals) != 2 {
		return PoolReserves{}, fmt.Errorf("chain: unpack getReserves: %w", err)
	}
	synth, ok1 := vals[0].(*big.Int)
	stable, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return PoolReserves{}, fmt.Errorf("chain: unexpected getReserves types %T/%T", vals[0], vals[1])
	}
	return PoolReserves{Synthetic: synth, Stable: stable}, nil
}

// SwapQuote asks the pool what amountIn would return, without executing.
// syntheticIn selects the trade direction.
func (c *Client) SwapQuote(ctx context.Context, pool common.Address, amountIn *big.Int, syntheticIn bool) (*big.Int, error) {
	out, err := c.readUint256(ctx, pool, poolABI, "quoteSwap", amountIn, syntheticIn)
	if err != nil {
		return nil, fmt.Errorf("chain: swap quote: %w", err)
	}
	return out, nil
}

// NativeBalance reads an account's native-currency balance, used to decide
// whether a wallet can pay gas.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: native balance: %w", err)
	}
	return bal, nil
}

// readUint256 packs a call, executes it, and unpacks a single uint256 result.
func (c *Client) readUint256(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) (*big.Int, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	vals, err := contractABI.Unpack(method, raw)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	out, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, vals[0])
	}
	return out, nil
}
