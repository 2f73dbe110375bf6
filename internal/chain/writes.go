package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// TxResult reports a confirmed on-chain write.
type TxResult struct {
	TxHash  string
	GasUsed uint64
}

// MaxAllowance is the unbounded ERC-20 approval amount (2^256 - 1).
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// UpdateOraclePrice writes a new price to the oracle and waits for the
// transaction to confirm. Collateralization checks belong to the caller;
// this method only performs the write.
func (c *Client) UpdateOraclePrice(ctx context.Context, w *Wallet, oracle common.Address, price *big.Int) (TxResult, error) {
	return c.transact(ctx, w, oracle, oracleABI, "updatePrice", price)
}

// DepositAndMint deposits settlement-token collateral into the vault,
// minting synthetic supply against it.
func (c *Client) DepositAndMint(ctx context.Context, w *Wallet, vault common.Address, collateralAmount *big.Int) (TxResult, error) {
	return c.transact(ctx, w, vault, vaultABI, "depositAndMint", collateralAmount)
}

// AddLiquidity deposits both sides into the pool.
func (c *Client) AddLiquidity(ctx context.Context, w *Wallet, pool common.Address, syntheticAmount, stableAmount *big.Int) (TxResult, error) {
	return c.transact(ctx, w, pool, poolABI, "addLiquidity", syntheticAmount, stableAmount)
}

// Swap executes a pool swap. syntheticIn selects the direction and
// minAmountOut bounds acceptable slippage.
func (c *Client) Swap(ctx context.Context, w *Wallet, pool common.Address, amountIn *big.Int, syntheticIn bool, minAmountOut *big.Int) (TxResult, error) {
	return c.transact(ctx, w, pool, poolABI, "swap", amountIn, syntheticIn, minAmountOut)
}

// Approve grants spender an allowance over token held by the wallet.
func (c *Client) Approve(ctx context.Context, w *Wallet, token, spender common.Address, amount *big.Int) (TxResult, error) {
	return c.transact(ctx, w, token, tokenABI, "approve", spender, amount)
}

// FaucetMint mints test tokens to an address. Only available on tokens
// that expose a faucet; callers treat failures as best-effort.
func (c *Client) FaucetMint(ctx context.Context, w *Wallet, token, to common.Address, amount *big.Int) (TxResult, error) {
	return c.transact(ctx, w, token, tokenABI, "faucetMint", to, amount)
}

// transact packs a method call, submits it through the wallet queue, and
// waits for the receipt.
func (c *Client) transact(ctx context.Context, w *Wallet, to common.Address, contractABI abi.ABI, method string, args ...any) (TxResult, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return TxResult{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	tx, err := w.submit(ctx, c, &to, data, nil)
	if err != nil {
		return TxResult{}, fmt.Errorf("chain: %s: %w", method, err)
	}

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return TxResult{}, fmt.Errorf("chain: %s: %w", method, err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return TxResult{}, fmt.Errorf("chain: %s reverted (tx %s)", method, tx.Hash().Hex())
	}

	return TxResult{TxHash: tx.Hash().Hex(), GasUsed: receipt.GasUsed}, nil
}

// zeroAddress is the canonical empty address.
var zeroAddress common.Address

// IsZeroAddress reports whether addr is unset.
func IsZeroAddress(addr common.Address) bool {
	return addr == zeroAddress
}

// ParseAddress validates and parses a hex address string.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("chain: invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
