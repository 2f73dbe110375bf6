package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the platform contracts. Only the functions the
// backend actually calls are declared; the full contract surfaces live with
// the contract sources.
const (
	oracleABIJSON = `[
		{"type":"function","name":"getPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"updatedAt","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"updatePrice","stateMutability":"nonpayable","inputs":[{"name":"newPrice","type":"uint256"}],"outputs":[]}
	]`

	tokenABIJSON = `[
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"faucetMint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
	]`

	vaultABIJSON = `[
		{"type":"function","name":"depositAndMint","stateMutability":"nonpayable","inputs":[{"name":"collateralAmount","type":"uint256"}],"outputs":[{"name":"minted","type":"uint256"}]},
		{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"syntheticAmount","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"collateralRatioBps","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`

	poolABIJSON = `[
		{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[{"name":"syntheticReserve","type":"uint256"},{"name":"stableReserve","type":"uint256"}]},
		{"type":"function","name":"quoteSwap","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"syntheticIn","type":"bool"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
		{"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[{"name":"syntheticAmount","type":"uint256"},{"name":"stableAmount","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"syntheticIn","type":"bool"},{"name":"minAmountOut","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"}]}
	]`
)

var (
	oracleABI = mustABI(oracleABIJSON)
	tokenABI  = mustABI(tokenABIJSON)
	vaultABI  = mustABI(vaultABIJSON)
	poolABI   = mustABI(poolABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid ABI literal: " + err.Error())
	}
	return parsed
}
