package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Deploy broadcasts a contract-creation transaction for the artifact and
// waits for the receipt. Constructor arguments are ABI-encoded from args.
func (c *Client) Deploy(ctx context.Context, w *Wallet, art *Artifact, args ...any) (common.Address, TxResult, error) {
	data := art.Bytecode
	if len(args) > 0 {
		packed, err := art.ABI.Pack("", args...)
		if err != nil {
			return common.Address{}, TxResult{}, fmt.Errorf("chain: pack %s constructor: %w", art.Name, err)
		}
		data = append(append([]byte{}, art.Bytecode...), packed...)
	}

	tx, err := w.submit(ctx, c, nil, data, nil)
	if err != nil {
		return common.Address{}, TxResult{}, fmt.Errorf("chain: deploy %s: %w", art.Name, err)
	}

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return common.Address{}, TxResult{}, fmt.Errorf("chain: deploy %s: %w", art.Name, err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return common.Address{}, TxResult{}, fmt.Errorf("chain: deploy %s reverted (tx %s)", art.Name, tx.Hash().Hex())
	}
	if IsZeroAddress(receipt.ContractAddress) {
		return common.Address{}, TxResult{}, fmt.Errorf("chain: deploy %s returned no contract address", art.Name)
	}

	return receipt.ContractAddress, TxResult{TxHash: tx.Hash().Hex(), GasUsed: receipt.GasUsed}, nil
}
