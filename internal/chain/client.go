// Package chain wraps the JSON-RPC connection to the EVM chain hosting the
// synthetic-asset contracts. It exposes typed reads and writes over the
// oracle, token, vault, and pool contracts plus contract deployment.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/abhaydee/atlas/internal/domain"
)

// Backend is the subset of ethclient.Client the chain layer depends on.
// Tests substitute an in-memory implementation.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client is the chain access layer. All contract interaction in the backend
// goes through it.
type Client struct {
	backend Backend
	eth     *ethclient.Client // nil when constructed from a test backend
	chainID *big.Int

	// receiptPollInterval controls how often pending transactions are
	// polled for a receipt. Lowered in tests.
	receiptPollInterval time.Duration
}

// Dial connects to the chain RPC endpoint and verifies the chain ID.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, domain.ErrNoRPC
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dialing %s: %w", rpcURL, err)
	}

	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: fetching chain id: %w", err)
	}
	if remote.Int64() != chainID {
		eth.Close()
		return nil, fmt.Errorf("chain: chain id mismatch: configured %d, node reports %s", chainID, remote)
	}

	return &Client{
		backend:             eth,
		eth:                 eth,
		chainID:             remote,
		receiptPollInterval: time.Second,
	}, nil
}

// NewClientWithBackend wraps an existing backend, used by tests.
func NewClientWithBackend(backend Backend, chainID int64) *Client {
	return &Client{
		backend:             backend,
		chainID:             big.NewInt(chainID),
		receiptPollInterval: 10 * time.Millisecond,
	}
}

// ChainID returns the chain ID the client is connected to.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

// call performs a read-only contract call at the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// waitMined polls for the receipt of tx until it lands or ctx expires.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: waiting for tx %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
