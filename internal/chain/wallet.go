package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// gasLimitSlack is the multiplier applied to gas estimates, in percent.
const gasLimitSlack = 120

// Wallet signs and submits transactions from a single sending address.
//
// All submissions from one wallet are serialized through its mutex so the
// pipeline and agents sharing the wallet never race on nonce assignment.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu        sync.Mutex
	nonce     uint64
	nonceInit bool
}

// NewWallet creates a Wallet from a hex-encoded secp256k1 private key.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid wallet key: %w", err)
	}
	return &Wallet{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the wallet's sending address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// submit builds, signs, and broadcasts one transaction. It holds the wallet
// lock for the whole build-sign-send sequence; the nonce is advanced only
// after a successful broadcast, and re-synced from the node after a failed
// one.
func (w *Wallet) submit(ctx context.Context, c *Client, to *common.Address, data []byte, value *big.Int) (*coretypes.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.nonceInit {
		nonce, err := c.backend.PendingNonceAt(ctx, w.address)
		if err != nil {
			return nil, fmt.Errorf("chain: fetching nonce: %w", err)
		}
		w.nonce = nonce
		w.nonceInit = true
	}

	if value == nil {
		value = big.NewInt(0)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggesting gas price: %w", err)
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		// Pre-London nodes reject eth_maxPriorityFeePerGas; fall back to
		// the suggested gas price as the tip.
		tipCap = gasPrice
	}

	gasLimit, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  w.address,
		To:    to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: estimating gas: %w", err)
	}
	gasLimit = gasLimit * gasLimitSlack / 100

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     w.nonce,
		GasTipCap: tipCap,
		GasFeeCap: new(big.Int).Mul(gasPrice, big.NewInt(2)),
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("chain: signing tx: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		// The local nonce may now be wrong (node-side rejection, replaced
		// tx); force a re-sync on the next submission.
		w.nonceInit = false
		return nil, fmt.Errorf("chain: sending tx: %w", err)
	}

	w.nonce++
	return signed, nil
}
