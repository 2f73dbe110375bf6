package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)
	transferAuthTypeHash = ethcrypto.Keccak256(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)
)

// PaymentAuthorization is an EIP-3009 transfer authorization over the
// settlement token. String types are used for addresses and large numbers
// to preserve precision across JSON boundaries.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"` // token base units, decimal string
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"` // 32-byte random nonce, hex with 0x prefix
}

// SignedPayment bundles an authorization with its 65-byte signature, ready
// to be submitted to the payment facilitator for settlement.
type SignedPayment struct {
	Authorization PaymentAuthorization `json:"authorization"`
	Signature     string               `json:"signature"`
}

// Signer produces EIP-712 payment authorizations for the settlement token.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int
	domainSep  []byte // cached domain separator for the settlement token
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key, the
// target chain ID and the settlement token contract address. The EIP-712
// domain parameters follow the USDC conventions (name "USD Coin", version
// "2") unless overridden with NewSignerWithDomain.
func NewSigner(privateKeyHex string, chainID int, tokenAddress string) (*Signer, error) {
	return NewSignerWithDomain(privateKeyHex, chainID, tokenAddress, "USD Coin", "2")
}

// NewSignerWithDomain is NewSigner with explicit EIP-712 domain name and
// version, for settlement tokens that deviate from the USDC defaults.
func NewSignerWithDomain(privateKeyHex string, chainID int, tokenAddress, domainName, domainVersion string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	addr := ethcrypto.PubkeyToAddress(pk.PublicKey)

	s := &Signer{
		privateKey: pk,
		address:    addr,
		chainID:    chainID,
	}

	// Pre-compute the domain separator for the settlement token contract.
	s.domainSep = buildDomainSeparator(domainName, domainVersion, chainID, common.HexToAddress(tokenAddress))

	return s, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignPayment signs a TransferWithAuthorization struct for the given payee
// and amount. validAfter/validBefore bound the window (Unix seconds) during
// which the facilitator may settle the transfer. A fresh random 32-byte
// nonce is generated for every call.
func (s *Signer) SignPayment(payee string, value *big.Int, validAfter, validBefore int64) (*SignedPayment, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/signer: generating nonce: %w", err)
	}

	auth := PaymentAuthorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(payee).Hex(),
		Value:       value.String(),
		ValidAfter:  big.NewInt(validAfter).String(),
		ValidBefore: big.NewInt(validBefore).String(),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}

	return s.SignAuthorization(auth)
}

// SignAuthorization signs a fully-populated PaymentAuthorization. Use this
// variant when the caller controls the nonce (deterministic tests, replay
// of a previously constructed authorization).
func (s *Signer) SignAuthorization(auth PaymentAuthorization) (*SignedPayment, error) {
	structHash, err := authStructHash(auth)
	if err != nil {
		return nil, err
	}

	digest := eip712Hash(s.domainSep, structHash)
	sig, err := s.signDigest(digest)
	if err != nil {
		return nil, err
	}

	return &SignedPayment{Authorization: auth, Signature: sig}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func buildDomainSeparator(name, version string, chainID int, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
			common.LeftPadBytes(verifying.Bytes(), 32),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// authStructHash encodes and hashes a PaymentAuthorization per EIP-712.
func authStructHash(a PaymentAuthorization) ([]byte, error) {
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid value %q", a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid validAfter %q", a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid validBefore %q", a.ValidBefore)
	}

	nonceHex := strings.TrimPrefix(a.Nonce, "0x")
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid nonce %q: %w", a.Nonce, err)
	}
	if len(nonce) != 32 {
		return nil, fmt.Errorf("crypto/signer: nonce must be 32 bytes, got %d", len(nonce))
	}

	from := common.HexToAddress(a.From)
	to := common.HexToAddress(a.To)

	return ethcrypto.Keccak256(
		concatBytes(
			transferAuthTypeHash,
			common.LeftPadBytes(from.Bytes(), 32),
			common.LeftPadBytes(to.Bytes(), 32),
			bigIntTo32Bytes(value),
			bigIntTo32Bytes(validAfter),
			bigIntTo32Bytes(validBefore),
			nonce,
		),
	), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
