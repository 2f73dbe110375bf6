package domain

import "time"

// ContractAddresses holds the four on-chain contracts backing one market.
// They are set once at deployment and never change afterwards.
type ContractAddresses struct {
	Oracle string `json:"oracle"`
	Token  string `json:"token"`
	Vault  string `json:"vault"`
	Pool   string `json:"pool"`
}

// Market is a provisioned synthetic-asset market. A Market record exists only
// after its provisioning job succeeded.
type Market struct {
	ID           string            `json:"id"`
	AssetName    string            `json:"asset_name"`
	AssetSymbol  string            `json:"asset_symbol"`
	Contracts    ContractAddresses `json:"contracts"`
	Research     []PriceSource     `json:"research"` // ranked, highest priority first
	FeeBps       int               `json:"fee_bps"`
	PaymentProof string            `json:"payment_proof,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
