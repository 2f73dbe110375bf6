package domain

import "time"

// SpendRecord is one settled autonomous payment in the governor's ledger.
// Records are appended only after settlement, never speculatively.
type SpendRecord struct {
	ID        string    `json:"id"`
	AmountUSD float64   `json:"amount_usd"`
	Action    string    `json:"action"`
	At        time.Time `json:"at"`
}
