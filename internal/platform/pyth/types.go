package pyth

import "time"

// latestPriceResponse is the wire shape of /v2/updates/price/latest.
type latestPriceResponse struct {
	Parsed []parsedFeed `json:"parsed"`
}

type parsedFeed struct {
	ID    string   `json:"id"`
	Price apiPrice `json:"price"`
}

// apiPrice carries a fixed-point price and its base-10 exponent.
type apiPrice struct {
	Price string `json:"price"`
	Expo  int    `json:"expo"`
}

// Value converts the fixed-point representation into a float price.
func (p apiPrice) Value() (float64, error) {
	return priceValue(p.Price, p.Expo)
}

// Feed is one discovery result from /v2/price_feeds.
type Feed struct {
	ID         string         `json:"id"`
	Attributes FeedAttributes `json:"attributes"`
}

// FeedAttributes is the metadata block attached to a feed.
type FeedAttributes struct {
	AssetType     string `json:"asset_type"`
	Base          string `json:"base"`
	QuoteCurrency string `json:"quote_currency"`
	DisplaySymbol string `json:"display_symbol"`
	Description   string `json:"description"`
}

// tradingViewHistory is the wire shape of the benchmark history shim.
type tradingViewHistory struct {
	Status string    `json:"s"`
	Times  []int64   `json:"t"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
}

// Candle is one historical OHLC bar.
type Candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}
