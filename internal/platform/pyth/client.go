// Package pyth is the REST client for the price-feed provider (a Hermes-style
// API). It exposes latest-price-by-feed-id lookups, free-text feed discovery,
// and historical OHLC. Every failure is reported to the caller as an error
// and treated upstream as "no data"; nothing here is fatal.
package pyth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
)

const throttleKey = "pyth"

// Client is the price-feed REST client.
type Client struct {
	baseURL      string
	benchmarkURL string
	httpClient   *http.Client
	limiter      domain.RateLimiter // optional; nil disables throttling
	rateLimit    int
	rateWindow   time.Duration
}

// NewClient creates a Client.
//
// baseURL is the Hermes API root, e.g. "https://hermes.pyth.network".
// benchmarkURL is the historical-data root, e.g. "https://benchmarks.pyth.network".
func NewClient(baseURL, benchmarkURL string) *Client {
	return &Client{
		baseURL:      baseURL,
		benchmarkURL: benchmarkURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		rateLimit:  10,
		rateWindow: time.Second,
	}
}

// SetRateLimiter throttles outbound requests through the given limiter.
func (c *Client) SetRateLimiter(rl domain.RateLimiter, limit int, window time.Duration) {
	c.limiter = rl
	if limit > 0 {
		c.rateLimit = limit
	}
	if window > 0 {
		c.rateWindow = window
	}
}

// LatestPrice returns the current price for a single feed id.
func (c *Client) LatestPrice(ctx context.Context, feedID string) (float64, error) {
	prices, err := c.LatestPrices(ctx, []string{feedID})
	if err != nil {
		return 0, err
	}
	p, ok := prices[feedID]
	if !ok {
		return 0, fmt.Errorf("pyth: feed %s: %w", feedID, domain.ErrNotFound)
	}
	return p, nil
}

// LatestPrices returns current prices for a batch of feed ids. Feeds the
// provider does not know are omitted from the result map.
func (c *Client) LatestPrices(ctx context.Context, feedIDs []string) (map[string]float64, error) {
	if len(feedIDs) == 0 {
		return map[string]float64{}, nil
	}

	params := url.Values{}
	for _, id := range feedIDs {
		params.Add("ids[]", id)
	}

	body, err := c.doGet(ctx, c.baseURL, "/v2/updates/price/latest?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("pyth: latest prices: %w", err)
	}

	var resp latestPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pyth: decode latest prices: %w", err)
	}

	out := make(map[string]float64, len(resp.Parsed))
	for _, f := range resp.Parsed {
		price, err := f.Price.Value()
		if err != nil {
			continue
		}
		out[normalizeFeedID(f.ID, feedIDs)] = price
	}
	return out, nil
}

// SearchFeeds performs a free-text discovery query and returns matching
// feeds, best match first.
func (c *Client) SearchFeeds(ctx context.Context, query string) ([]Feed, error) {
	params := url.Values{}
	params.Set("query", query)

	body, err := c.doGet(ctx, c.baseURL, "/v2/price_feeds?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("pyth: search feeds %q: %w", query, err)
	}

	var feeds []Feed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return nil, fmt.Errorf("pyth: decode feed search: %w", err)
	}
	return feeds, nil
}

// OHLC returns historical candles for a display symbol over [from, to].
// resolution uses TradingView conventions ("1", "60", "D").
func (c *Client) OHLC(ctx context.Context, symbol, resolution string, from, to time.Time) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("resolution", resolution)
	params.Set("from", strconv.FormatInt(from.Unix(), 10))
	params.Set("to", strconv.FormatInt(to.Unix(), 10))

	body, err := c.doGet(ctx, c.benchmarkURL, "/v1/shims/tradingview/history?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("pyth: ohlc %s: %w", symbol, err)
	}

	var resp tradingViewHistory
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pyth: decode ohlc: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("pyth: ohlc %s: status %q", symbol, resp.Status)
	}

	n := len(resp.Times)
	candles := make([]Candle, 0, n)
	for i := 0; i < n; i++ {
		if i >= len(resp.Open) || i >= len(resp.High) || i >= len(resp.Low) || i >= len(resp.Close) {
			break
		}
		candles = append(candles, Candle{
			Time:  time.Unix(resp.Times[i], 0).UTC(),
			Open:  resp.Open[i],
			High:  resp.High[i],
			Low:   resp.Low[i],
			Close: resp.Close[i],
		})
	}
	return candles, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (c *Client) doGet(ctx context.Context, base, path string) ([]byte, error) {
	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, throttleKey, c.rateLimit, c.rateWindow)
		if err == nil && !allowed {
			if err := c.limiter.Wait(ctx, throttleKey); err != nil {
				return nil, err
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// normalizeFeedID maps a response id back to the caller's spelling: the API
// strips any 0x prefix the request carried.
func normalizeFeedID(respID string, requested []string) string {
	for _, r := range requested {
		if r == respID || r == "0x"+respID {
			return r
		}
	}
	return respID
}

// priceValue converts a fixed-point price + exponent into a float.
func priceValue(raw string, expo int) (float64, error) {
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return n * math.Pow10(expo), nil
}
