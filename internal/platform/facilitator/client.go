// Package facilitator is the REST client for the payment facilitator, the
// external service that settles signed payment authorizations on-chain.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/abhaydee/atlas/internal/crypto"
	"github.com/abhaydee/atlas/internal/domain"
)

// SettleResult is the facilitator's verdict on a settlement attempt.
type SettleResult struct {
	Success     bool   `json:"success"`
	TxRef       string `json:"txRef"`
	ErrorReason string `json:"errorReason"`
}

// Client talks to the payment facilitator API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
}

// NewClient creates a facilitator client.
//
// baseURL is the facilitator API root, e.g. "https://facilitator.example.com".
// hmac may be nil when the facilitator does not require authentication.
func NewClient(baseURL string, hmac *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		hmacAuth: hmac,
	}
}

// Settle submits a signed payment authorization for on-chain settlement and
// returns the facilitator's result. A non-nil error means the request itself
// failed; a nil error with Success=false means the facilitator rejected the
// payment (the ErrorReason field says why).
func (c *Client) Settle(ctx context.Context, payment *crypto.SignedPayment, payee string) (SettleResult, error) {
	body := map[string]any{
		"authorization": payment.Authorization,
		"signature":     payment.Signature,
		"payee":         payee,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/settle", body)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: settle: %w", err)
	}

	var result SettleResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: decode settle response: %w", err)
	}

	return result, nil
}

// Verify asks the facilitator to validate a signed payment without settling
// it. Used as a cheap preflight before committing a provisioning job.
func (c *Client) Verify(ctx context.Context, payment *crypto.SignedPayment, payee string) (SettleResult, error) {
	body := map[string]any{
		"authorization": payment.Authorization,
		"signature":     payment.Signature,
		"payee":         payee,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/verify", body)
	if err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: verify: %w", err)
	}

	var result SettleResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SettleResult{}, fmt.Errorf("facilitator: decode verify response: %w", err)
	}

	return result, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the facilitator API. It returns the raw response body.
func (c *Client) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hmacAuth != nil {
		headers := c.hmacAuth.Headers(method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
