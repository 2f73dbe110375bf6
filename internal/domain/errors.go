package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRevoked             = errors.New("spending revoked")
	ErrAgentStopped        = errors.New("agent stopped")
	ErrNoWallet            = errors.New("no funded wallet available")
	ErrNoRPC               = errors.New("no rpc endpoint configured")
	ErrStalePrice          = errors.New("price is stale")
	ErrUndercollateralized = errors.New("write would undercollateralize vault")
)

// ResolveError is the typed failure returned when every ranked source and
// the final name-search fallback produced no positive price. Callers treat
// it as retryable, never fatal to their own operation.
type ResolveError struct {
	Asset    string
	Attempts int
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: no data source produced a positive price (%d attempted)", e.Asset, e.Attempts)
}

// GovernorError is a synchronous spend rejection. Code is a short machine
// code; Reason is the human-readable cause.
type GovernorError struct {
	Code   string
	Reason string
}

func (e *GovernorError) Error() string {
	return fmt.Sprintf("governor: %s: %s", e.Code, e.Reason)
}

// Governor rejection codes.
const (
	GovRevoked       = "revoked"
	GovRateExceeded  = "rate_window_exceeded"
	GovPerRequestCap = "per_request_cap_exceeded"
	GovDailyCap      = "daily_cap_exceeded"
)
