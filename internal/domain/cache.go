package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to recently resolved prices. The oracle
// sweep uses the stored timestamp to enforce the freshness window.
type PriceCache interface {
	SetPrice(ctx context.Context, assetID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, assetID string) (float64, time.Time, error)
}

// RateLimiter throttles outbound calls to external APIs.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}
