// Package resolver turns a market's ranked price-source list into a single
// positive price, falling through the sources in declared order.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/platform/pyth"
)

// FeedAPI is the slice of the price-feed client the resolver uses.
type FeedAPI interface {
	LatestPrice(ctx context.Context, feedID string) (float64, error)
	SearchFeeds(ctx context.Context, query string) ([]pyth.Feed, error)
}

// Resolver performs ranked-fallback price resolution. It never writes
// anything; callers own any oracle commit.
type Resolver struct {
	feeds      FeedAPI
	httpClient *http.Client
	cache      domain.PriceCache // optional
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// New creates a Resolver. cache may be nil to disable price caching.
func New(feeds FeedAPI, cache domain.PriceCache, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		feeds: feeds,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.With(slog.String("component", "resolver")),
	}
}

// Resolve walks the ranked sources in order and returns the first strictly
// positive price. When every configured source fails it makes one final
// free-text discovery on the asset's display name. Exhaustion returns a
// *domain.ResolveError; callers treat that as retryable.
func (r *Resolver) Resolve(ctx context.Context, assetName string, sources []domain.PriceSource) (domain.ResolvedPrice, error) {
	if r.cache != nil {
		if price, ok := r.cacheGet(ctx, assetName); ok {
			return domain.ResolvedPrice{Price: price, Source: "cache:" + assetName}, nil
		}
	}

	attempts := 0
	for _, src := range sources {
		attempts++

		price, err := r.trySource(ctx, src)
		if err != nil {
			r.logger.Debug("price source failed",
				slog.String("asset", assetName),
				slog.String("source", src.Label()),
				slog.String("error", err.Error()))
			continue
		}
		if price <= 0 {
			r.logger.Debug("price source returned non-positive price",
				slog.String("asset", assetName),
				slog.String("source", src.Label()))
			continue
		}

		resolved := domain.ResolvedPrice{Price: price, Source: src.Label()}
		r.cachePut(ctx, assetName, resolved)
		return resolved, nil
	}

	// Last resort: discover a feed by the asset's display name.
	attempts++
	if price, label, err := r.lookupByName(ctx, assetName); err == nil && price > 0 {
		resolved := domain.ResolvedPrice{Price: price, Source: label}
		r.cachePut(ctx, assetName, resolved)
		return resolved, nil
	}

	return domain.ResolvedPrice{}, &domain.ResolveError{Asset: assetName, Attempts: attempts}
}

// trySource fetches one source. Any error means "this source is
// unavailable", never a fatal condition.
func (r *Resolver) trySource(ctx context.Context, src domain.PriceSource) (float64, error) {
	switch src.Kind {
	case domain.SourceFixedFeed:
		return r.feeds.LatestPrice(ctx, src.FeedID)
	case domain.SourceDynamicLookup:
		price, _, err := r.lookupByName(ctx, src.Query)
		return price, err
	case domain.SourceURLJSONPath:
		return r.fetchURLPath(ctx, src.URL, src.Path)
	default:
		return 0, fmt.Errorf("resolver: unknown source kind %q", src.Kind)
	}
}

// lookupByName searches the feed provider by free text and takes the first
// feed that yields a positive price.
func (r *Resolver) lookupByName(ctx context.Context, query string) (float64, string, error) {
	feeds, err := r.feeds.SearchFeeds(ctx, query)
	if err != nil {
		return 0, "", fmt.Errorf("resolver: feed search %q: %w", query, err)
	}
	if len(feeds) == 0 {
		return 0, "", fmt.Errorf("resolver: no feeds match %q", query)
	}

	for _, feed := range feeds {
		price, err := r.feeds.LatestPrice(ctx, feed.ID)
		if err != nil || price <= 0 {
			continue
		}
		label := domain.PriceSource{Kind: domain.SourceDynamicLookup, Query: query}.Label()
		return price, label, nil
	}

	return 0, "", fmt.Errorf("resolver: no feed for %q produced a positive price", query)
}

// fetchURLPath GETs a JSON document and extracts the numeric value at a
// dot-separated key path.
func (r *Resolver) fetchURLPath(ctx context.Context, url, path string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("resolver: create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("resolver: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("resolver: fetch %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("resolver: read %s: %w", url, err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("resolver: parse %s: %w", url, err)
	}

	return extractPath(doc, path)
}

// extractPath walks a decoded JSON document by dot-separated keys and
// coerces the leaf to a float. Numeric strings are accepted.
func extractPath(doc any, path string) (float64, error) {
	cur := doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("resolver: path %q: %q is not an object", path, key)
		}
		cur, ok = obj[key]
		if !ok {
			return 0, fmt.Errorf("resolver: path %q: key %q missing", path, key)
		}
	}

	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("resolver: path %q: %q is not numeric", path, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("resolver: path %q: unsupported leaf type %T", path, cur)
	}
}

// cacheGet returns a cached price only while it is younger than cacheTTL.
func (r *Resolver) cacheGet(ctx context.Context, asset string) (float64, bool) {
	price, ts, err := r.cache.GetPrice(ctx, asset)
	if err != nil || price <= 0 {
		return 0, false
	}
	if r.cacheTTL > 0 && time.Since(ts) > r.cacheTTL {
		return 0, false
	}
	return price, true
}

func (r *Resolver) cachePut(ctx context.Context, asset string, resolved domain.ResolvedPrice) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetPrice(ctx, asset, resolved.Price, time.Now()); err != nil {
		r.logger.Debug("price cache write failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()))
	}
}
