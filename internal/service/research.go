// Package service holds the domain services sitting between the HTTP/API
// surface and the chain, resolver, and store layers.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/platform/pyth"
)

// curatedFeeds maps well-known asset symbols to Pyth feed ids. A curated hit
// ranks above anything discovered dynamically.
var curatedFeeds = map[string]string{
	"XAU": "765d2ba906dbc32ca17cc11f5310a89e9ee1f6420508c63861f2f8ba4ee34bb2", // gold
	"XAG": "f2fb02c32b055c805e7238d628e5e9dadef274376114eb1f012337cabe93871e", // silver
	"BTC": "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
	"ETH": "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
	"SOL": "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
	"WTI": "f3b50961ff387a3d68217e2715637d0add6013e7ecb83c36ae8062f97c46929e", // crude oil
}

// FeedSearcher is the slice of the price-feed client research needs.
type FeedSearcher interface {
	SearchFeeds(ctx context.Context, query string) ([]pyth.Feed, error)
}

// ResearchService derives a new market's ranked price-source list.
type ResearchService struct {
	feeds  FeedSearcher
	logger *slog.Logger
}

// NewResearchService creates a ResearchService.
func NewResearchService(feeds FeedSearcher, logger *slog.Logger) *ResearchService {
	return &ResearchService{
		feeds:  feeds,
		logger: logger.With(slog.String("component", "research")),
	}
}

// Research returns the ranked sources for an asset, highest priority first:
// curated feed id, then feeds discovered by symbol search, then a free-text
// lookup on the display name as the standing fallback. The result always
// contains at least the name lookup, so research itself only fails when the
// inputs are empty.
func (s *ResearchService) Research(ctx context.Context, assetName, assetSymbol string) ([]domain.PriceSource, error) {
	if strings.TrimSpace(assetName) == "" {
		return nil, fmt.Errorf("service: research: asset name is required")
	}

	var sources []domain.PriceSource

	symbol := strings.ToUpper(strings.TrimSpace(assetSymbol))
	if feedID, ok := curatedFeeds[symbol]; ok {
		sources = append(sources, domain.PriceSource{Kind: domain.SourceFixedFeed, FeedID: feedID})
	}

	if symbol != "" {
		feeds, err := s.feeds.SearchFeeds(ctx, symbol)
		if err != nil {
			s.logger.Warn("feed search failed, continuing with fallbacks",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
		for _, feed := range feeds {
			if len(sources) >= 3 {
				break
			}
			src := domain.PriceSource{Kind: domain.SourceFixedFeed, FeedID: feed.ID}
			if !containsSource(sources, src) {
				sources = append(sources, src)
			}
		}
	}

	// The name lookup closes the list so the resolver always has a dynamic
	// fallback even when discovery found nothing.
	sources = append(sources, domain.PriceSource{Kind: domain.SourceDynamicLookup, Query: assetName})

	s.logger.Info("research complete",
		slog.String("asset", assetName),
		slog.Int("sources", len(sources)))

	return sources, nil
}

func containsSource(list []domain.PriceSource, s domain.PriceSource) bool {
	for _, have := range list {
		if have.Kind == s.Kind && have.FeedID == s.FeedID && have.Query == s.Query && have.URL == s.URL {
			return true
		}
	}
	return false
}
