package domain

import "fmt"

// PriceSourceKind discriminates the tagged PriceSource variant.
type PriceSourceKind string

const (
	// SourceFixedFeed is a known feed id on the price-feed provider.
	SourceFixedFeed PriceSourceKind = "fixed_feed"
	// SourceDynamicLookup is a free-text discovery query against the provider.
	SourceDynamicLookup PriceSourceKind = "dynamic_lookup"
	// SourceURLJSONPath is an arbitrary HTTP JSON endpoint plus a dot path.
	SourceURLJSONPath PriceSourceKind = "url_json_path"
)

// PriceSource is one entry in a market's ranked research record. Exactly the
// fields for its Kind are set; a source is immutable once attached to a
// market.
type PriceSource struct {
	Kind   PriceSourceKind `json:"kind"`
	FeedID string          `json:"feed_id,omitempty"` // fixed_feed
	Query  string          `json:"query,omitempty"`   // dynamic_lookup
	URL    string          `json:"url,omitempty"`     // url_json_path
	Path   string          `json:"path,omitempty"`    // url_json_path, dot-separated
}

// Label returns the short source label reported alongside a resolved price,
// e.g. "fixed:0xff61...". It is stable for a given source.
func (s PriceSource) Label() string {
	switch s.Kind {
	case SourceFixedFeed:
		return "fixed:" + s.FeedID
	case SourceDynamicLookup:
		return "lookup:" + s.Query
	case SourceURLJSONPath:
		return "url:" + s.URL
	default:
		return "unknown"
	}
}

// Validate checks that the fields required by Kind are present.
func (s PriceSource) Validate() error {
	switch s.Kind {
	case SourceFixedFeed:
		if s.FeedID == "" {
			return fmt.Errorf("price source: fixed_feed requires feed_id")
		}
	case SourceDynamicLookup:
		if s.Query == "" {
			return fmt.Errorf("price source: dynamic_lookup requires query")
		}
	case SourceURLJSONPath:
		if s.URL == "" || s.Path == "" {
			return fmt.Errorf("price source: url_json_path requires url and path")
		}
	default:
		return fmt.Errorf("price source: unknown kind %q", s.Kind)
	}
	return nil
}

// ResolvedPrice is the successful result of a resolver pass.
type ResolvedPrice struct {
	Price  float64 `json:"price"`
	Source string  `json:"source"`
}
