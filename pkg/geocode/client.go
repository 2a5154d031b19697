// Package geocode resolves street addresses to coordinates via Nominatim
// (primary) with a Census Geocoder fallback.
package geocode

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/livability/internal/resilience"
)

// Client geocodes street addresses.
type Client interface {
	// Geocode resolves a free-form address to a coordinate. An address that
	// does not resolve returns a Result with Matched=false, not an error.
	Geocode(ctx context.Context, address string) (*Result, error)
}

// Result holds the geocoding output for an address.
type Result struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"display_name,omitempty"`
	Source      string  `json:"source"` // "nominatim" or "census"
	Matched     bool    `json:"matched"`
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithBaseURL overrides the Nominatim base URL (for testing).
func WithBaseURL(u string) Option {
	return func(g *geocoder) {
		g.baseURL = u
	}
}

// WithCensusBaseURL overrides the Census base URL (for testing).
func WithCensusBaseURL(u string) Option {
	return func(g *geocoder) {
		g.censusBaseURL = u
	}
}

// WithRateLimit sets the requests-per-second limit for geocoding calls.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header (Nominatim requires one).
func WithUserAgent(ua string) Option {
	return func(g *geocoder) {
		g.userAgent = ua
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(g *geocoder) {
		g.retry = p
	}
}

type geocoder struct {
	httpClient    *http.Client
	baseURL       string
	censusBaseURL string
	userAgent     string
	limiter       *rate.Limiter
	retry         resilience.Policy
}

// NewClient creates a geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       "https://nominatim.openstreetmap.org",
		censusBaseURL: "https://geocoding.geo.census.gov",
		userAgent:     "livability/1.0",
		limiter:       rate.NewLimiter(1, 1), // Nominatim usage policy: 1 req/s
		retry:         resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Geocode resolves the address via Nominatim; on error or no match it falls
// back to the Census one-line geocoder before reporting unmatched.
func (g *geocoder) Geocode(ctx context.Context, address string) (*Result, error) {
	result, nomErr := g.geocodeNominatim(ctx, address)
	if nomErr == nil && result.Matched {
		return result, nil
	}

	censusResult, censusErr := g.geocodeCensus(ctx, address)
	if censusErr == nil && censusResult.Matched {
		return censusResult, nil
	}

	if nomErr != nil && censusErr != nil {
		return nil, nomErr
	}

	// Both providers answered but neither matched.
	return &Result{Matched: false}, nil
}
