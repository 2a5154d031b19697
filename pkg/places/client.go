// Package places searches points of interest near a coordinate using the
// Google Places API (v1 nearby search).
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/livability/internal/resilience"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// Client performs nearby place searches.
type Client interface {
	// SearchNearby returns places of the given category within radiusMeters
	// of the coordinate.
	SearchNearby(ctx context.Context, lat, lng float64, category string, radiusMeters float64) ([]Place, error)
}

// Place is one point of interest.
type Place struct {
	Name            string  `json:"name"`
	Category        string  `json:"category"`
	Rating          float64 `json:"rating,omitempty"`
	UserRatingCount int     `json:"user_rating_count,omitempty"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewClient creates a places Client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(10, 10),
		retry:   resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type nearbySearchRequest struct {
	IncludedTypes       []string `json:"includedTypes"`
	MaxResultCount      int      `json:"maxResultCount"`
	LocationRestriction struct {
		Circle struct {
			Center struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"center"`
			Radius float64 `json:"radius"`
		} `json:"circle"`
	} `json:"locationRestriction"`
}

type nearbySearchResponse struct {
	Places []struct {
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
		Rating          float64 `json:"rating"`
		UserRatingCount int     `json:"userRatingCount"`
		Location        struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
	} `json:"places"`
}

func (c *httpClient) SearchNearby(ctx context.Context, lat, lng float64, category string, radiusMeters float64) ([]Place, error) {
	reqPayload := nearbySearchRequest{
		IncludedTypes:  []string{category},
		MaxResultCount: 20,
	}
	reqPayload.LocationRestriction.Circle.Center.Latitude = lat
	reqPayload.LocationRestriction.Circle.Center.Longitude = lng
	reqPayload.LocationRestriction.Circle.Radius = radiusMeters

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, eris.Wrap(err, "places: marshal request")
	}

	return resilience.Retry(ctx, c.retry, "places", "search_nearby", func(ctx context.Context) ([]Place, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "places: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchNearby", bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "places: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Goog-Api-Key", c.apiKey)
		req.Header.Set("X-Goog-FieldMask", "places.displayName,places.rating,places.userRatingCount,places.location")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "places: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "places: read response")
		}

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("places: unexpected status %d: %s", resp.StatusCode, string(respBody))
			if resilience.RetryableStatus(resp.StatusCode) {
				return nil, resilience.Transient(err, resp.StatusCode)
			}
			return nil, err
		}

		var result nearbySearchResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, eris.Wrap(err, "places: unmarshal response")
		}

		out := make([]Place, 0, len(result.Places))
		for _, p := range result.Places {
			out = append(out, Place{
				Name:            p.DisplayName.Text,
				Category:        category,
				Rating:          p.Rating,
				UserRatingCount: p.UserRatingCount,
				Lat:             p.Location.Latitude,
				Lng:             p.Location.Longitude,
			})
		}
		return out, nil
	})
}
