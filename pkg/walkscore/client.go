// Package walkscore fetches walk, transit, and bike scores for a coordinate
// from the Walk Score API. All three sub-scores come back from a single
// upstream call.
package walkscore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/livability/internal/resilience"
)

const defaultBaseURL = "https://api.walkscore.com"

// Scores holds the composite walkability sub-scores. A nil sub-score means
// the API had no data for that mode.
type Scores struct {
	Walk        int    `json:"walk"`
	Transit     *int   `json:"transit,omitempty"`
	Bike        *int   `json:"bike,omitempty"`
	Description string `json:"description,omitempty"`
}

// Client fetches walkability scores.
type Client interface {
	// Scores returns walk/transit/bike scores for the coordinate in one call.
	Scores(ctx context.Context, lat, lng float64, address string) (*Scores, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL.
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

// NewClient creates a Walk Score Client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type scoreResponse struct {
	Status      int    `json:"status"`
	WalkScore   int    `json:"walkscore"`
	Description string `json:"description"`
	Transit     *struct {
		Score int `json:"score"`
	} `json:"transit"`
	Bike *struct {
		Score int `json:"score"`
	} `json:"bike"`
}

// Walk Score API status 1 is success; other values signal scoring in
// progress or an invalid request.
const statusOK = 1

func (c *httpClient) Scores(ctx context.Context, lat, lng float64, address string) (*Scores, error) {
	params := url.Values{
		"format":   {"json"},
		"lat":      {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":      {strconv.FormatFloat(lng, 'f', -1, 64)},
		"address":  {address},
		"transit":  {"1"},
		"bike":     {"1"},
		"wsapikey": {c.apiKey},
	}
	reqURL := c.baseURL + "/score?" + params.Encode()

	return resilience.Retry(ctx, c.retry, "walkscore", "score", func(ctx context.Context) (*Scores, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "walkscore: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "walkscore: create request")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "walkscore: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "walkscore: read response")
		}

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("walkscore: unexpected status %d", resp.StatusCode)
			if resilience.RetryableStatus(resp.StatusCode) {
				return nil, resilience.Transient(err, resp.StatusCode)
			}
			return nil, err
		}

		var sr scoreResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return nil, eris.Wrap(err, "walkscore: unmarshal response")
		}
		if sr.Status != statusOK {
			return nil, eris.Errorf("walkscore: api status %d", sr.Status)
		}

		out := &Scores{
			Walk:        sr.WalkScore,
			Description: sr.Description,
		}
		if sr.Transit != nil {
			out.Transit = &sr.Transit.Score
		}
		if sr.Bike != nil {
			out.Bike = &sr.Bike.Score
		}
		return out, nil
	})
}
