// Package routing computes travel times from one origin to many destinations
// using an OSRM table service. Large destination sets are split into chunks
// of at most 25 per upstream call and fetched concurrently.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/livability/internal/resilience"
)

const (
	defaultBaseURL = "https://router.project-osrm.org"

	// maxDestinationsPerCall bounds the table size of a single upstream
	// request.
	maxDestinationsPerCall = 25
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TravelTime is the routed duration from the origin to one destination.
type TravelTime struct {
	Destination Point   `json:"destination"`
	Seconds     float64 `json:"seconds"`
}

// Client computes travel-time matrices.
type Client interface {
	// TravelTimes returns one TravelTime per destination, in input order.
	TravelTimes(ctx context.Context, origin Point, destinations []Point) ([]TravelTime, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the OSRM base URL.
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

// WithProfile sets the routing profile (driving, walking, cycling).
func WithProfile(profile string) Option {
	return func(c *httpClient) {
		c.profile = profile
	}
}

type httpClient struct {
	baseURL string
	profile string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewClient creates a routing Client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		profile: "driving",
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type tableResponse struct {
	Code      string      `json:"code"`
	Durations [][]float64 `json:"durations"`
}

func (c *httpClient) TravelTimes(ctx context.Context, origin Point, destinations []Point) ([]TravelTime, error) {
	if len(destinations) == 0 {
		return nil, nil
	}

	out := make([]TravelTime, len(destinations))

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(destinations); start += maxDestinationsPerCall {
		end := min(start+maxDestinationsPerCall, len(destinations))
		chunk := destinations[start:end]
		offset := start

		g.Go(func() error {
			durations, err := c.tableChunk(ctx, origin, chunk)
			if err != nil {
				return err
			}
			for i, d := range chunk {
				out[offset+i] = TravelTime{Destination: d, Seconds: durations[i]}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// tableChunk fetches the origin→chunk durations for at most
// maxDestinationsPerCall destinations.
func (c *httpClient) tableChunk(ctx context.Context, origin Point, chunk []Point) ([]float64, error) {
	var coords strings.Builder
	fmt.Fprintf(&coords, "%f,%f", origin.Lng, origin.Lat)
	for _, p := range chunk {
		fmt.Fprintf(&coords, ";%f,%f", p.Lng, p.Lat)
	}

	destIdx := make([]string, len(chunk))
	for i := range chunk {
		destIdx[i] = strconv.Itoa(i + 1)
	}
	reqURL := fmt.Sprintf("%s/table/v1/%s/%s?sources=0&destinations=%s",
		c.baseURL, c.profile, coords.String(), strings.Join(destIdx, ";"))

	return resilience.Retry(ctx, c.retry, "routing", "table", func(ctx context.Context) ([]float64, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "routing: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "routing: create request")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "routing: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "routing: read response")
		}

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("routing: unexpected status %d: %s", resp.StatusCode, string(body))
			if resilience.RetryableStatus(resp.StatusCode) {
				return nil, resilience.Transient(err, resp.StatusCode)
			}
			return nil, err
		}

		var table tableResponse
		if err := json.Unmarshal(body, &table); err != nil {
			return nil, eris.Wrap(err, "routing: unmarshal response")
		}
		if table.Code != "Ok" {
			return nil, eris.Errorf("routing: upstream code %q", table.Code)
		}
		if len(table.Durations) != 1 {
			return nil, eris.Errorf("routing: expected 1 duration row, got %d", len(table.Durations))
		}
		if len(table.Durations[0]) != len(chunk) {
			return nil, eris.Errorf("routing: expected %d durations, got %d", len(chunk), len(table.Durations[0]))
		}
		return table.Durations[0], nil
	})
}
