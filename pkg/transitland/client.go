// Package transitland builds a transit profile (nearby stops and the routes
// serving them) from the Transitland v2 REST API.
package transitland

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

const defaultBaseURL = "https://transit.land/api/v2/rest"

// Stop is a transit stop near the query coordinate.
type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Route is a transit route serving the area. RouteType follows GTFS
// conventions (0 tram, 1 subway, 2 rail, 3 bus).
type Route struct {
	ID        string `json:"id"`
	ShortName string `json:"short_name"`
	LongName  string `json:"long_name,omitempty"`
	RouteType int    `json:"route_type"`
	Agency    string `json:"agency,omitempty"`
}

// Profile is the transit picture around one coordinate.
type Profile struct {
	Stops  []Stop  `json:"stops"`
	Routes []Route `json:"routes"`
}

// Client fetches transit profiles.
type Client interface {
	// Profile returns the stops and routes within radiusMeters of the
	// coordinate.
	Profile(ctx context.Context, lat, lng float64, radiusMeters float64) (*Profile, error)
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

// NewClient creates a Transitland Client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(2, 2),
		retry:   resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type stopsResponse struct {
	Stops []struct {
		OnestopID string `json:"onestop_id"`
		StopName  string `json:"stop_name"`
		Geometry  struct {
			Coordinates []float64 `json:"coordinates"` // [lon, lat]
		} `json:"geometry"`
	} `json:"stops"`
}

type routesResponse struct {
	Routes []struct {
		OnestopID      string `json:"onestop_id"`
		RouteShortName string `json:"route_short_name"`
		RouteLongName  string `json:"route_long_name"`
		RouteType      int    `json:"route_type"`
		Agency         struct {
			AgencyName string `json:"agency_name"`
		} `json:"agency"`
	} `json:"routes"`
}

func (c *httpClient) Profile(ctx context.Context, lat, lng float64, radiusMeters float64) (*Profile, error) {
	params := url.Values{
		"lat":    {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":    {strconv.FormatFloat(lng, 'f', -1, 64)},
		"radius": {strconv.FormatFloat(radiusMeters, 'f', -1, 64)},
	}

	profile := &Profile{}

	var sr stopsResponse
	if err := c.get(ctx, "stops", params, &sr); err != nil {
		return nil, err
	}
	for _, s := range sr.Stops {
		stop := Stop{ID: s.OnestopID, Name: s.StopName}
		if len(s.Geometry.Coordinates) == 2 {
			stop.Lng = s.Geometry.Coordinates[0]
			stop.Lat = s.Geometry.Coordinates[1]
		}
		profile.Stops = append(profile.Stops, stop)
	}

	var rr routesResponse
	if err := c.get(ctx, "routes", params, &rr); err != nil {
		return nil, err
	}
	for _, r := range rr.Routes {
		profile.Routes = append(profile.Routes, Route{
			ID:        r.OnestopID,
			ShortName: r.RouteShortName,
			LongName:  r.RouteLongName,
			RouteType: r.RouteType,
			Agency:    r.Agency.AgencyName,
		})
	}

	return profile, nil
}

func (c *httpClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	reqURL := c.baseURL + "/" + endpoint + "?" + params.Encode()

	_, err := resilience.Retry(ctx, c.retry, "transitland", endpoint, func(ctx context.Context) (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, eris.Wrap(err, "transitland: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return struct{}{}, eris.Wrap(err, "transitland: create request")
		}
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, eris.Wrap(err, "transitland: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, eris.Wrap(err, "transitland: read response")
		}

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("transitland: %s returned status %d", endpoint, resp.StatusCode)
			if resilience.RetryableStatus(resp.StatusCode) {
				return struct{}{}, resilience.Transient(err, resp.StatusCode)
			}
			return struct{}{}, err
		}

		if err := json.Unmarshal(body, out); err != nil {
			return struct{}{}, eris.Wrapf(err, "transitland: unmarshal %s response", endpoint)
		}
		return struct{}{}, nil
	})
	return err
}
