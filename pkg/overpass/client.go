// Package overpass queries the Overpass API for road and park geometry
// inside a bounding box. Way geometry is decoded into go-geom linestrings
// and polygons with SRID 4326.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/livability/internal/resilience"
)

const defaultBaseURL = "https://overpass-api.de"

// BBox is a WGS84 bounding box.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// MapData holds the geometry extracted for one bounding box.
type MapData struct {
	Roads []*geom.LineString `json:"-"`
	Parks []*geom.Polygon    `json:"-"`
}

// Client fetches open map data.
type Client interface {
	// MapData returns road linestrings and park polygons inside the box.
	MapData(ctx context.Context, box BBox) (*MapData, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the Overpass base URL.
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
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewClient creates an Overpass Client. The default limiter is 1 req/s per
// the public instance usage policy.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(1, 1),
		retry:   resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Tags     map[string]string `json:"tags"`
	Geometry []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"geometry"`
}

func (c *httpClient) MapData(ctx context.Context, box BBox) (*MapData, error) {
	bbox := fmt.Sprintf("%f,%f,%f,%f", box.South, box.West, box.North, box.East)
	query := fmt.Sprintf(`[out:json][timeout:25];
(
  way["highway"](%s);
  way["leisure"="park"](%s);
);
out geom;`, bbox, bbox)

	resp, err := resilience.Retry(ctx, c.retry, "overpass", "interpreter", func(ctx context.Context) (*overpassResponse, error) {
		return c.interpreter(ctx, query)
	})
	if err != nil {
		return nil, err
	}

	data := &MapData{}
	for _, el := range resp.Elements {
		if el.Type != "way" || len(el.Geometry) < 2 {
			continue
		}
		flat := make([]float64, 0, len(el.Geometry)*2)
		for _, p := range el.Geometry {
			flat = append(flat, p.Lon, p.Lat)
		}

		switch {
		case el.Tags["leisure"] == "park":
			poly := wayToPolygon(flat)
			if poly == nil {
				zap.L().Debug("overpass: skipping malformed park way", zap.Int64("id", el.ID))
				continue
			}
			data.Parks = append(data.Parks, poly)
		case el.Tags["highway"] != "":
			data.Roads = append(data.Roads, geom.NewLineStringFlat(geom.XY, flat).SetSRID(4326))
		}
	}
	return data, nil
}

// wayToPolygon builds a polygon from a way's flat coordinates, closing the
// ring when the way is not already closed. Returns nil for degenerate rings.
func wayToPolygon(flat []float64) *geom.Polygon {
	n := len(flat)
	if n < 6 {
		return nil
	}
	if flat[0] != flat[n-2] || flat[1] != flat[n-1] {
		flat = append(flat, flat[0], flat[1])
	}
	if len(flat) < 8 {
		return nil
	}

	ring := geom.NewLinearRingFlat(geom.XY, flat)
	poly := geom.NewPolygon(geom.XY).SetSRID(4326)
	if err := poly.Push(ring); err != nil {
		return nil
	}
	return poly
}

func (c *httpClient) interpreter(ctx context.Context, query string) (*overpassResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "overpass: rate limit wait")
	}

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/interpreter", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "overpass: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("overpass: unexpected status %d", resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, err
	}

	var out overpassResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "overpass: unmarshal response")
	}
	return &out, nil
}
