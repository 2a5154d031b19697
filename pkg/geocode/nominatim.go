package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/livability/internal/resilience"
)

// nominatimResult is one entry of the Nominatim /search response. Nominatim
// returns coordinates as strings.
type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (g *geocoder) geocodeNominatim(ctx context.Context, address string) (*Result, error) {
	params := url.Values{
		"q":      {address},
		"format": {"json"},
		"limit":  {"1"},
	}
	reqURL := g.baseURL + "/search?" + params.Encode()

	return resilience.Retry(ctx, g.retry, "geocode", "nominatim_search", func(ctx context.Context) (*Result, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "geocode: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: nominatim build request")
		}
		req.Header.Set("User-Agent", g.userAgent)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: nominatim request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("geocode: nominatim returned status %d", resp.StatusCode)
			if resilience.RetryableStatus(resp.StatusCode) {
				return nil, resilience.Transient(err, resp.StatusCode)
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: nominatim read body")
		}

		var results []nominatimResult
		if err := json.Unmarshal(body, &results); err != nil {
			return nil, eris.Wrap(err, "geocode: nominatim parse response")
		}
		if len(results) == 0 {
			return &Result{Matched: false, Source: "nominatim"}, nil
		}

		lat, err := strconv.ParseFloat(results[0].Lat, 64)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: nominatim parse lat")
		}
		lng, err := strconv.ParseFloat(results[0].Lon, 64)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: nominatim parse lon")
		}

		return &Result{
			Lat:         lat,
			Lng:         lng,
			DisplayName: results[0].DisplayName,
			Source:      "nominatim",
			Matched:     true,
		}, nil
	})
}
