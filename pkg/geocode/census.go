package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/sells-group/livability/internal/resilience"
)

const censusBenchmark = "Public_AR_Current"

// censusResponse is the JSON response from the Census one-line address API.
type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			Coordinates struct {
				X float64 `json:"x"` // longitude
				Y float64 `json:"y"` // latitude
			} `json:"coordinates"`
			MatchedAddress string `json:"matchedAddress"`
		} `json:"addressMatches"`
	} `json:"result"`
}

func (g *geocoder) geocodeCensus(ctx context.Context, address string) (*Result, error) {
	params := url.Values{
		"address":   {address},
		"benchmark": {censusBenchmark},
		"format":    {"json"},
	}
	reqURL := g.censusBaseURL + "/geocoder/locations/onelineaddress?" + params.Encode()

	return resilience.Retry(ctx, g.retry, "geocode", "census_oneline", func(ctx context.Context) (*Result, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "geocode: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: census build request")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: census request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("geocode: census returned status %d", resp.StatusCode)
			if resilience.RetryableStatus(resp.StatusCode) {
				return nil, resilience.Transient(err, resp.StatusCode)
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "geocode: census read body")
		}

		var cr censusResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return nil, eris.Wrap(err, "geocode: census parse response")
		}
		if len(cr.Result.AddressMatches) == 0 {
			return &Result{Matched: false, Source: "census"}, nil
		}

		match := cr.Result.AddressMatches[0]
		return &Result{
			Lat:         match.Coordinates.Y,
			Lng:         match.Coordinates.X,
			DisplayName: match.MatchedAddress,
			Source:      "census",
			Matched:     true,
		}, nil
	})
}
