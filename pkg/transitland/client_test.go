package transitland

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		q := r.URL.Query()
		assert.Equal(t, "36.1627", q.Get("lat"))
		assert.Equal(t, "800", q.Get("radius"))

		switch r.URL.Path {
		case "/stops":
			w.Write([]byte(`{"stops":[
				{"onestop_id":"s-1","stop_name":"5th & Main","geometry":{"coordinates":[-86.78,36.16]}},
				{"onestop_id":"s-2","stop_name":"Transit Center","geometry":{"coordinates":[-86.79,36.17]}}
			]}`))
		case "/routes":
			w.Write([]byte(`{"routes":[
				{"onestop_id":"r-1","route_short_name":"52","route_long_name":"Nolensville Pike","route_type":3,"agency":{"agency_name":"WeGo"}}
			]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(100))

	got, err := c.Profile(context.Background(), 36.1627, -86.7816, 800)
	require.NoError(t, err)

	require.Len(t, got.Stops, 2)
	assert.Equal(t, "5th & Main", got.Stops[0].Name)
	assert.InDelta(t, 36.16, got.Stops[0].Lat, 1e-6)
	assert.InDelta(t, -86.78, got.Stops[0].Lng, 1e-6)

	require.Len(t, got.Routes, 1)
	assert.Equal(t, "52", got.Routes[0].ShortName)
	assert.Equal(t, 3, got.Routes[0].RouteType)
	assert.Equal(t, "WeGo", got.Routes[0].Agency)
}

func TestProfile_EmptyArea(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stops":
			w.Write([]byte(`{"stops":[]}`))
		case "/routes":
			w.Write([]byte(`{"routes":[]}`))
		}
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL), WithRateLimit(100))

	got, err := c.Profile(context.Background(), 44.0, -104.0, 800)
	require.NoError(t, err)
	assert.Empty(t, got.Stops)
	assert.Empty(t, got.Routes)
}

func TestProfile_StopsErrorShortCircuits(t *testing.T) {
	routesCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stops":
			w.WriteHeader(http.StatusUnauthorized)
		case "/routes":
			routesCalled = true
		}
	}))
	defer srv.Close()

	c := NewClient("bad-key", WithBaseURL(srv.URL), WithRateLimit(100))

	_, err := c.Profile(context.Background(), 1, 2, 500)
	require.Error(t, err)
	assert.False(t, routesCalled)
}
