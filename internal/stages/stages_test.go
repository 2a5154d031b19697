package stages

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/livability/internal/reqcache"
	"github.com/sells-group/livability/internal/scheduler"
	"github.com/sells-group/livability/pkg/geocode"
	"github.com/sells-group/livability/pkg/overpass"
	"github.com/sells-group/livability/pkg/places"
	"github.com/sells-group/livability/pkg/routing"
	"github.com/sells-group/livability/pkg/transitland"
	"github.com/sells-group/livability/pkg/walkscore"
)

type stubGeocode struct {
	result *geocode.Result
	err    error
	calls  atomic.Int64
}

func (s *stubGeocode) Geocode(ctx context.Context, address string) (*geocode.Result, error) {
	s.calls.Add(1)
	return s.result, s.err
}

type stubPlaces struct {
	byCategory map[string][]places.Place
	err        error
	calls      atomic.Int64
}

func (s *stubPlaces) SearchNearby(ctx context.Context, lat, lng float64, category string, radius float64) ([]places.Place, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.byCategory[category], nil
}

type stubRouting struct {
	seconds []float64
	err     error
}

func (s *stubRouting) TravelTimes(ctx context.Context, origin routing.Point, dests []routing.Point) ([]routing.TravelTime, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]routing.TravelTime, len(dests))
	for i, d := range dests {
		out[i] = routing.TravelTime{Destination: d, Seconds: s.seconds[i]}
	}
	return out, nil
}

type stubOverpass struct {
	data *overpass.MapData
	err  error
}

func (s *stubOverpass) MapData(ctx context.Context, box overpass.BBox) (*overpass.MapData, error) {
	return s.data, s.err
}

type stubWalkScore struct {
	scores *walkscore.Scores
	err    error
}

func (s *stubWalkScore) Scores(ctx context.Context, lat, lng float64, address string) (*walkscore.Scores, error) {
	return s.scores, s.err
}

type stubTransitland struct {
	profile *transitland.Profile
	err     error
}

func (s *stubTransitland) Profile(ctx context.Context, lat, lng float64, radius float64) (*transitland.Profile, error) {
	return s.profile, s.err
}

func intPtr(v int) *int { return &v }

func healthyClients() (Clients, *stubGeocode, *stubPlaces) {
	gc := &stubGeocode{result: &geocode.Result{
		Lat: 36.1627, Lng: -86.7816, DisplayName: "Nashville", Source: "nominatim", Matched: true,
	}}
	pl := &stubPlaces{byCategory: map[string][]places.Place{
		"cafe":         {{Name: "Corner Cafe", Rating: 4.5, Lat: 36.163, Lng: -86.782}},
		"restaurant":   {{Name: "Diner", Rating: 4.0, Lat: 36.164, Lng: -86.783}},
		"library":      {{Name: "Main Library", Rating: 4.8, Lat: 36.165, Lng: -86.784}},
		"gym":          {},
		"school":       {{Name: "Elementary", Rating: 4.2, Lat: 36.17, Lng: -86.79}},
		"police":       {{Name: "Precinct 1", Lat: 36.166, Lng: -86.785}},
		"fire_station": {{Name: "Station 9", Lat: 36.167, Lng: -86.786}},
	}}

	park := geom.NewPolygonFlat(geom.XY, []float64{
		-86.79, 36.16, -86.78, 36.16, -86.78, 36.17, -86.79, 36.17, -86.79, 36.16,
	}, []int{10})
	road := geom.NewLineStringFlat(geom.XY, []float64{-86.79, 36.16, -86.78, 36.17})

	clients := Clients{
		Geocode: gc,
		Places:  pl,
		Routing: &stubRouting{seconds: []float64{900}},
		Overpass: &stubOverpass{data: &overpass.MapData{
			Parks: []*geom.Polygon{park},
			Roads: []*geom.LineString{road},
		}},
		WalkScore: &stubWalkScore{scores: &walkscore.Scores{
			Walk: 72, Transit: intPtr(55), Bike: intPtr(81), Description: "Very Walkable",
		}},
		Transitland: &stubTransitland{profile: &transitland.Profile{
			Stops: []transitland.Stop{{ID: "s-1"}, {ID: "s-2"}, {ID: "s-3"}},
			Routes: []transitland.Route{
				{ID: "r-1", ShortName: "52", RouteType: 3},
				{ID: "r-2", ShortName: "Blue", RouteType: 1},
			},
		}},
	}
	return clients, gc, pl
}

func testParams() Params {
	p := DefaultParams()
	p.CommuteHubs = []Hub{{Name: "downtown", Lat: 36.1659, Lng: -86.7844}}
	return p
}

func runGraph(t *testing.T, clients Clients, params Params) (*scheduler.Result, error) {
	t.Helper()
	b := NewBuilder(clients, params, reqcache.New(128, time.Minute))
	g, err := b.Build("100 Main St, Nashville TN")
	require.NoError(t, err)
	return scheduler.New(g, 4, nil).Run(context.Background(), "job-test")
}

func TestBuild_GraphIsValid(t *testing.T) {
	clients, _, _ := healthyClients()
	b := NewBuilder(clients, testParams(), reqcache.New(128, time.Minute))

	g, err := b.Build("100 Main St")
	require.NoError(t, err)
	assert.Len(t, g.Stages(), 15)
}

func TestRun_FullEvaluation(t *testing.T) {
	clients, _, _ := healthyClients()

	res, err := runGraph(t, clients, testParams())
	require.NoError(t, err)

	for name, sr := range res.Stages {
		assert.True(t, sr.OK, "stage %s failed: %s", name, sr.Error)
		assert.False(t, sr.Degraded, "stage %s degraded", name)
	}

	report, ok := res.Stages[StageReport].Output.(*ReportOutput)
	require.True(t, ok)
	assert.Equal(t, "100 Main St, Nashville TN", report.Address)
	assert.InDelta(t, 36.1627, report.Location.Lat, 1e-6)
	require.Len(t, report.Scores, 6)
	assert.Positive(t, report.Overall)

	// Commute: 900s = 15 min -> 90.
	assert.Equal(t, 90.0, report.Scores[DimCommute].Score)
	assert.Contains(t, report.Scores[DimCommute].Detail, "downtown")

	// Transit: 3 stops, 2 routes, 2 modes.
	assert.Positive(t, report.Scores[DimTransitAccess].Score)
	assert.False(t, report.Scores[DimTransitAccess].Degraded)
}

func TestRun_UnresolvableAddressFailsJob(t *testing.T) {
	clients, gc, _ := healthyClients()
	gc.result = &geocode.Result{Matched: false}

	res, err := runGraph(t, clients, testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not resolve")
	assert.False(t, res.Stages[StageGeocode].OK)
}

func TestRun_EnrichmentFailureDegradesDimension(t *testing.T) {
	clients, _, _ := healthyClients()
	clients.Transitland = &stubTransitland{err: assert.AnError}

	res, err := runGraph(t, clients, testParams())
	require.NoError(t, err)

	assert.False(t, res.Stages[StageTransit].OK)

	report := res.Stages[StageReport].Output.(*ReportOutput)
	require.Len(t, report.Scores, 6)

	ta := report.Scores[DimTransitAccess]
	assert.True(t, ta.Degraded)
	assert.Equal(t, "no transit profile", ta.Detail)

	// Unrelated dimensions stay clean.
	assert.False(t, report.Scores[DimGreen].Degraded)
	assert.False(t, report.Scores[DimSchools].Degraded)
}

func TestRun_PlacesFailureDropsDimension(t *testing.T) {
	clients, _, pl := healthyClients()
	pl.err = assert.AnError

	res, err := runGraph(t, clients, testParams())
	require.NoError(t, err)

	assert.False(t, res.Stages[StagePlaces].OK)
	assert.False(t, res.Stages[StageThirdPlaceScore].OK)

	report := res.Stages[StageReport].Output.(*ReportOutput)
	assert.NotContains(t, report.Scores, DimThirdPlaces)
	assert.NotContains(t, report.Scores, DimSchools)
	assert.NotContains(t, report.Scores, DimSafety)
	// Dimensions not built on the places client survive.
	assert.Contains(t, report.Scores, DimGreen)
	assert.Contains(t, report.Scores, DimCommute)
}

func TestRun_AllEnrichmentFailuresStillReports(t *testing.T) {
	clients, _, _ := healthyClients()
	clients.Places = &stubPlaces{err: assert.AnError}
	clients.Routing = &stubRouting{err: assert.AnError}
	clients.Overpass = &stubOverpass{err: assert.AnError}
	clients.WalkScore = &stubWalkScore{err: assert.AnError}
	clients.Transitland = &stubTransitland{err: assert.AnError}

	// Geocode succeeded, so the run finishes even with every other service
	// down; the report just carries no dimensions.
	res, err := runGraph(t, clients, testParams())
	require.NoError(t, err)

	sr := res.Stages[StageReport]
	require.True(t, sr.OK, "report stage failed: %s", sr.Error)
	assert.True(t, sr.Degraded)

	report := sr.Output.(*ReportOutput)
	assert.Empty(t, report.Scores)
	assert.Zero(t, report.Overall)
	assert.InDelta(t, 36.1627, report.Location.Lat, 1e-6)
}

func TestRun_GeocodeCachedAcrossJobs(t *testing.T) {
	clients, gc, _ := healthyClients()
	cache := reqcache.New(128, time.Minute)
	b := NewBuilder(clients, testParams(), cache)

	for range 2 {
		g, err := b.Build("100 Main St, Nashville TN")
		require.NoError(t, err)
		_, err = scheduler.New(g, 4, nil).Run(context.Background(), "job")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), gc.calls.Load())
	assert.Positive(t, cache.Stats().Hits)
}

func TestCanonicalAddress(t *testing.T) {
	assert.Equal(t,
		canonicalAddress("  100  MAIN St,\tNashville  TN "),
		canonicalAddress("100 Main St, Nashville TN"))
}

func TestScoreCommute(t *testing.T) {
	tests := []struct {
		name    string
		commute CommuteOutput
		want    float64
	}{
		{
			name:    "ten minutes is perfect",
			commute: CommuteOutput{NearestHub: &HubTime{Hub: "cbd", Seconds: 600}},
			want:    100,
		},
		{
			name:    "one hour scores zero",
			commute: CommuteOutput{NearestHub: &HubTime{Hub: "cbd", Seconds: 3600}},
			want:    0,
		},
		{
			name:    "no hubs configured",
			commute: CommuteOutput{},
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreCommute(&tt.commute)
			assert.Equal(t, tt.want, got.Score)
			assert.Equal(t, DimCommute, got.Dimension)
		})
	}
}

func TestScoreTransitAccess_DistantHubCapsScore(t *testing.T) {
	transit := &TransitOutput{
		StopCount: 20,
		Routes:    make([]transitland.Route, 10),
		ByMode:    map[string]int{"bus": 8, "rail": 2},
	}

	near := scoreTransitAccess(&CommuteOutput{NearestHub: &HubTime{Seconds: 600}}, transit)
	far := scoreTransitAccess(&CommuteOutput{NearestHub: &HubTime{Seconds: 3600}}, transit)
	assert.Greater(t, near.Score, far.Score)
}

func TestScoreSafety_ProximityMatters(t *testing.T) {
	nearby := scoreSafety(&SafetyOutput{PoliceCount: 1, FireCount: 1, NearestPoliceM: 200, NearestFireM: 300})
	distant := scoreSafety(&SafetyOutput{PoliceCount: 1, FireCount: 1, NearestPoliceM: 2900, NearestFireM: 2900})
	none := scoreSafety(&SafetyOutput{})

	assert.Greater(t, nearby.Score, distant.Score)
	assert.Greater(t, distant.Score, none.Score)
	assert.Zero(t, none.Score)
}
