// Package stages builds the livability stage graph for one address: a
// geocode root, an enrichment wave of independent service lookups, a scoring
// wave of pure functions over the enriched data, and a final report stage.
// External calls go through the shared request cache so repeated evaluations
// of nearby addresses reuse upstream responses.
package stages

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/livability/internal/geo"
	"github.com/sells-group/livability/internal/model"
	"github.com/sells-group/livability/internal/reqcache"
	"github.com/sells-group/livability/internal/scheduler"
	"github.com/sells-group/livability/internal/trace"
	"github.com/sells-group/livability/pkg/geocode"
	"github.com/sells-group/livability/pkg/overpass"
	"github.com/sells-group/livability/pkg/places"
	"github.com/sells-group/livability/pkg/routing"
	"github.com/sells-group/livability/pkg/transitland"
	"github.com/sells-group/livability/pkg/walkscore"
)

// thirdPlaceCategories are the POI categories counted as third places.
var thirdPlaceCategories = []string{"cafe", "restaurant", "library", "gym"}

// Clients bundles the external service clients one graph needs.
type Clients struct {
	Geocode     geocode.Client
	Places      places.Client
	Routing     routing.Client
	Overpass    overpass.Client
	WalkScore   walkscore.Client
	Transitland transitland.Client
}

// Hub is a commute destination of interest.
type Hub struct {
	Name string  `mapstructure:"name" json:"name"`
	Lat  float64 `mapstructure:"lat" json:"lat"`
	Lng  float64 `mapstructure:"lng" json:"lng"`
}

// Params tunes search radii and commute hubs.
type Params struct {
	PlacesRadiusMeters     float64
	SchoolsRadiusMeters    float64
	TransitRadiusMeters    float64
	GreenspaceRadiusMeters float64
	SafetyRadiusMeters     float64
	CommuteHubs            []Hub
}

// DefaultParams returns sensible neighborhood-scale defaults.
func DefaultParams() Params {
	return Params{
		PlacesRadiusMeters:     1500,
		SchoolsRadiusMeters:    3000,
		TransitRadiusMeters:    800,
		GreenspaceRadiusMeters: 1200,
		SafetyRadiusMeters:     3000,
	}
}

// Builder constructs stage graphs. One Builder serves many jobs; the cache
// it holds is shared across them.
type Builder struct {
	clients Clients
	params  Params
	cache   *reqcache.Cache
}

// NewBuilder creates a Builder.
func NewBuilder(clients Clients, params Params, cache *reqcache.Cache) *Builder {
	return &Builder{clients: clients, params: params, cache: cache}
}

// Build assembles the validated stage graph for one address.
func (b *Builder) Build(address string) (*scheduler.Graph, error) {
	stages := []scheduler.Stage{
		b.geocodeStage(address),
		b.walkabilityStage(address),
		b.placesStage(),
		b.schoolsStage(),
		b.commuteStage(),
		b.transitStage(),
		b.greenspaceStage(),
		b.safetyStage(),
		thirdPlaceScoreStage(),
		transitAccessScoreStage(),
		greenScoreStage(),
		schoolsScoreStage(),
		safetyScoreStage(),
		commuteScoreStage(),
		reportStage(address),
	}
	return scheduler.NewGraph(stages)
}

// cachedCall routes one external call through the shared cache and records
// it on the stage recorder.
func cachedCall[T any](
	ctx context.Context,
	c *reqcache.Cache,
	rec *trace.Recorder,
	service, operation string,
	params map[string]string,
	fetch func(ctx context.Context) (T, error),
) (T, error) {
	key := reqcache.Fingerprint(service, params)
	start := time.Now()
	v, cached, err := reqcache.Get(ctx, c, key, fetch)
	rec.Record(service, operation, time.Since(start), cached, err != nil)
	return v, err
}

// canonicalAddress normalizes an address for fingerprinting: lowercased,
// whitespace collapsed.
func canonicalAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

func coordKey(c model.Coordinate) map[string]string {
	return map[string]string{
		"lat": strconv.FormatFloat(c.Lat, 'f', 5, 64),
		"lng": strconv.FormatFloat(c.Lng, 'f', 5, 64),
	}
}

// locationFrom extracts the geocoded coordinate from stage inputs.
func locationFrom(in scheduler.Inputs) (model.Coordinate, error) {
	out, _ := in.Output(StageGeocode).(*GeocodeOutput)
	if out == nil || out.Location.Zero() {
		return model.Coordinate{}, eris.New("stages: no coordinate available")
	}
	return out.Location, nil
}

func (b *Builder) geocodeStage(address string) scheduler.Stage {
	return scheduler.Stage{
		Name: StageGeocode,
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			res, err := cachedCall(ctx, b.cache, rec, "geocode", "geocode",
				map[string]string{"address": canonicalAddress(address)},
				func(ctx context.Context) (*geocode.Result, error) {
					return b.clients.Geocode.Geocode(ctx, address)
				})
			if err != nil {
				return nil, eris.Wrap(err, "stages: geocode")
			}
			if !res.Matched {
				return nil, eris.Errorf("stages: address did not resolve: %q", address)
			}
			return &GeocodeOutput{
				Location:    model.Coordinate{Lat: res.Lat, Lng: res.Lng},
				DisplayName: res.DisplayName,
				Source:      res.Source,
			}, nil
		},
	}
}

func (b *Builder) walkabilityStage(address string) scheduler.Stage {
	return scheduler.Stage{
		Name:      StageWalkability,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}
			scores, err := cachedCall(ctx, b.cache, rec, "walkscore", "score", coordKey(loc),
				func(ctx context.Context) (*walkscore.Scores, error) {
					return b.clients.WalkScore.Scores(ctx, loc.Lat, loc.Lng, address)
				})
			if err != nil {
				return nil, eris.Wrap(err, "stages: walkability")
			}
			return &WalkabilityOutput{
				Walk:        scores.Walk,
				Transit:     scores.Transit,
				Bike:        scores.Bike,
				Description: scores.Description,
			}, nil
		},
	}
}

func (b *Builder) placesStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StagePlaces,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}

			out := &PlacesOutput{ByCategory: make(map[string][]places.Place, len(thirdPlaceCategories))}
			var mu sync.Mutex

			g, gCtx := errgroup.WithContext(ctx)
			for _, category := range thirdPlaceCategories {
				g.Go(func() error {
					found, err := b.searchPlaces(gCtx, rec, loc, category, b.params.PlacesRadiusMeters)
					if err != nil {
						return eris.Wrapf(err, "stages: places %s", category)
					}
					mu.Lock()
					out.ByCategory[category] = found
					out.Total += len(found)
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

func (b *Builder) schoolsStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageSchools,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}
			schools, err := b.searchPlaces(ctx, rec, loc, "school", b.params.SchoolsRadiusMeters)
			if err != nil {
				return nil, eris.Wrap(err, "stages: schools")
			}
			return &SchoolsOutput{Schools: schools}, nil
		},
	}
}

func (b *Builder) commuteStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageCommute,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}
			if len(b.params.CommuteHubs) == 0 {
				return &CommuteOutput{}, nil
			}

			dests := make([]routing.Point, len(b.params.CommuteHubs))
			for i, h := range b.params.CommuteHubs {
				dests[i] = routing.Point{Lat: h.Lat, Lng: h.Lng}
			}

			params := coordKey(loc)
			params["hubs"] = hubsKey(b.params.CommuteHubs)
			times, err := cachedCall(ctx, b.cache, rec, "routing", "table", params,
				func(ctx context.Context) ([]routing.TravelTime, error) {
					return b.clients.Routing.TravelTimes(ctx, routing.Point{Lat: loc.Lat, Lng: loc.Lng}, dests)
				})
			if err != nil {
				return nil, eris.Wrap(err, "stages: commute")
			}

			out := &CommuteOutput{Times: make([]HubTime, len(times))}
			for i, tt := range times {
				ht := HubTime{Hub: b.params.CommuteHubs[i].Name, Seconds: tt.Seconds}
				out.Times[i] = ht
				if ht.Seconds > 0 && (out.NearestHub == nil || ht.Seconds < out.NearestHub.Seconds) {
					hub := ht
					out.NearestHub = &hub
				}
			}
			return out, nil
		},
	}
}

func (b *Builder) transitStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageTransit,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}
			params := coordKey(loc)
			params["radius"] = strconv.FormatFloat(b.params.TransitRadiusMeters, 'f', 0, 64)
			profile, err := cachedCall(ctx, b.cache, rec, "transitland", "profile", params,
				func(ctx context.Context) (*transitland.Profile, error) {
					return b.clients.Transitland.Profile(ctx, loc.Lat, loc.Lng, b.params.TransitRadiusMeters)
				})
			if err != nil {
				return nil, eris.Wrap(err, "stages: transit")
			}

			out := &TransitOutput{
				StopCount: len(profile.Stops),
				Routes:    profile.Routes,
				ByMode:    make(map[string]int),
			}
			for _, r := range profile.Routes {
				out.ByMode[modeName(r.RouteType)]++
			}
			return out, nil
		},
	}
}

func (b *Builder) greenspaceStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageGreenspace,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}
			box := geo.BBoxAround(loc.Lat, loc.Lng, b.params.GreenspaceRadiusMeters)
			params := coordKey(loc)
			params["radius"] = strconv.FormatFloat(b.params.GreenspaceRadiusMeters, 'f', 0, 64)
			data, err := cachedCall(ctx, b.cache, rec, "overpass", "map_data", params,
				func(ctx context.Context) (*overpass.MapData, error) {
					return b.clients.Overpass.MapData(ctx, box)
				})
			if err != nil {
				return nil, eris.Wrap(err, "stages: greenspace")
			}

			out := &GreenspaceOutput{ParkCount: len(data.Parks)}
			for _, p := range data.Parks {
				out.ParkAreaSqM += geo.PolygonAreaSqMeters(p)
			}
			for _, r := range data.Roads {
				out.RoadLengthM += geo.LineLengthMeters(r)
			}
			return out, nil
		},
	}
}

func (b *Builder) safetyStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageSafety,
		DependsOn: []string{StageGeocode},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}

			police, err := b.searchPlaces(ctx, rec, loc, "police", b.params.SafetyRadiusMeters)
			if err != nil {
				return nil, eris.Wrap(err, "stages: safety police")
			}
			fire, err := b.searchPlaces(ctx, rec, loc, "fire_station", b.params.SafetyRadiusMeters)
			if err != nil {
				return nil, eris.Wrap(err, "stages: safety fire")
			}

			out := &SafetyOutput{
				PoliceCount:    len(police),
				FireCount:      len(fire),
				NearestPoliceM: nearestMeters(loc, police),
				NearestFireM:   nearestMeters(loc, fire),
			}
			return out, nil
		},
	}
}

// searchPlaces is the shared cached POI lookup used by the places, schools,
// and safety stages.
func (b *Builder) searchPlaces(ctx context.Context, rec *trace.Recorder, loc model.Coordinate, category string, radius float64) ([]places.Place, error) {
	params := coordKey(loc)
	params["category"] = category
	params["radius"] = strconv.FormatFloat(radius, 'f', 0, 64)
	return cachedCall(ctx, b.cache, rec, "places", "search_nearby", params,
		func(ctx context.Context) ([]places.Place, error) {
			return b.clients.Places.SearchNearby(ctx, loc.Lat, loc.Lng, category, radius)
		})
}

func nearestMeters(loc model.Coordinate, found []places.Place) float64 {
	nearest := 0.0
	for _, p := range found {
		d := geo.HaversineMeters(loc.Lat, loc.Lng, p.Lat, p.Lng)
		if nearest == 0 || d < nearest {
			nearest = d
		}
	}
	return nearest
}

// hubsKey fingerprints the hub set independent of declaration order.
func hubsKey(hubs []Hub) string {
	parts := make([]string, len(hubs))
	for i, h := range hubs {
		parts[i] = fmt.Sprintf("%s:%.5f:%.5f", h.Name, h.Lat, h.Lng)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func modeName(routeType int) string {
	switch routeType {
	case 0:
		return "tram"
	case 1:
		return "subway"
	case 2:
		return "rail"
	case 3:
		return "bus"
	case 4:
		return "ferry"
	default:
		return "other"
	}
}
