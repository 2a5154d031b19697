package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/livability/internal/reqcache"
	"github.com/sells-group/livability/internal/stages"
	"github.com/sells-group/livability/internal/store"
	"github.com/sells-group/livability/pkg/geocode"
	"github.com/sells-group/livability/pkg/overpass"
	"github.com/sells-group/livability/pkg/places"
	"github.com/sells-group/livability/pkg/routing"
	"github.com/sells-group/livability/pkg/transitland"
	"github.com/sells-group/livability/pkg/walkscore"
)

// initStore opens the configured job store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, eris.Wrap(err, "init sqlite store")
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "init postgres store")
		}
		return s, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newBuilder wires the service clients and shared request cache into a stage
// graph builder.
func newBuilder() *stages.Builder {
	clients := stages.Clients{
		Geocode: geocode.NewClient(
			geocode.WithBaseURL(cfg.Geocode.BaseURL),
			geocode.WithCensusBaseURL(cfg.Geocode.CensusBaseURL),
			geocode.WithUserAgent(cfg.Geocode.UserAgent),
			geocode.WithRateLimit(cfg.Geocode.RPS),
		),
		Places: places.NewClient(cfg.Places.Key,
			places.WithBaseURL(cfg.Places.BaseURL),
			places.WithRateLimit(cfg.Places.RPS),
		),
		Routing: routing.NewClient(
			routing.WithBaseURL(cfg.Routing.BaseURL),
			routing.WithProfile(cfg.Routing.Profile),
			routing.WithRateLimit(cfg.Routing.RPS),
		),
		Overpass: overpass.NewClient(
			overpass.WithBaseURL(cfg.Overpass.BaseURL),
			overpass.WithRateLimit(cfg.Overpass.RPS),
		),
		WalkScore: walkscore.NewClient(cfg.WalkScore.Key,
			walkscore.WithBaseURL(cfg.WalkScore.BaseURL),
			walkscore.WithRateLimit(cfg.WalkScore.RPS),
		),
		Transitland: transitland.NewClient(cfg.Transitland.Key,
			transitland.WithBaseURL(cfg.Transitland.BaseURL),
			transitland.WithRateLimit(cfg.Transitland.RPS),
		),
	}

	cache := reqcache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLMinutes)*time.Minute)
	return stages.NewBuilder(clients, cfg.Evaluation.Params(), cache)
}
