package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/livability/internal/stages"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Geocode     GeocodeConfig     `yaml:"geocode" mapstructure:"geocode"`
	Places      PlacesConfig      `yaml:"places" mapstructure:"places"`
	Routing     RoutingConfig     `yaml:"routing" mapstructure:"routing"`
	Overpass    OverpassConfig    `yaml:"overpass" mapstructure:"overpass"`
	WalkScore   WalkScoreConfig   `yaml:"walkscore" mapstructure:"walkscore"`
	Transitland TransitlandConfig `yaml:"transitland" mapstructure:"transitland"`
	Evaluation  EvaluationConfig  `yaml:"evaluation" mapstructure:"evaluation"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Worker      WorkerConfig      `yaml:"worker" mapstructure:"worker"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`             // sqlite or postgres
	Path        string `yaml:"path" mapstructure:"path"`                 // sqlite file
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"` // postgres DSN
}

// GeocodeConfig configures the geocoding client.
type GeocodeConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	CensusBaseURL string  `yaml:"census_base_url" mapstructure:"census_base_url"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	RPS           float64 `yaml:"rps" mapstructure:"rps"`
}

// PlacesConfig configures the POI search client.
type PlacesConfig struct {
	Key     string  `yaml:"key" mapstructure:"key"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// RoutingConfig configures the travel-time client.
type RoutingConfig struct {
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	Profile string  `yaml:"profile" mapstructure:"profile"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// OverpassConfig configures the open map data client.
type OverpassConfig struct {
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// WalkScoreConfig configures the walkability client.
type WalkScoreConfig struct {
	Key     string  `yaml:"key" mapstructure:"key"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// TransitlandConfig configures the transit profile client.
type TransitlandConfig struct {
	Key     string  `yaml:"key" mapstructure:"key"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// EvaluationConfig tunes the stage graph.
type EvaluationConfig struct {
	PlacesRadiusMeters     float64      `yaml:"places_radius_meters" mapstructure:"places_radius_meters"`
	SchoolsRadiusMeters    float64      `yaml:"schools_radius_meters" mapstructure:"schools_radius_meters"`
	TransitRadiusMeters    float64      `yaml:"transit_radius_meters" mapstructure:"transit_radius_meters"`
	GreenspaceRadiusMeters float64      `yaml:"greenspace_radius_meters" mapstructure:"greenspace_radius_meters"`
	SafetyRadiusMeters     float64      `yaml:"safety_radius_meters" mapstructure:"safety_radius_meters"`
	CommuteHubs            []stages.Hub `yaml:"commute_hubs" mapstructure:"commute_hubs"`
}

// Params converts the evaluation section into stage graph parameters.
func (e EvaluationConfig) Params() stages.Params {
	return stages.Params{
		PlacesRadiusMeters:     e.PlacesRadiusMeters,
		SchoolsRadiusMeters:    e.SchoolsRadiusMeters,
		TransitRadiusMeters:    e.TransitRadiusMeters,
		GreenspaceRadiusMeters: e.GreenspaceRadiusMeters,
		SafetyRadiusMeters:     e.SafetyRadiusMeters,
		CommuteHubs:            e.CommuteHubs,
	}
}

// CacheConfig configures the shared request cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
	TTLMinutes int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// WorkerConfig configures the worker loop.
type WorkerConfig struct {
	StageWorkers     int `yaml:"stage_workers" mapstructure:"stage_workers"`
	IdleSleepSecs    int `yaml:"idle_sleep_secs" mapstructure:"idle_sleep_secs"`
	SweepIntervalSec int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	StaleAfterMins   int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// ServerConfig configures the HTTP polling API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LIVABILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "livability.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.census_base_url", "https://geocoding.geo.census.gov")
	v.SetDefault("geocode.user_agent", "livability/1.0")
	v.SetDefault("geocode.rps", 1)
	v.SetDefault("places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("places.rps", 10)
	v.SetDefault("routing.base_url", "https://router.project-osrm.org")
	v.SetDefault("routing.profile", "driving")
	v.SetDefault("routing.rps", 5)
	v.SetDefault("overpass.base_url", "https://overpass-api.de")
	v.SetDefault("overpass.rps", 1)
	v.SetDefault("walkscore.base_url", "https://api.walkscore.com")
	v.SetDefault("walkscore.rps", 5)
	v.SetDefault("transitland.base_url", "https://transit.land/api/v2/rest")
	v.SetDefault("transitland.rps", 2)
	v.SetDefault("evaluation.places_radius_meters", 1500)
	v.SetDefault("evaluation.schools_radius_meters", 3000)
	v.SetDefault("evaluation.transit_radius_meters", 800)
	v.SetDefault("evaluation.greenspace_radius_meters", 1200)
	v.SetDefault("evaluation.safety_radius_meters", 3000)
	v.SetDefault("cache.max_entries", 4096)
	v.SetDefault("cache.ttl_minutes", 60)
	v.SetDefault("worker.stage_workers", 6)
	v.SetDefault("worker.idle_sleep_secs", 2)
	v.SetDefault("worker.sweep_interval_secs", 30)
	v.SetDefault("worker.stale_after_mins", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given run mode. Modes are
// "worker", "serve", and "client" (submit/status/jobs, which only need the
// store).
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.Path == "" {
				problems = append(problems, "store.path is required for the sqlite driver")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		default:
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
	}

	checkWorker := func() {
		if c.Worker.StageWorkers < 1 || c.Worker.StageWorkers > 64 {
			problems = append(problems, "worker.stage_workers must be between 1 and 64")
		}
		if c.Cache.MaxEntries < 1 {
			problems = append(problems, "cache.max_entries must be > 0")
		}
	}

	switch mode {
	case "client":
		checkStore()
	case "worker":
		checkStore()
		checkWorker()
	case "serve":
		checkStore()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
