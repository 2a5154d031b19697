package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "livability.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://nominatim.openstreetmap.org", cfg.Geocode.BaseURL)
	assert.Equal(t, "https://geocoding.geo.census.gov", cfg.Geocode.CensusBaseURL)
	assert.InDelta(t, 1.0, cfg.Geocode.RPS, 0.001)
	assert.Equal(t, "https://router.project-osrm.org", cfg.Routing.BaseURL)
	assert.Equal(t, "driving", cfg.Routing.Profile)
	assert.InDelta(t, 1.0, cfg.Overpass.RPS, 0.001)
	assert.InDelta(t, 1500, cfg.Evaluation.PlacesRadiusMeters, 0.001)
	assert.InDelta(t, 800, cfg.Evaluation.TransitRadiusMeters, 0.001)
	assert.Empty(t, cfg.Evaluation.CommuteHubs)
	assert.Equal(t, 4096, cfg.Cache.MaxEntries)
	assert.Equal(t, 60, cfg.Cache.TTLMinutes)
	assert.Equal(t, 6, cfg.Worker.StageWorkers)
	assert.Equal(t, 2, cfg.Worker.IdleSleepSecs)
	assert.Equal(t, 30, cfg.Worker.SweepIntervalSec)
	assert.Equal(t, 10, cfg.Worker.StaleAfterMins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/livability
log:
  level: debug
  format: console
server:
  port: 9090
evaluation:
  places_radius_meters: 2000
  commute_hubs:
    - name: downtown
      lat: 36.1659
      lng: -86.7844
    - name: airport
      lat: 36.1263
      lng: -86.6774
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 2000, cfg.Evaluation.PlacesRadiusMeters, 0.001)
	require.Len(t, cfg.Evaluation.CommuteHubs, 2)
	assert.Equal(t, "downtown", cfg.Evaluation.CommuteHubs[0].Name)
	assert.InDelta(t, 36.1659, cfg.Evaluation.CommuteHubs[0].Lat, 1e-6)
	// Defaults still apply for unset values
	assert.InDelta(t, 800, cfg.Evaluation.TransitRadiusMeters, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LIVABILITY_STORE_DRIVER", "postgres")
	t.Setenv("LIVABILITY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("LIVABILITY_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestEvaluationParams(t *testing.T) {
	e := EvaluationConfig{
		PlacesRadiusMeters:  2000,
		TransitRadiusMeters: 900,
	}
	p := e.Params()
	assert.InDelta(t, 2000, p.PlacesRadiusMeters, 0.001)
	assert.InDelta(t, 900, p.TransitRadiusMeters, 0.001)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "livability.db"
	cfg.Worker.StageWorkers = 6
	cfg.Cache.MaxEntries = 4096
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateClient(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("client"))

	cfg.Store.Path = ""
	err := cfg.Validate("client")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.path is required")
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("client")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/livability"
	assert.NoError(t, cfg.Validate("client"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("client")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("worker"))

	cfg.Worker.StageWorkers = 0
	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stage_workers must be between 1 and 64")

	cfg.Worker.StageWorkers = 65
	err = cfg.Validate("worker")
	assert.Error(t, err)

	cfg.Worker.StageWorkers = 64
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
