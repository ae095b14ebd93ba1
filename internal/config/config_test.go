package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

const parisYAML = `
log:
  level: debug
  format: console
pipeline:
  concurrency: 8
  levels: [medium, fine]
frames:
  EPSG:27561: "+proj=lcc +lat_1=49.5 +lat_0=49.5 +lon_0=0 +k_0=0.999877341 +x_0=600000 +y_0=200000 +a=6378249.2 +b=6356515 +towgs84=-168,-60,320,0,0,0,0 +pm=paris +units=m +no_defs"
sources:
  bati:
    role: buildings
    location: https://opendata.apur.org/emprise_batie.geojson
    format: geojson
    frame: EPSG:2154
    geometry_field: geometry
    value_field: M2_PL_TOT
  iris:
    role: division
    level: fine
    location: ./data/iris.csv
    format: csv
    delimiter: ";"
    frame: EPSG:4326
    geometry_field: geo_shape
    id_field: CODE_IRIS
    name_field: NOM_IRIS
    filter_field: DEPCOM
    filter_prefix: "751"
`

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "density.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, "EPSG:2154", cfg.Pipeline.WorkingFrame)
	assert.Equal(t, "M2_PL_TOT", cfg.Pipeline.ValueField)
	assert.Equal(t, "sum", cfg.Pipeline.Reducer)
	assert.Equal(t, "full", cfg.Pipeline.OverlapPolicy)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	assert.Equal(t, []string{"coarse", "medium", "fine"}, cfg.Pipeline.Levels)
	assert.Equal(t, "out", cfg.Export.Dir)
	assert.Equal(t, []string{"csv", "xlsx"}, cfg.Export.Formats)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(parisYAML), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, []string{"medium", "fine"}, cfg.Pipeline.Levels)
	// Defaults still apply for unset values
	assert.Equal(t, "sum", cfg.Pipeline.Reducer)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, []string{"bati", "iris"}, cfg.SourceNames())
	iris := cfg.Sources["iris"]
	assert.Equal(t, "division", iris.Role)
	assert.Equal(t, ";", iris.Delimiter)
	assert.Equal(t, "751", iris.FilterPrefix)
	assert.Equal(t, "CODE_IRIS", iris.IDField)

	// viper lowercases map keys.
	assert.Contains(t, cfg.Frames, "epsg:27561")

	assert.NoError(t, cfg.Validate("run"))
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paris.yaml")
	require.NoError(t, os.WriteFile(path, []byte(parisYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Sources, 2)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(parisYAML), 0o644))

	t.Setenv("DENSITY_STORE_DRIVER", "postgres")
	t.Setenv("DENSITY_LOG_LEVEL", "warn")
	t.Setenv("DENSITY_PIPELINE_REDUCER", "mean")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "mean", cfg.Pipeline.Reducer)
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

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "density.db"
	cfg.Server.Port = 8080
	cfg.Pipeline.ValueField = "M2_PL_TOT"
	cfg.Pipeline.Concurrency = 4
	cfg.Pipeline.Levels = []string{"coarse", "medium", "fine"}
	cfg.Sources = map[string]SourceConfig{
		"bati": {Role: "buildings", Format: "csv", Location: "bati.csv", Frame: "EPSG:2154"},
		"iris": {Role: "division", Format: "shapefile", Location: "iris.zip", Frame: "EPSG:2154"},
	}
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
}

func TestValidateRun_Problems(t *testing.T) {
	cfg := validDefaults()
	cfg.Pipeline.ValueField = ""
	cfg.Pipeline.Concurrency = 0
	cfg.Pipeline.Levels = []string{"block"}
	cfg.Store.Driver = "mysql"
	cfg.Sources["bati"] = SourceConfig{Role: "roads", Format: "kml", Delimiter: ";;"}

	err := cfg.Validate("run")
	require.Error(t, err)
	for _, want := range []string{
		"pipeline.value_field is required",
		"pipeline.concurrency must be at least 1",
		`unknown level "block"`,
		"store.driver must be sqlite or postgres",
		"sources.bati.role",
		`sources.bati.format "kml"`,
		"sources.bati.location is required",
		"sources.bati.frame is required",
		"sources.bati.delimiter must be a single character",
		"a buildings source is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateSources_Empty(t *testing.T) {
	cfg := validDefaults()
	cfg.Sources = nil
	err := cfg.Validate("sources")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateRuns_NoDatabase(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateUnknownCommand(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate("version"))
}
