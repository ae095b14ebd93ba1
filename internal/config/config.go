// Package config loads density-cli settings from config.yaml and DENSITY_*
// environment variables, and initializes the global logger.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/density-cli/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig             `yaml:"store" mapstructure:"store"`
	Server   ServerConfig            `yaml:"server" mapstructure:"server"`
	Log      LogConfig               `yaml:"log" mapstructure:"log"`
	Fetch    FetchConfig             `yaml:"fetch" mapstructure:"fetch"`
	Pipeline PipelineConfig          `yaml:"pipeline" mapstructure:"pipeline"`
	Export   ExportConfig            `yaml:"export" mapstructure:"export"`
	Frames   map[string]string       `yaml:"frames" mapstructure:"frames"`
	Sources  map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the result store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the results API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// FetchConfig configures remote source downloads.
type FetchConfig struct {
	UserAgent   string             `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int                `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int                `yaml:"max_retries" mapstructure:"max_retries"`
	TempDir     string             `yaml:"temp_dir" mapstructure:"temp_dir"`
	RatePerHost map[string]float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
}

// PipelineConfig configures the density computation.
type PipelineConfig struct {
	WorkingFrame  string   `yaml:"working_frame" mapstructure:"working_frame"`
	ValueField    string   `yaml:"value_field" mapstructure:"value_field"`
	Reducer       string   `yaml:"reducer" mapstructure:"reducer"`
	OverlapPolicy string   `yaml:"overlap_policy" mapstructure:"overlap_policy"`
	Concurrency   int      `yaml:"concurrency" mapstructure:"concurrency"`
	Levels        []string `yaml:"levels" mapstructure:"levels"`
}

// ExportConfig configures result files.
type ExportConfig struct {
	Dir     string   `yaml:"dir" mapstructure:"dir"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// SourceConfig describes one dataset. Field names are explicit; nothing is
// inferred from column headers.
type SourceConfig struct {
	Role          string `yaml:"role" mapstructure:"role"`
	Category      string `yaml:"category" mapstructure:"category"`
	Level         string `yaml:"level" mapstructure:"level"`
	Location      string `yaml:"location" mapstructure:"location"`
	Format        string `yaml:"format" mapstructure:"format"`
	Frame         string `yaml:"frame" mapstructure:"frame"`
	Delimiter     string `yaml:"delimiter" mapstructure:"delimiter"`
	Encoding      string `yaml:"encoding" mapstructure:"encoding"`
	Sheet         string `yaml:"sheet" mapstructure:"sheet"`
	GeometryField string `yaml:"geometry_field" mapstructure:"geometry_field"`
	ValueField    string `yaml:"value_field" mapstructure:"value_field"`
	IDField       string `yaml:"id_field" mapstructure:"id_field"`
	NameField     string `yaml:"name_field" mapstructure:"name_field"`
	FilterField   string `yaml:"filter_field" mapstructure:"filter_field"`
	FilterPrefix  string `yaml:"filter_prefix" mapstructure:"filter_prefix"`
}

// SourceNames returns the configured source names, sorted.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for n := range c.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load reads configuration from file and environment. An empty path looks
// for config.yaml in the working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("DENSITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "density.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.user_agent", "density-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.temp_dir", "")
	v.SetDefault("pipeline.working_frame", "EPSG:2154")
	v.SetDefault("pipeline.value_field", "M2_PL_TOT")
	v.SetDefault("pipeline.reducer", "sum")
	v.SetDefault("pipeline.overlap_policy", "full")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.levels", []string{"coarse", "medium", "fine"})
	v.SetDefault("export.dir", "out")
	v.SetDefault("export.formats", []string{"csv", "xlsx"})

	// Read config file (optional when searched for)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var (
	knownRoles   = map[string]bool{"buildings": true, "division": true, "exclusion": true}
	knownFormats = map[string]bool{"csv": true, "xlsx": true, "geojson": true, "shapefile": true}
)

// Validate reports every problem relevant to command at once.
func (c *Config) Validate(command string) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch command {
	case "run":
		if c.Pipeline.ValueField == "" {
			add("pipeline.value_field is required")
		}
		if c.Pipeline.Concurrency < 1 {
			add("pipeline.concurrency must be at least 1")
		}
		for _, l := range c.Pipeline.Levels {
			if _, err := model.ParseLevel(l); err != nil {
				add("pipeline.levels: unknown level %q", l)
			}
		}
		problems = append(problems, c.sourceProblems()...)
		if len(c.Sources) > 0 {
			problems = append(problems, c.roleProblems()...)
		}
		c.storeProblems(add)
	case "sources":
		problems = append(problems, c.sourceProblems()...)
	case "runs":
		c.storeProblems(add)
	case "serve":
		c.storeProblems(add)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be between 1 and 65535")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s:\n  - %s", command, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (c *Config) storeProblems(add func(string, ...any)) {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
}

func (c *Config) sourceProblems() []string {
	if len(c.Sources) == 0 {
		return []string{"sources: at least one source is required"}
	}
	var problems []string
	for _, name := range c.SourceNames() {
		s := c.Sources[name]
		if !knownRoles[strings.ToLower(s.Role)] {
			problems = append(problems, fmt.Sprintf("sources.%s.role must be buildings, division or exclusion", name))
		}
		if !knownFormats[strings.ToLower(s.Format)] {
			problems = append(problems, fmt.Sprintf("sources.%s.format %q is not supported", name, s.Format))
		}
		if s.Location == "" {
			problems = append(problems, fmt.Sprintf("sources.%s.location is required", name))
		}
		if s.Frame == "" {
			problems = append(problems, fmt.Sprintf("sources.%s.frame is required", name))
		}
		if len([]rune(s.Delimiter)) > 1 {
			problems = append(problems, fmt.Sprintf("sources.%s.delimiter must be a single character", name))
		}
	}
	return problems
}

// roleProblems checks that a run has every role it needs.
func (c *Config) roleProblems() []string {
	var buildings, divisions int
	for _, s := range c.Sources {
		switch strings.ToLower(s.Role) {
		case "buildings":
			buildings++
		case "division":
			divisions++
		}
	}
	var problems []string
	if buildings == 0 {
		problems = append(problems, "sources: a buildings source is required")
	}
	if divisions == 0 {
		problems = append(problems, "sources: at least one division source is required")
	}
	return problems
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
