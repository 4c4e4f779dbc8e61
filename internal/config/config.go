package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     store.Config             `yaml:"store" mapstructure:"store"`
	Log       LogConfig                `yaml:"log" mapstructure:"log"`
	Server    ServerConfig             `yaml:"server" mapstructure:"server"`
	Collector CollectorConfig          `yaml:"collector" mapstructure:"collector"`
	Datasets  map[string]DatasetConfig `yaml:"datasets" mapstructure:"datasets"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// CollectorConfig configures the background collection loops.
type CollectorConfig struct {
	IntervalSecs       int `yaml:"interval_secs" mapstructure:"interval_secs"`
	VerifyIntervalSecs int `yaml:"verify_interval_secs" mapstructure:"verify_interval_secs"`
	ErrorThreshold     int `yaml:"error_threshold" mapstructure:"error_threshold"`
	MaxBackoffSecs     int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// Interval returns the cycle interval as a duration.
func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// VerifyInterval returns the completed-dataset re-check interval.
func (c CollectorConfig) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalSecs) * time.Second
}

// MaxBackoff returns the error cool-down cap.
func (c CollectorConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSecs) * time.Second
}

// DatasetConfig configures one external ontology source.
type DatasetConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	LookupURL   string  `yaml:"lookup_url" mapstructure:"lookup_url"`
	BatchSize   int     `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// Timeout returns the per-request timeout as a duration.
func (c DatasetConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Dataset returns the configuration for one dataset, with zero values for
// unconfigured ones.
func (c *Config) Dataset(dataset model.DatasetType) DatasetConfig {
	return c.Datasets[string(dataset)]
}

// Validate checks the fields required for the given mode ("collect",
// "serve", or "resolve").
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for the postgres driver")
	}

	switch mode {
	case "collect":
		for _, dataset := range model.AllDatasets {
			if c.Dataset(dataset).BaseURL == "" {
				problems = append(problems, "datasets."+string(dataset)+".base_url is required")
			}
		}
		if c.Collector.IntervalSecs <= 0 {
			problems = append(problems, "collector.interval_secs must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "resolve":
		// Store-only; the common checks above suffice.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "refsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("collector.interval_secs", 3600)
	v.SetDefault("collector.verify_interval_secs", 86400)
	v.SetDefault("collector.error_threshold", 5)
	v.SetDefault("collector.max_backoff_secs", 21600)
	for _, dataset := range model.AllDatasets {
		prefix := "datasets." + string(dataset) + "."
		v.SetDefault(prefix+"batch_size", 500)
		v.SetDefault(prefix+"timeout_secs", 30)
		v.SetDefault(prefix+"rate_per_sec", 5.0)
		v.SetDefault(prefix+"user_agent", "refsync/1.0")
	}

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
