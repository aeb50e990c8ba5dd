package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider"`
	Fetcher  FetcherConfig  `yaml:"fetcher" mapstructure:"fetcher"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ProviderConfig points at the daily descriptor endpoint.
type ProviderConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
}

// FetcherConfig configures downloads and the background session.
type FetcherConfig struct {
	SessionID          string  `yaml:"session_id" mapstructure:"session_id"`
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ProgressIntervalMS int     `yaml:"progress_interval_ms" mapstructure:"progress_interval_ms"`
	DataDir            string  `yaml:"data_dir" mapstructure:"data_dir"`
	TempDir            string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	Background         bool    `yaml:"background" mapstructure:"background"`
	RateLimit          float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// CacheConfig configures the asset cache.
type CacheConfig struct {
	Dir               string `yaml:"dir" mapstructure:"dir"`
	ConcurrentRefresh string `yaml:"concurrent_refresh" mapstructure:"concurrent_refresh"`
	ResumeAttempts    int    `yaml:"resume_attempts" mapstructure:"resume_attempts"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the read API server.
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
	v.SetEnvPrefix("APOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("provider.endpoint", "https://api.nasa.gov/planetary/apod")
	v.SetDefault("provider.api_key", "DEMO_KEY")
	v.SetDefault("fetcher.session_id", "apod-cache.background")
	v.SetDefault("fetcher.user_agent", "apod-cache/1.0")
	v.SetDefault("fetcher.timeout_secs", 30)
	v.SetDefault("fetcher.progress_interval_ms", 250)
	v.SetDefault("fetcher.data_dir", ".apod-cache/data")
	v.SetDefault("fetcher.temp_dir", "")
	v.SetDefault("fetcher.background", true)
	v.SetDefault("fetcher.rate_limit", 5.0)
	v.SetDefault("cache.dir", ".apod-cache/assets")
	v.SetDefault("cache.concurrent_refresh", "join")
	v.SetDefault("cache.resume_attempts", 1)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", ".apod-cache/apod.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command needs. mode is the command name.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "refresh", "reattach", "serve":
		if c.Provider.Endpoint == "" {
			errs = append(errs, "provider.endpoint is required")
		} else if u, err := url.Parse(c.Provider.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("provider.endpoint %q is not an absolute URL", c.Provider.Endpoint))
		}
		if c.Cache.Dir == "" {
			errs = append(errs, "cache.dir is required")
		}
		if c.Fetcher.DataDir == "" {
			errs = append(errs, "fetcher.data_dir is required")
		}
		switch c.Cache.ConcurrentRefresh {
		case "join", "reject":
		default:
			errs = append(errs, fmt.Sprintf("cache.concurrent_refresh must be join or reject, got %q", c.Cache.ConcurrentRefresh))
		}
		if c.Cache.ResumeAttempts < 1 {
			errs = append(errs, "cache.resume_attempts must be at least 1")
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DescriptorURL is the provider endpoint with the api_key query parameter
// set.
func (p ProviderConfig) DescriptorURL() (string, error) {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return "", eris.Wrapf(err, "config: parse provider endpoint %q", p.Endpoint)
	}
	if p.APIKey != "" {
		q := u.Query()
		q.Set("api_key", p.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Timeout is the per-request timeout.
func (f FetcherConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// ProgressInterval is the minimum spacing between progress events.
func (f FetcherConfig) ProgressInterval() time.Duration {
	return time.Duration(f.ProgressIntervalMS) * time.Millisecond
}

// TempDirOrDefault places foreground partial files under the data dir when
// no temp dir is configured.
func (f FetcherConfig) TempDirOrDefault() string {
	if f.TempDir != "" {
		return f.TempDir
	}
	return filepath.Join(f.DataDir, "tmp")
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
