// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Harvest HarvestConfig `mapstructure:"harvest"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HarvestConfig governs the download loop and on-disk layout.
type HarvestConfig struct {
	// Source is a local manifest file; plain or gzip by extension.
	Source string `mapstructure:"source"`
	// CatalogURL is fetched when Source is empty.
	CatalogURL string `mapstructure:"catalog_url"`
	// Path is the working directory holding shards, the completion log
	// and the run lock.
	Path             string `mapstructure:"path"`
	Parallel         int    `mapstructure:"parallel"`
	BackoffThreshold int    `mapstructure:"backoff_threshold"`
	BackoffSeconds   int    `mapstructure:"backoff_seconds"`
}

// HTTPConfig configures the per-worker HTTP session.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("harvest.path", "downloaded_docs")
	v.SetDefault("harvest.parallel", 10)
	v.SetDefault("harvest.backoff_threshold", 10)
	v.SetDefault("harvest.backoff_seconds", 10)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "wayback-harvester/0.1")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Harvest.Path == "" {
		return fmt.Errorf("harvest.path must be set")
	}
	if c.Harvest.Parallel <= 0 {
		return fmt.Errorf("harvest.parallel must be > 0")
	}
	if c.Harvest.BackoffThreshold <= 0 {
		return fmt.Errorf("harvest.backoff_threshold must be > 0")
	}
	if c.Harvest.BackoffSeconds <= 0 {
		return fmt.Errorf("harvest.backoff_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	return nil
}

// Timeout converts the HTTP timeout config into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffDuration converts the backoff sleep config into a duration.
func (c Config) BackoffDuration() time.Duration {
	return time.Duration(c.Harvest.BackoffSeconds) * time.Second
}
