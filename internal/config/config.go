// Package config loads and validates fetcher configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. BIZFETCH_SEARCH_API_KEY.
const EnvPrefix = "BIZFETCH"

// Config captures all knobs loaded via Viper.
type Config struct {
	Search  SearchConfig  `mapstructure:"search"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SearchConfig describes the remote search API and its limits.
type SearchConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Location string `mapstructure:"location"`
	Term     string `mapstructure:"term"`
	// PageLimit is the number of results requested per page.
	PageLimit int `mapstructure:"page_limit"`
	// MaxRetrievable is the absolute number of results the API will serve for
	// one query regardless of offset.
	MaxRetrievable    int     `mapstructure:"max_retrievable"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// StorageConfig sets local paths and optional snapshot archival targets.
type StorageConfig struct {
	ProgressPath string `mapstructure:"progress_path"`
	EntitiesPath string `mapstructure:"entities_path"`
	TaxonomyPath string `mapstructure:"taxonomy_path"`
	ArchiveDir   string `mapstructure:"archive_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	GCSPrefix    string `mapstructure:"gcs_prefix"`
}

// DBConfig controls the optional Postgres entity mirror.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls how collected metrics leave the process.
type MetricsConfig struct {
	TextfilePath   string `mapstructure:"textfile_path"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("search.endpoint", "https://api.yelp.com/v3/businesses/search")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.location", "San Francisco")
	v.SetDefault("search.term", "")
	v.SetDefault("search.page_limit", 50)
	v.SetDefault("search.max_retrievable", 1000)
	v.SetDefault("search.timeout_seconds", 30)
	v.SetDefault("search.requests_per_second", 0)
	v.SetDefault("storage.progress_path", "data/businesses_search_progress.json")
	v.SetDefault("storage.entities_path", "data/businesses_search.json")
	v.SetDefault("storage.taxonomy_path", "data/categories.json")
	v.SetDefault("storage.archive_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "snapshots")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "businesses")
	v.SetDefault("db.max_conns", 2)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job_name", "bizfetch")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. The API key is
// not required here because read-only commands (status, export) never call
// the search API; RequireSearchCredentials checks it where it matters.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Search.Endpoint); err != nil {
		return fmt.Errorf("search.endpoint must be an absolute URL: %w", err)
	}
	if c.Search.PageLimit <= 0 {
		return fmt.Errorf("search.page_limit must be > 0")
	}
	if c.Search.MaxRetrievable < c.Search.PageLimit {
		return fmt.Errorf("search.max_retrievable must be >= search.page_limit")
	}
	if c.Search.TimeoutSeconds <= 0 {
		return fmt.Errorf("search.timeout_seconds must be > 0")
	}
	if c.Search.RequestsPerSecond < 0 {
		return fmt.Errorf("search.requests_per_second must be >= 0")
	}
	if strings.TrimSpace(c.Storage.ProgressPath) == "" {
		return fmt.Errorf("storage.progress_path is required")
	}
	if strings.TrimSpace(c.Storage.EntitiesPath) == "" {
		return fmt.Errorf("storage.entities_path is required")
	}
	if c.Storage.ProgressPath == c.Storage.EntitiesPath {
		return fmt.Errorf("storage.progress_path and storage.entities_path must differ")
	}
	if strings.TrimSpace(c.Storage.TaxonomyPath) == "" {
		return fmt.Errorf("storage.taxonomy_path is required")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// RequireSearchCredentials reports whether the search API can be called.
func (c Config) RequireSearchCredentials() error {
	if strings.TrimSpace(c.Search.APIKey) == "" {
		return fmt.Errorf("search.api_key must be set (env %s_SEARCH_API_KEY)", EnvPrefix)
	}
	return nil
}

// RequestTimeout converts the search timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}
