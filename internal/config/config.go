// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store and archive backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Headless HeadlessConfig `mapstructure:"headless"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig gates the write routes behind bearer-token verification.
type AuthConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	IntrospectionURL string        `mapstructure:"introspection_url"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
	AllowedEmail     string        `mapstructure:"allowed_email"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Leeway           time.Duration `mapstructure:"leeway"`
}

// CrawlerConfig governs the crawl cycle.
type CrawlerConfig struct {
	// MaxRecoveries bounds session restarts per run.
	MaxRecoveries  int           `mapstructure:"max_recoveries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	// BackfillTimeout bounds each browser session of a backfill. Zero means
	// no bound.
	BackfillTimeout time.Duration `mapstructure:"backfill_timeout"`
	DefaultBudget   int           `mapstructure:"default_budget"`
	RequestsPerMin  float64       `mapstructure:"requests_per_minute"`
	Burst           int           `mapstructure:"burst"`
}

// CatalogConfig points at the journal catalog TSV.
type CatalogConfig struct {
	URL         string        `mapstructure:"url"`
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// HeadlessConfig configures the browser sessions.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RemoteURL       string        `mapstructure:"remote_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	BaseURL         string        `mapstructure:"base_url"`
	ReadySelector   string        `mapstructure:"ready_selector"`
	ConsentSelector string        `mapstructure:"consent_selector"`
	DownloadDir     string        `mapstructure:"download_dir"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout"`
	ControlTimeout  time.Duration `mapstructure:"control_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	Jitter          time.Duration `mapstructure:"jitter"`
}

// DBConfig selects and tunes the store.
type DBConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where raw exports are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether ingest notifications go to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	// Endpoint is an OTLP/HTTP traces URL. Empty keeps spans in-process.
	Endpoint string `mapstructure:"endpoint"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CITES")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.introspection_url", "https://oauth2.googleapis.com/tokeninfo")
	v.SetDefault("auth.issuer", "https://accounts.google.com")
	v.SetDefault("auth.timeout", "10s")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("crawler.max_recoveries", 3)
	v.SetDefault("crawler.backoff_initial", "2s")
	v.SetDefault("crawler.backoff_max", "30s")
	v.SetDefault("crawler.run_timeout", "5m")
	v.SetDefault("crawler.backfill_timeout", "0s")
	v.SetDefault("crawler.default_budget", 10)
	v.SetDefault("crawler.requests_per_minute", 12)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("catalog.url", "https://www.jstor.org/kbart/collections/all-archive-titles?contentType=journals")
	v.SetDefault("catalog.user_agent", "citation-crawler/0.1")
	v.SetDefault("catalog.timeout", "60s")
	v.SetDefault("catalog.max_body_size", 64<<20)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.base_url", "https://www.jstor.org")
	v.SetDefault("headless.download_dir", "/tmp/citation-crawler/downloads")
	v.SetDefault("headless.ready_timeout", "30s")
	v.SetDefault("headless.control_timeout", "10s")
	v.SetDefault("headless.download_timeout", "20s")
	v.SetDefault("headless.jitter", "2s")
	v.SetDefault("db.backend", BackendMemory)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "exports")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "citation-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Crawler.MaxRecoveries < 0 {
		errs = append(errs, errors.New("crawler.max_recoveries must be >= 0"))
	}
	if c.Crawler.BackfillTimeout < 0 {
		errs = append(errs, errors.New("crawler.backfill_timeout must not be negative"))
	}
	if c.Crawler.DefaultBudget < -1 {
		errs = append(errs, errors.New("crawler.default_budget must be >= -1"))
	}
	if c.Catalog.URL == "" {
		errs = append(errs, errors.New("catalog.url is required"))
	}
	if c.Auth.Enabled && c.Auth.IntrospectionURL == "" {
		errs = append(errs, errors.New("auth.introspection_url must be set when auth is enabled"))
	}
	switch c.DB.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db.backend %q", c.DB.Backend))
	}
	switch c.Archive.Backend {
	case BackendNone:
	case BackendLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive.backend %q", c.Archive.Backend))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic must be set together"))
	}
	return errors.Join(errs...)
}
