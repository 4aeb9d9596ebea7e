package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Crawler.MaxRecoveries)
	require.Equal(t, 5*time.Minute, cfg.Crawler.RunTimeout)
	require.Zero(t, cfg.Crawler.BackfillTimeout)
	require.Equal(t, BackendMemory, cfg.DB.Backend)
	require.Equal(t, BackendNone, cfg.Archive.Backend)
	require.Equal(t, "exports", cfg.Archive.Prefix)
	require.True(t, cfg.Headless.Enabled)
	require.False(t, cfg.PubSub.Enabled())
	require.True(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  audience: crawler-invoker
  allowed_email: scheduler@example.org
crawler:
  max_recoveries: 5
  run_timeout: 90s
  default_budget: -1
  requests_per_minute: 6
catalog:
  url: https://example.org/catalog.tsv
headless:
  remote_url: ws://chrome:9222/devtools/browser
  jitter: 0s
db:
  backend: postgres
  dsn: postgres://crawler@localhost/cites
  max_conns: 8
archive:
  backend: gcs
  bucket: cites-exports
pubsub:
  project_id: cites
  topic: issue-ingested
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "crawler-invoker", cfg.Auth.Audience)
	require.Equal(t, 30*time.Second, cfg.Auth.Leeway)
	require.Equal(t, 5, cfg.Crawler.MaxRecoveries)
	require.Equal(t, 90*time.Second, cfg.Crawler.RunTimeout)
	require.Equal(t, -1, cfg.Crawler.DefaultBudget)
	require.InDelta(t, 6.0, cfg.Crawler.RequestsPerMin, 0)
	require.Equal(t, "https://example.org/catalog.tsv", cfg.Catalog.URL)
	require.Equal(t, "ws://chrome:9222/devtools/browser", cfg.Headless.RemoteURL)
	require.Zero(t, cfg.Headless.Jitter)
	require.Equal(t, BackendPostgres, cfg.DB.Backend)
	require.EqualValues(t, 8, cfg.DB.MaxConns)
	require.Equal(t, "cites-exports", cfg.Archive.Bucket)
	require.True(t, cfg.PubSub.Enabled())
	require.False(t, cfg.Logging.Development)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CITES_SERVER_PORT", "7070")
	t.Setenv("CITES_DB_BACKEND", "postgres")
	t.Setenv("CITES_DB_DSN", "postgres://env@localhost/cites")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "postgres://env@localhost/cites", cfg.DB.DSN)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Catalog: CatalogConfig{URL: "https://example.org/catalog.tsv"},
			DB:      DBConfig{Backend: BackendMemory},
			Archive: ArchiveConfig{Backend: BackendNone},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"port":       {func(c *Config) { c.Server.Port = 0 }, "server.port"},
		"recoveries": {func(c *Config) { c.Crawler.MaxRecoveries = -1 }, "crawler.max_recoveries"},
		"budget":     {func(c *Config) { c.Crawler.DefaultBudget = -2 }, "crawler.default_budget"},
		"backfill":   {func(c *Config) { c.Crawler.BackfillTimeout = -time.Second }, "crawler.backfill_timeout"},
		"catalog":    {func(c *Config) { c.Catalog.URL = "" }, "catalog.url"},
		"auth": {func(c *Config) {
			c.Auth.Enabled = true
		}, "auth.introspection_url"},
		"dsn":          {func(c *Config) { c.DB.Backend = BackendPostgres }, "db.dsn"},
		"db backend":   {func(c *Config) { c.DB.Backend = "sqlite" }, "unknown db.backend"},
		"local":        {func(c *Config) { c.Archive.Backend = BackendLocal }, "archive.base_dir"},
		"gcs":          {func(c *Config) { c.Archive.Backend = BackendGCS }, "archive.bucket"},
		"archive kind": {func(c *Config) { c.Archive.Backend = "s3" }, "unknown archive.backend"},
		"pubsub":       {func(c *Config) { c.PubSub.Topic = "issue-ingested" }, "pubsub.project_id"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
