package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
database:
  dsn: postgres://localhost/skins
http:
  pool_size: 4
  per_source_conns: 2
  cooldown: 2m
collector:
  max_retries: 4
  backoff_base: 1s
  backoff_cap: 8s
reconcile:
  strip_patterns:
    - '\s*\((Factory New|Minimal Wear)\)$'
sources:
  - id: api
    kind: listings_api
    base_url: https://api.example.test
    path: /v1/listings
    page_size: 50
    sort: price_asc
    max_pages: 20
    requests_per_minute: 30
    min_delay: 1500ms
  - id: shop
    kind: marketplace_html
    base_url: https://shop.example.test
    marker: __MARKET__
    enabled: false
  - id: steam
    kind: price_lookup
    base_url: https://lookup.example.test
    currency: "1"
    items: ["AK-47 | Redline (Field-Tested)"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.HTTP.PoolSize)
	assert.Equal(t, 2*time.Minute, cfg.HTTP.Cooldown)
	assert.Equal(t, 20*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 4, cfg.Collector.MaxRetries)
	assert.Equal(t, 8*time.Second, cfg.Collector.BackoffCap)
	require.Len(t, cfg.Sources, 3)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sources[0].MinDelay)
	assert.Len(t, cfg.Reconcile.StripPatterns, 1)

	enabled := cfg.EnabledSources(nil)
	require.Len(t, enabled, 2)
	assert.Equal(t, "api", enabled[0].ID)
	assert.Equal(t, "steam", enabled[1].ID)

	only := cfg.EnabledSources([]string{"steam", "shop"})
	require.Len(t, only, 1)
	assert.Equal(t, "steam", only[0].ID)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SKININGEST_HTTP_POOL_SIZE", "3")
	t.Setenv("SKININGEST_DATABASE_DSN", "postgres://env/skins")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.HTTP.PoolSize)
	assert.Equal(t, "postgres://env/skins", cfg.Database.DSN)
}

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Interval: time.Hour},
		HTTP:      HTTPConfig{PoolSize: 5, PerSourceConns: 2},
		Collector: CollectorConfig{BackoffBase: time.Second, BackoffCap: 10 * time.Second},
		Sources:   []SourceConfig{{ID: "api", Kind: KindListingsAPI, BaseURL: "https://x"}},
		Export:    ExportConfig{MaxDataPoints: 10},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	off := false
	cases := map[string]func(*Config){
		"no sources":         func(c *Config) { c.Sources = nil },
		"all disabled":       func(c *Config) { c.Sources[0].Enabled = &off },
		"duplicate id":       func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) },
		"unknown kind":       func(c *Config) { c.Sources[0].Kind = "ftp" },
		"pool size":          func(c *Config) { c.HTTP.PoolSize = 0 },
		"per source > pool":  func(c *Config) { c.HTTP.PerSourceConns = 6 },
		"cap below base":     func(c *Config) { c.Collector.BackoffCap = time.Millisecond },
		"negative retries":   func(c *Config) { c.Collector.MaxRetries = -1 },
		"negative page size": func(c *Config) { c.Sources[0].PageSize = -1 },
		"lookup w/o items": func(c *Config) {
			c.Sources[0].Kind = KindPriceLookup
		},
		"telegram token": func(c *Config) { c.Report.Telegram.Enabled = true },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 10, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 3, cfg.ResolveMaxPoints(3))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SKININGEST_APP_ENVIRONMENT=staging\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Cleanup(func() { _ = os.Unsetenv("SKININGEST_APP_ENVIRONMENT") })

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.App.Environment)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestValidateAPIAddr(t *testing.T) {
	cfg := validConfig()
	cfg.API = APIConfig{Enabled: true}
	assert.Error(t, cfg.Validate())

	cfg.API.Addr = "127.0.0.1:9090"
	assert.NoError(t, cfg.Validate())
}
