package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"skinmarket-ingest/internal/logging"
)

// Source kinds.
const (
	KindListingsAPI     = "listings_api"
	KindMarketplaceHTML = "marketplace_html"
	KindPriceLookup     = "price_lookup"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Sources     []SourceConfig    `mapstructure:"sources"`
	Report      ReportConfig      `mapstructure:"report"`
	Export      ExportConfig      `mapstructure:"export"`
	API         APIConfig         `mapstructure:"api"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs collection cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// HTTPConfig shapes the shared fetch client.
type HTTPConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PoolSize         int           `mapstructure:"pool_size"`
	PerSourceConns   int           `mapstructure:"per_source_conns"`
	UserAgent        string        `mapstructure:"user_agent"`
	ThrottleStatuses []int         `mapstructure:"throttle_statuses"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxBodyLog       int           `mapstructure:"max_body_log"`
}

// CollectorConfig bounds the per-page retry state machine.
type CollectorConfig struct {
	MaxRetries                  int           `mapstructure:"max_retries"`
	BackoffBase                 time.Duration `mapstructure:"backoff_base"`
	BackoffCap                  time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter               float64       `mapstructure:"backoff_jitter"`
	MaxConsecutiveParseFailures int           `mapstructure:"max_consecutive_parse_failures"`
}

// ReconcileConfig holds the name decoration patterns stripped before matching.
type ReconcileConfig struct {
	StripPatterns []string `mapstructure:"strip_patterns"`
}

// PersistenceConfig bounds writes that outlive a cancelled run.
type PersistenceConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SourceConfig describes one external source.
type SourceConfig struct {
	ID                string        `mapstructure:"id"`
	Kind              string        `mapstructure:"kind"`
	BaseURL           string        `mapstructure:"base_url"`
	Path              string        `mapstructure:"path"`
	PageSize          int           `mapstructure:"page_size"`
	Sort              string        `mapstructure:"sort"`
	Category          string        `mapstructure:"category"`
	Currency          string        `mapstructure:"currency"`
	Items             []string      `mapstructure:"items"`
	MaxPages          int           `mapstructure:"max_pages"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	Confidence        string        `mapstructure:"confidence"`
	Marker            string        `mapstructure:"marker"`
	Enabled           *bool         `mapstructure:"enabled"`
}

// IsEnabled treats a missing flag as enabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ReportConfig routes run summaries to external collaborators.
type ReportConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// APIConfig exposes the read-only status API next to the scheduled service.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds configuration from file, environment, and defaults. A .env
// file in the working directory is applied first; real environment
// variables win over it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SKININGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "skiningest")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("http.connect_timeout", "5s")
	v.SetDefault("http.request_timeout", "20s")
	v.SetDefault("http.pool_size", 5)
	v.SetDefault("http.per_source_conns", 2)
	v.SetDefault("http.throttle_statuses", []int{429})
	v.SetDefault("http.cooldown", "90s")
	v.SetDefault("http.max_body_log", 512)

	v.SetDefault("collector.max_retries", 3)
	v.SetDefault("collector.backoff_base", "2s")
	v.SetDefault("collector.backoff_cap", "30s")
	v.SetDefault("collector.backoff_jitter", 0.2)
	v.SetDefault("collector.max_consecutive_parse_failures", 5)

	v.SetDefault("persistence.timeout", "30s")

	v.SetDefault("report.enabled", false)
	v.SetDefault("report.telegram.enabled", false)
	v.SetDefault("report.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 365)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8080")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
		dc.WeaklyTypedInput = true
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	if err := c.Collector.validate(); err != nil {
		return err
	}
	if c.Persistence.Timeout < 0 {
		return fmt.Errorf("persistence.timeout cannot be negative")
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required when api.enabled")
	}
	if c.Report.Telegram.Enabled {
		if c.Report.Telegram.BotToken == "" {
			return fmt.Errorf("report.telegram.bot_token 必须配置")
		}
		if c.Report.Telegram.ChatID == "" {
			return fmt.Errorf("report.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (h HTTPConfig) validate() error {
	if h.PoolSize <= 0 {
		return fmt.Errorf("http.pool_size must be greater than zero")
	}
	if h.PerSourceConns <= 0 {
		return fmt.Errorf("http.per_source_conns must be greater than zero")
	}
	if h.PerSourceConns > h.PoolSize {
		return fmt.Errorf("http.per_source_conns (%d) cannot exceed http.pool_size (%d)", h.PerSourceConns, h.PoolSize)
	}
	if h.ConnectTimeout < 0 || h.RequestTimeout < 0 || h.Cooldown < 0 {
		return fmt.Errorf("http timeouts and cooldown cannot be negative")
	}
	if h.MaxBodyLog < 0 {
		return fmt.Errorf("http.max_body_log cannot be negative")
	}
	for _, code := range h.ThrottleStatuses {
		if code < 100 || code > 599 {
			return fmt.Errorf("http.throttle_statuses: invalid status %d", code)
		}
	}
	return nil
}

func (cc CollectorConfig) validate() error {
	if cc.MaxRetries < 0 {
		return fmt.Errorf("collector.max_retries cannot be negative")
	}
	if cc.BackoffBase < 0 || cc.BackoffCap < 0 {
		return fmt.Errorf("collector backoff durations cannot be negative")
	}
	if cc.BackoffCap < cc.BackoffBase {
		return fmt.Errorf("collector.backoff_cap (%s) cannot be below collector.backoff_base (%s)", cc.BackoffCap, cc.BackoffBase)
	}
	if cc.BackoffJitter < 0 || cc.BackoffJitter > 1 {
		return fmt.Errorf("collector.backoff_jitter must be within [0,1]")
	}
	if cc.MaxConsecutiveParseFailures < 0 {
		return fmt.Errorf("collector.max_consecutive_parse_failures cannot be negative")
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	enabled := 0
	for i, src := range c.Sources {
		if strings.TrimSpace(src.ID) == "" {
			return fmt.Errorf("sources[%d].id 必须配置", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}

		switch src.Kind {
		case KindListingsAPI, KindMarketplaceHTML, KindPriceLookup:
		default:
			return fmt.Errorf("source %q: unknown kind %q", src.ID, src.Kind)
		}
		if strings.TrimSpace(src.BaseURL) == "" {
			return fmt.Errorf("source %q: base_url 必须配置", src.ID)
		}
		if src.PageSize < 0 || src.MaxPages < 0 || src.RequestsPerMinute < 0 || src.MinDelay < 0 {
			return fmt.Errorf("source %q: page_size, max_pages, requests_per_minute and min_delay cannot be negative", src.ID)
		}
		if src.Kind == KindPriceLookup && len(src.Items) == 0 {
			return fmt.Errorf("source %q: price_lookup needs items", src.ID)
		}
		if src.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled source is required")
	}
	return nil
}

// EnabledSources returns enabled sources, optionally restricted to ids.
func (c *Config) EnabledSources(only []string) []SourceConfig {
	want := make(map[string]struct{}, len(only))
	for _, id := range only {
		want[id] = struct{}{}
	}
	var out []SourceConfig
	for _, src := range c.Sources {
		if !src.IsEnabled() {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[src.ID]; !ok {
				continue
			}
		}
		out = append(out, src)
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
