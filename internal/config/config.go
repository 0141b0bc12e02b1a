// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

// EnvPrefix namespaces environment overrides, e.g. ADCRAWLER_SERVER_PORT.
const EnvPrefix = "ADCRAWLER"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	ChatLog  ChatLogConfig  `mapstructure:"chatlog"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig tunes each crawl job.
type CrawlerConfig struct {
	SearchBaseURL     string        `mapstructure:"search_base_url"`
	CardClasses       string        `mapstructure:"card_classes"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	FilterWaitTimeout time.Duration `mapstructure:"filter_wait_timeout"`
	MaxRecords        int           `mapstructure:"max_records"`
	MaxScrolls        int           `mapstructure:"max_scrolls"`
	NotifyEvery       int           `mapstructure:"notify_every"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	UISettle          time.Duration `mapstructure:"ui_settle"`
	ScrollSettle      time.Duration `mapstructure:"scroll_settle"`
	// PaceRPS limits navigations per second per host; zero disables pacing.
	PaceRPS   float64 `mapstructure:"pace_rps"`
	PaceBurst int     `mapstructure:"pace_burst"`
}

// HeadlessConfig configures the browser session.
type HeadlessConfig struct {
	// Enabled false swaps the browser for a factory that always fails to start.
	Enabled              bool          `mapstructure:"enabled"`
	ExecPath             string        `mapstructure:"exec_path"`
	UserAgent            string        `mapstructure:"user_agent"`
	AcceptLanguage       string        `mapstructure:"accept_language"`
	WindowWidth          int           `mapstructure:"window_width"`
	WindowHeight         int           `mapstructure:"window_height"`
	RendererProcessLimit int           `mapstructure:"renderer_process_limit"`
	NoSandbox            bool          `mapstructure:"no_sandbox"`
	Headful              bool          `mapstructure:"headful"`
	ActionTimeout        time.Duration `mapstructure:"action_timeout"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout"`
}

// ExtractConfig overrides the ad card text selectors.
type ExtractConfig struct {
	PrimaryTextSelector string `mapstructure:"primary_text_selector"`
	HeadlineSelector    string `mapstructure:"headline_selector"`
}

// CacheConfig locates the advertiser list cache.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig selects where result exports are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	// DigestLength truncates export file names; zero keeps the full digest.
	DigestLength int `mapstructure:"digest_length"`
}

// DBConfig controls access to Postgres. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	AdTable         string        `mapstructure:"ad_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the message transport settings. An empty project keeps
// messages in memory.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	NotifyTopic string `mapstructure:"notify_topic"`
	ResultTopic string `mapstructure:"result_topic"`
	// RequestSubscription, when set, receives crawl requests alongside the HTTP API.
	RequestSubscription string `mapstructure:"request_subscription"`
}

// ChatLogConfig configures the monthly message log.
type ChatLogConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Dir             string `mapstructure:"dir"`
	RetentionDays   int    `mapstructure:"retention_days"`
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
}

// Retention converts RetentionDays to a duration.
func (c ChatLogConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig controls OpenTelemetry spans around crawl jobs.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("crawler.search_base_url", crawler.DefaultSearchBaseURL)
	v.SetDefault("crawler.card_classes", crawler.DefaultCardClasses)
	v.SetDefault("crawler.wait_timeout", crawler.DefaultWaitTimeout.String())
	v.SetDefault("crawler.filter_wait_timeout", crawler.DefaultFilterWaitTimeout.String())
	v.SetDefault("crawler.max_records", crawler.DefaultMaxRecords)
	v.SetDefault("crawler.max_scrolls", crawler.DefaultMaxScrolls)
	v.SetDefault("crawler.notify_every", crawler.DefaultNotifyEvery)
	v.SetDefault("crawler.notify_timeout", crawler.DefaultNotifyTimeout.String())
	v.SetDefault("crawler.ui_settle", crawler.DefaultUISettle.String())
	v.SetDefault("crawler.scroll_settle", crawler.DefaultScrollSettle.String())
	v.SetDefault("crawler.pace_rps", 0.5)
	v.SetDefault("crawler.pace_burst", 1)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.window_width", 1024)
	v.SetDefault("headless.window_height", 768)
	v.SetDefault("headless.renderer_process_limit", 2)
	v.SetDefault("headless.no_sandbox", true)
	v.SetDefault("headless.action_timeout", "15s")
	v.SetDefault("headless.navigation_timeout", "30s")
	v.SetDefault("cache.dir", "ref_data")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "results")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("db.ad_table", "ads")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.notify_topic", "adcrawler-messages")
	v.SetDefault("chatlog.enabled", true)
	v.SetDefault("chatlog.dir", "logs")
	v.SetDefault("chatlog.retention_days", 60)
	v.SetDefault("chatlog.cleanup_schedule", "@daily")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "adcrawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// bindEnv registers optional settings that have no default. Unmarshal only
// consults the environment for keys viper already knows about.
func bindEnv(v *viper.Viper) error {
	for _, key := range []string{
		"auth.enabled", "auth.api_key",
		"headless.exec_path", "headless.user_agent", "headless.accept_language", "headless.headful",
		"extract.primary_text_selector", "extract.headline_selector",
		"storage.gcs_bucket", "storage.digest_length",
		"db.dsn", "db.min_conns", "db.max_conn_lifetime",
		"pubsub.project_id", "pubsub.result_topic", "pubsub.request_subscription",
		"progress.buffer_size", "progress.max_batch_events", "progress.max_batch_wait", "progress.sink_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Crawler.SearchBaseURL == "" {
		errs = append(errs, errors.New("crawler.search_base_url is required"))
	}
	if c.Crawler.MaxRecords <= 0 {
		errs = append(errs, errors.New("crawler.max_records must be > 0"))
	}
	if c.Crawler.PaceRPS < 0 {
		errs = append(errs, errors.New("crawler.pace_rps must be >= 0"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	if c.PubSub.ProjectID != "" && c.PubSub.NotifyTopic == "" {
		errs = append(errs, errors.New("pubsub.notify_topic must be set when pubsub.project_id is set"))
	}
	if c.PubSub.RequestSubscription != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub.request_subscription is set"))
	}
	if c.ChatLog.Enabled && c.ChatLog.RetentionDays <= 0 {
		errs = append(errs, errors.New("chatlog.retention_days must be > 0"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// CrawlOptions converts the crawler section into job options.
func (c Config) CrawlOptions() crawler.Options {
	return crawler.Options{
		SearchBaseURL:     c.Crawler.SearchBaseURL,
		CardSelector:      crawler.ClassSelector(c.Crawler.CardClasses),
		WaitTimeout:       c.Crawler.WaitTimeout,
		FilterWaitTimeout: c.Crawler.FilterWaitTimeout,
		MaxRecords:        c.Crawler.MaxRecords,
		MaxScrolls:        c.Crawler.MaxScrolls,
		NotifyEvery:       c.Crawler.NotifyEvery,
		UISettle:          c.Crawler.UISettle,
		ScrollSettle:      c.Crawler.ScrollSettle,
		NotifyTimeout:     c.Crawler.NotifyTimeout,
	}
}
