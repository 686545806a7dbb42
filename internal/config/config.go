// Package config loads and validates crawler service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// APIKey enables X-API-Key auth when non-empty.
	APIKey string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool and the crawl pipeline.
type CrawlerConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	RenderTimeout    time.Duration `mapstructure:"render_timeout"`
	VerifyTimeout    time.Duration `mapstructure:"verify_timeout"`
	VerifyRate       float64       `mapstructure:"verify_rate"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	ThinContentWords int           `mapstructure:"thin_content_words"`
	LargePageBytes   int           `mapstructure:"large_page_bytes"`
	RedirectCap      int           `mapstructure:"redirect_cap"`
	DefaultUserAgent string        `mapstructure:"default_user_agent"`
	BlockedDomains   []string      `mapstructure:"blocked_domains"`

	// Defaults applied to crawl submissions that omit a field.
	MaxDepthDefault   int     `mapstructure:"max_depth_default"`
	MaxPagesDefault   int     `mapstructure:"max_pages_default"`
	RateLimitDefault  float64 `mapstructure:"rate_limit_default"`
	MaxRuntimeDefault int     `mapstructure:"max_runtime_default"`
}

// HeadlessConfig configures the rendering subsystem.
type HeadlessConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxParallel caps concurrent browser tabs across all crawls.
	MaxParallel int `mapstructure:"max_parallel"`
	// BudgetPerCrawl caps headless promotions within one crawl.
	BudgetPerCrawl int `mapstructure:"budget_per_crawl"`
	// PromotionThreshold is the rendered-text length below which a page is
	// suspected to be a JS shell.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	// Backend is one of memory, local, or gcs.
	Backend     string      `mapstructure:"backend"`
	Prefix      string      `mapstructure:"prefix"`
	ContentType string      `mapstructure:"content_type"`
	Local       LocalConfig `mapstructure:"local"`
	GCS         GCSConfig   `mapstructure:"gcs"`
}

// LocalConfig holds filesystem blob settings.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig holds Google Cloud Storage blob settings. Prefix overrides
// storage.prefix for object paths when set.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// DatabaseConfig controls the optional Postgres fact mirror and progress
// store. An empty DSN disables both.
type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	TablePrefix  string        `mapstructure:"table_prefix"`
	MaxConns     int32         `mapstructure:"max_conns"`
	MinConns     int32         `mapstructure:"min_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// QueueConfig selects the crawl queue backend.
type QueueConfig struct {
	// Backend is memory for single-process deployments or pubsub for
	// distributed workers.
	Backend        string `mapstructure:"backend"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// PublisherConfig holds lifecycle event publishing settings. An empty topic
// disables publishing; an empty project falls back to the in-memory
// publisher.
type PublisherConfig struct {
	Project string `mapstructure:"project"`
	Topic   string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatch      int           `mapstructure:"max_batch"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// MonitorConfig tunes the stale-crawl sweep.
type MonitorConfig struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	RunningDeadline time.Duration `mapstructure:"running_deadline"`
	QueuedDeadline  time.Duration `mapstructure:"queued_deadline"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from defaults, an optional YAML file, and PAGELENS_*
// environment variables, in increasing order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGELENS")
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
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_capacity", 64)
	v.SetDefault("crawler.fetch_timeout", 15*time.Second)
	v.SetDefault("crawler.render_timeout", 45*time.Second)
	v.SetDefault("crawler.verify_timeout", 10*time.Second)
	v.SetDefault("crawler.verify_rate", 4.0)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.thin_content_words", 300)
	v.SetDefault("crawler.large_page_bytes", 3<<20)
	v.SetDefault("crawler.redirect_cap", 3)
	v.SetDefault("crawler.default_user_agent", "PageLens-Crawler/1.0 (+https://pagelens.io/bot)")
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 100)
	v.SetDefault("crawler.rate_limit_default", 2.0)
	v.SetDefault("crawler.max_runtime_default", 3600)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.budget_per_crawl", 25)
	v.SetDefault("headless.promotion_threshold", 512)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local.base_dir", "data/snapshots")

	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.conn_lifetime", 30*time.Minute)

	v.SetDefault("queue.backend", "memory")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch", 1000)
	v.SetDefault("progress.flush_interval", 500*time.Millisecond)

	v.SetDefault("monitor.sweep_interval", time.Minute)
	v.SetDefault("monitor.running_deadline", 30*time.Minute)
	v.SetDefault("monitor.queued_deadline", time.Hour)

	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueCapacity <= 0 {
		return fmt.Errorf("crawler.queue_capacity must be > 0")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.Crawler.VerifyRate <= 0 {
		return fmt.Errorf("crawler.verify_rate must be > 0")
	}
	if c.Crawler.RedirectCap <= 0 {
		return fmt.Errorf("crawler.redirect_cap must be > 0")
	}
	if c.Crawler.MaxDepthDefault < 1 || c.Crawler.MaxDepthDefault > 10 {
		return fmt.Errorf("crawler.max_depth_default %d outside [1,10]", c.Crawler.MaxDepthDefault)
	}
	if c.Crawler.MaxPagesDefault < 1 || c.Crawler.MaxPagesDefault > 1000 {
		return fmt.Errorf("crawler.max_pages_default %d outside [1,1000]", c.Crawler.MaxPagesDefault)
	}
	if c.Crawler.RateLimitDefault < 0.1 || c.Crawler.RateLimitDefault > 10 {
		return fmt.Errorf("crawler.rate_limit_default %.2f outside [0.1,10]", c.Crawler.RateLimitDefault)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.TopicID == "" || c.Queue.SubscriptionID == "" {
			return fmt.Errorf("queue.project_id, queue.topic_id, and queue.subscription_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend)
	}
	return nil
}
