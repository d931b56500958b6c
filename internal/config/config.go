// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/extract"
)

// Catalog backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Snapshot backends.
const (
	SnapshotNone   = "none"
	SnapshotMemory = "memory"
	SnapshotLocal  = "local"
	SnapshotGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Scraper   ScraperConfig     `mapstructure:"scraper"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Validator ValidatorConfig   `mapstructure:"validator"`
	Cleanup   CleanupConfig     `mapstructure:"cleanup"`
	Parser    extract.Selectors `mapstructure:"parser"`
	Cast      CastConfig        `mapstructure:"cast"`
	Schedule  ScheduleConfig    `mapstructure:"schedule"`
	Storage   StorageConfig     `mapstructure:"storage"`
	DB        DBConfig          `mapstructure:"db"`
	PubSub    PubSubConfig      `mapstructure:"pubsub"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScraperConfig governs the scrape orchestration and worker pool.
type ScraperConfig struct {
	BaseURL             string   `mapstructure:"base_url"`
	BatchSize           int      `mapstructure:"batch_size"`
	MaxPages            int      `mapstructure:"max_pages"`
	Force               bool     `mapstructure:"force"`
	Workers             int      `mapstructure:"workers"`
	QueueDepth          int      `mapstructure:"queue_depth"`
	UserAgent           string   `mapstructure:"user_agent"`
	RunTimeoutMinutes   int      `mapstructure:"run_timeout_minutes"`
	PageTimeoutSeconds  int      `mapstructure:"page_timeout_seconds"`
	MediaTimeoutSeconds int      `mapstructure:"media_timeout_seconds"`
	ExcludedPaths       []string `mapstructure:"excluded_paths"`
	SnapshotPages       bool     `mapstructure:"snapshot_pages"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxBodyBytes      int     `mapstructure:"max_body_bytes"`
}

// ValidatorConfig tunes source liveness checks.
type ValidatorConfig struct {
	MaxAttempts        int      `mapstructure:"max_attempts"`
	BackoffInitialMs   int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int      `mapstructure:"backoff_max_ms"`
	DeadStatuses       []int    `mapstructure:"dead_statuses"`
	UnavailablePhrases []string `mapstructure:"unavailable_phrases"`
}

// CleanupConfig tunes the dead-source walk.
type CleanupConfig struct {
	PageSize     int `mapstructure:"page_size"`
	SubBatchSize int `mapstructure:"sub_batch_size"`
	PauseMs      int `mapstructure:"pause_ms"`
}

// CastConfig configures best-effort cast image discovery.
type CastConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	SearchURL       string  `mapstructure:"search_url"`
	ResultSelector  string  `mapstructure:"result_selector"`
	CacheTTLMinutes int     `mapstructure:"cache_ttl_minutes"`
	MinSimilarity   float64 `mapstructure:"min_similarity"`
}

// ScheduleConfig holds cron triggers. Empty expressions disable that trigger.
type ScheduleConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ScrapeCron  string `mapstructure:"scrape_cron"`
	CleanupCron string `mapstructure:"cleanup_cron"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	Catalog     string `mapstructure:"catalog"`
	Snapshots   string `mapstructure:"snapshots"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	MaxConns   int    `mapstructure:"max_conns"`
	RunsTable  string `mapstructure:"runs_table"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("scraper.batch_size", crawler.DefaultBatchSize)
	v.SetDefault("scraper.workers", 2)
	v.SetDefault("scraper.queue_depth", 64)
	v.SetDefault("scraper.user_agent", "media-scraper/0.1")
	v.SetDefault("scraper.run_timeout_minutes", 360)
	v.SetDefault("scraper.page_timeout_seconds", 120)
	v.SetDefault("scraper.media_timeout_seconds", 90)
	v.SetDefault("scraper.excluded_paths", crawler.DefaultExcludedPaths)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.requests_per_second", 4.0)
	v.SetDefault("http.burst", 4)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("validator.max_attempts", 3)
	v.SetDefault("validator.backoff_initial_ms", 500)
	v.SetDefault("validator.backoff_max_ms", 8000)
	v.SetDefault("validator.dead_statuses", []int{404, 410, 419, 503, 523})
	v.SetDefault("validator.unavailable_phrases", []string{
		"file not found",
		"file was deleted",
		"file has been removed",
		"this file is no longer available",
		"video not found",
		"this video has been removed",
		"the file you were looking for could not be found",
	})
	v.SetDefault("cleanup.page_size", crawler.DefaultCleanupPageSize)
	v.SetDefault("cleanup.sub_batch_size", 10)
	v.SetDefault("cleanup.pause_ms", 1000)
	defaults := extract.DefaultSelectors()
	v.SetDefault("parser.name", defaults.Name)
	v.SetDefault("parser.description", defaults.Description)
	v.SetDefault("parser.thumbnail", defaults.Thumbnail)
	v.SetDefault("parser.sources", defaults.Sources)
	v.SetDefault("parser.categories", defaults.Categories)
	v.SetDefault("parser.cast", defaults.Cast)
	v.SetDefault("parser.date_added", defaults.DateAdded)
	v.SetDefault("parser.duration", defaults.Duration)
	v.SetDefault("cast.enabled", false)
	v.SetDefault("cast.result_selector", "img")
	v.SetDefault("cast.cache_ttl_minutes", 720)
	v.SetDefault("cast.min_similarity", 0.8)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.scrape_cron", "0 */6 * * *")
	v.SetDefault("schedule.cleanup_cron", "30 3 * * *")
	v.SetDefault("storage.catalog", BackendMemory)
	v.SetDefault("storage.snapshots", SnapshotNone)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.runs_table", "scrape_runs")
	v.SetDefault("db.sqlite_path", "media-scraper.db")
	v.SetDefault("telemetry.service_name", "media-scraper")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.BatchSize <= 0 {
		return fmt.Errorf("scraper.batch_size must be > 0")
	}
	if c.Scraper.MaxPages < 0 {
		return fmt.Errorf("scraper.max_pages must be >= 0")
	}
	if c.Scraper.Workers <= 0 {
		return fmt.Errorf("scraper.workers must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Validator.MaxAttempts <= 0 {
		return fmt.Errorf("validator.max_attempts must be > 0")
	}
	if c.Cleanup.PageSize <= 0 {
		return fmt.Errorf("cleanup.page_size must be > 0")
	}
	if c.Cleanup.SubBatchSize <= 0 {
		return fmt.Errorf("cleanup.sub_batch_size must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Cast.Enabled && c.Cast.SearchURL == "" {
		return fmt.Errorf("cast.search_url must be set when cast discovery is enabled")
	}
	switch c.Storage.Catalog {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres catalog")
		}
	default:
		return fmt.Errorf("storage.catalog must be one of memory, postgres, sqlite")
	}
	switch c.Storage.Snapshots {
	case SnapshotNone, SnapshotMemory:
	case SnapshotLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for local snapshots")
		}
	case SnapshotGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs snapshots")
		}
	default:
		return fmt.Errorf("storage.snapshots must be one of none, memory, local, gcs")
	}
	return nil
}

// DefaultRunParams converts the scraper section into run parameters for scheduled runs.
func (c Config) DefaultRunParams() crawler.RunParams {
	params := crawler.RunParams{
		BaseURL:   c.Scraper.BaseURL,
		BatchSize: c.Scraper.BatchSize,
		Force:     c.Scraper.Force,
	}
	if c.Scraper.MaxPages > 0 {
		maxPages := c.Scraper.MaxPages
		params.MaxPages = &maxPages
	}
	return params
}

// RetryPolicy converts the validator backoff knobs into a retry policy.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxAttempts:  c.Validator.MaxAttempts,
		InitialDelay: time.Duration(c.Validator.BackoffInitialMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Validator.BackoffMaxMs) * time.Millisecond,
	}
}

// RunTimeout bounds an entire orchestration run.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Scraper.RunTimeoutMinutes) * time.Minute
}

// PageTimeout bounds one page orchestration.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.Scraper.PageTimeoutSeconds) * time.Second
}

// MediaTimeout bounds one media orchestration.
func (c Config) MediaTimeout() time.Duration {
	return time.Duration(c.Scraper.MediaTimeoutSeconds) * time.Second
}

// CleanupPause is the delay between cleanup sub-batches.
func (c Config) CleanupPause() time.Duration {
	return time.Duration(c.Cleanup.PauseMs) * time.Millisecond
}

// HTTPTimeout bounds a single outbound request.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
