// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Job store and archive providers.
const (
	JobStoreMemory   = "memory"
	JobStorePostgres = "postgres"

	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RateLimitRequests caps /v1 requests per client address per
	// RateLimitWindow. Zero disables the limit.
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs fetching, politeness and robots handling.
type CrawlerConfig struct {
	MaxConcurrency       int           `mapstructure:"max_concurrency"`
	DelayMin             time.Duration `mapstructure:"delay_min"`
	DelayMax             time.Duration `mapstructure:"delay_max"`
	UserAgent            string        `mapstructure:"user_agent"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
	VerifyTLS            bool          `mapstructure:"verify_tls"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	RobotsTimeout        time.Duration `mapstructure:"robots_timeout"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	MaxRequestsPerSecond float64       `mapstructure:"max_requests_per_second"`
	Burst                int           `mapstructure:"burst"`
	MaxBodyBytes         int           `mapstructure:"max_body_bytes"`
}

// QueueConfig sizes the job queue and worker pool.
type QueueConfig struct {
	Depth   int `mapstructure:"depth"`
	Workers int `mapstructure:"workers"`
}

// StorageConfig selects the job store and page archive.
type StorageConfig struct {
	JobStore string         `mapstructure:"job_store"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// ArchiveConfig controls where raw page bodies are kept.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RULECRAWLER")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.rate_limit_requests", 100)
	v.SetDefault("server.rate_limit_window", time.Minute)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.max_concurrency", 5)
	v.SetDefault("crawler.delay_min", time.Second)
	v.SetDefault("crawler.delay_max", 2*time.Second)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.verify_tls", true)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.robots_timeout", 10*time.Second)
	v.SetDefault("crawler.job_timeout", time.Duration(0))
	v.SetDefault("crawler.max_requests_per_second", 0.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("storage.job_store", JobStoreMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.archive.provider", ArchiveNone)
	v.SetDefault("storage.archive.local_dir", "./archive")
	v.SetDefault("storage.archive.gcs_bucket", "")
	v.SetDefault("storage.archive.prefix", "pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 {
		add("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		add("server.request_timeout must be > 0")
	}
	if c.Server.RateLimitRequests < 0 {
		add("server.rate_limit_requests must be >= 0")
	}
	if c.Server.RateLimitRequests > 0 && c.Server.RateLimitWindow <= 0 {
		add("server.rate_limit_window must be > 0 when rate limiting is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		add("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxConcurrency <= 0 {
		add("crawler.max_concurrency must be > 0")
	}
	if c.Crawler.DelayMin < 0 || c.Crawler.DelayMax < c.Crawler.DelayMin {
		add("crawler delays must satisfy 0 <= delay_min <= delay_max")
	}
	if c.Crawler.RequestTimeout <= 0 {
		add("crawler.request_timeout must be > 0")
	}
	if c.Crawler.RobotsTimeout <= 0 {
		add("crawler.robots_timeout must be > 0")
	}
	if c.Crawler.JobTimeout < 0 {
		add("crawler.job_timeout must be >= 0")
	}
	if c.Crawler.MaxRequestsPerSecond < 0 {
		add("crawler.max_requests_per_second must be >= 0")
	}
	if c.Crawler.MaxBodyBytes <= 0 {
		add("crawler.max_body_bytes must be > 0")
	}
	if c.Queue.Depth <= 0 {
		add("queue.depth must be > 0")
	}
	if c.Queue.Workers <= 0 {
		add("queue.workers must be > 0")
	}

	switch c.Storage.JobStore {
	case JobStoreMemory:
	case JobStorePostgres:
		if c.Storage.Postgres.DSN == "" {
			add("storage.postgres.dsn is required for the postgres job store")
		}
	default:
		add("unknown storage.job_store %q", c.Storage.JobStore)
	}

	switch c.Storage.Archive.Provider {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Storage.Archive.LocalDir == "" {
			add("storage.archive.local_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Storage.Archive.GCSBucket == "" {
			add("storage.archive.gcs_bucket is required for the gcs archive")
		}
	default:
		add("unknown storage.archive.provider %q", c.Storage.Archive.Provider)
	}

	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		add("pubsub.project_id is required when pubsub.topic is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return nil
}
