package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Presence PresenceConfig `mapstructure:"presence"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Feedback FeedbackConfig `mapstructure:"feedback"`
	Usage    UsageConfig    `mapstructure:"usage"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress    string   `mapstructure:"bind_address"`
	Port           int      `mapstructure:"port"`
	MetricsPort    int      `mapstructure:"metrics_port"`
	ReadTimeout    string   `mapstructure:"read_timeout"`
	WriteTimeout   string   `mapstructure:"write_timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimit      float64  `mapstructure:"rate_limit"` // requests per second per client, 0 disables
	RateBurst      int      `mapstructure:"rate_burst"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // sqlite, postgres or redis
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// SQLiteConfig defines the embedded database location
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig defines the PostgreSQL connection
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PresenceConfig defines the absence threshold and sweep cadence
type PresenceConfig struct {
	AbsenceThreshold string `mapstructure:"absence_threshold"`
	SweepInterval    string `mapstructure:"sweep_interval"`
}

// CatalogConfig defines where registered tags come from
type CatalogConfig struct {
	Source          string `mapstructure:"source"` // "store" or "remote"
	RemoteURL       string `mapstructure:"remote_url"`
	RefreshInterval string `mapstructure:"refresh_interval"`
	FetchTimeout    string `mapstructure:"fetch_timeout"`
}

// IngestConfig defines tag id validation rules
type IngestConfig struct {
	Charset            string   `mapstructure:"charset"`
	Prefixes           []string `mapstructure:"prefixes"`
	Lengths            []int    `mapstructure:"lengths"`
	FormatExpr         string   `mapstructure:"format_expr"` // CEL expression over `id`
	RecordUnregistered bool     `mapstructure:"record_unregistered"`
	UnknownCacheSize   int      `mapstructure:"unknown_cache_size"`
}

// FeedbackConfig defines category triggers and the presentation collaborator
type FeedbackConfig struct {
	Triggers      []TriggerConfig `mapstructure:"triggers"`
	PolicyDir     string          `mapstructure:"policy_dir"`
	NotifyURL     string          `mapstructure:"notify_url"`
	NotifyTimeout string          `mapstructure:"notify_timeout"`
}

// TriggerConfig maps a category to the messages shown when one of its tags
// is picked up
type TriggerConfig struct {
	Category string   `mapstructure:"category"`
	Messages []string `mapstructure:"messages"`
	Image    string   `mapstructure:"image"`
}

// UsageConfig defines how usage summaries are windowed
type UsageConfig struct {
	DayStart string `mapstructure:"day_start"` // HH:MM local time a usage day begins
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TAGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// isNotFound treats a missing explicit config file the same as viper's
// ConfigFileNotFoundError; SetConfigFile surfaces it as an *fs.PathError.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// Defaults returns the configuration used when neither a file nor the
// environment overrides anything. It is not validated.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Keys returns every recognised configuration key, sorted.
func Keys() []string {
	v := viper.New()
	setDefaults(v)

	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// UnknownKeys reads configPath and returns the keys it sets that Load
// would ignore.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := make(map[string]bool)
	for _, key := range Keys() {
		valid[key] = true
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.sqlite.path", "/var/lib/tagwatch/tagwatch.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Presence defaults
	v.SetDefault("presence.absence_threshold", "10s")
	v.SetDefault("presence.sweep_interval", "1s")

	// Catalog defaults
	v.SetDefault("catalog.source", "store")
	v.SetDefault("catalog.remote_url", "")
	v.SetDefault("catalog.refresh_interval", "5s")
	v.SetDefault("catalog.fetch_timeout", "3s")

	// Ingest defaults
	v.SetDefault("ingest.charset", "^[0-9A-Z]+$")
	v.SetDefault("ingest.prefixes", []string{})
	v.SetDefault("ingest.lengths", []int{})
	v.SetDefault("ingest.format_expr", "")
	v.SetDefault("ingest.record_unregistered", false)
	v.SetDefault("ingest.unknown_cache_size", 256)

	// Feedback defaults
	v.SetDefault("feedback.triggers", []map[string]interface{}{})
	v.SetDefault("feedback.policy_dir", "")
	v.SetDefault("feedback.notify_url", "")
	v.SetDefault("feedback.notify_timeout", "3s")

	// Usage defaults
	v.SetDefault("usage.day_start", "00:00")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}

	durations := map[string]string{
		"presence.absence_threshold": cfg.Presence.AbsenceThreshold,
		"presence.sweep_interval":    cfg.Presence.SweepInterval,
		"catalog.refresh_interval":   cfg.Catalog.RefreshInterval,
		"catalog.fetch_timeout":      cfg.Catalog.FetchTimeout,
		"feedback.notify_timeout":    cfg.Feedback.NotifyTimeout,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
	}

	switch cfg.Storage.Type {
	case "", "sqlite":
		cfg.Storage.Type = "sqlite"
		if cfg.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
		// Ensure storage directory exists
		if cfg.Storage.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0755); err != nil {
				return fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Catalog.Source {
	case "", "store":
		cfg.Catalog.Source = "store"
	case "remote":
		if cfg.Catalog.RemoteURL == "" {
			return fmt.Errorf("catalog.remote_url is required when catalog.source is remote")
		}
	default:
		return fmt.Errorf("unknown catalog source: %s", cfg.Catalog.Source)
	}

	if _, err := regexp.Compile(cfg.Ingest.Charset); err != nil {
		return fmt.Errorf("invalid ingest.charset: %w", err)
	}
	for _, n := range cfg.Ingest.Lengths {
		if n <= 0 {
			return fmt.Errorf("invalid ingest.lengths entry: %d", n)
		}
	}

	for i, trigger := range cfg.Feedback.Triggers {
		if trigger.Category == "" {
			return fmt.Errorf("feedback.triggers[%d]: category is required", i)
		}
		if len(trigger.Messages) == 0 {
			return fmt.Errorf("feedback.triggers[%d]: at least one message is required", i)
		}
	}

	if _, err := time.Parse("15:04", cfg.Usage.DayStart); err != nil {
		return fmt.Errorf("invalid usage.day_start %q: expected HH:MM", cfg.Usage.DayStart)
	}

	return nil
}
