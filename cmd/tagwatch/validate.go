package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/tagwatch/internal/config"
	"github.com/spf13/cobra"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the tagwatch configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, def *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Println("\n[server]")
	field("  bind_address", cfg.Server.BindAddress, def.Server.BindAddress)
	field("  port", cfg.Server.Port, def.Server.Port)
	field("  metrics_port", cfg.Server.MetricsPort, def.Server.MetricsPort)
	field("  read_timeout", cfg.Server.ReadTimeout, def.Server.ReadTimeout)
	field("  write_timeout", cfg.Server.WriteTimeout, def.Server.WriteTimeout)
	field("  allowed_origins", cfg.Server.AllowedOrigins, def.Server.AllowedOrigins)
	field("  rate_limit", cfg.Server.RateLimit, def.Server.RateLimit)
	field("  rate_burst", cfg.Server.RateBurst, def.Server.RateBurst)

	_, _ = cyan.Println("\n[storage]")
	field("  type", cfg.Storage.Type, def.Storage.Type)
	_, _ = cyan.Println("  [storage.sqlite]")
	field("    path", cfg.Storage.SQLite.Path, def.Storage.SQLite.Path)
	_, _ = cyan.Println("  [storage.postgres]")
	field("    dsn", redactPassword(cfg.Storage.Postgres.DSN), redactPassword(def.Storage.Postgres.DSN))
	field("    max_open_conns", cfg.Storage.Postgres.MaxOpenConns, def.Storage.Postgres.MaxOpenConns)
	_, _ = cyan.Println("  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, def.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, def.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(def.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, def.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, def.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, def.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, def.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, def.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, def.Storage.Redis.WriteTimeout)

	_, _ = cyan.Println("\n[logging]")
	field("  level", cfg.Logging.Level, def.Logging.Level)
	field("  format", cfg.Logging.Format, def.Logging.Format)

	_, _ = cyan.Println("\n[presence]")
	field("  absence_threshold", cfg.Presence.AbsenceThreshold, def.Presence.AbsenceThreshold)
	field("  sweep_interval", cfg.Presence.SweepInterval, def.Presence.SweepInterval)

	_, _ = cyan.Println("\n[catalog]")
	field("  source", cfg.Catalog.Source, def.Catalog.Source)
	field("  remote_url", cfg.Catalog.RemoteURL, def.Catalog.RemoteURL)
	field("  refresh_interval", cfg.Catalog.RefreshInterval, def.Catalog.RefreshInterval)
	field("  fetch_timeout", cfg.Catalog.FetchTimeout, def.Catalog.FetchTimeout)

	_, _ = cyan.Println("\n[ingest]")
	field("  charset", cfg.Ingest.Charset, def.Ingest.Charset)
	field("  prefixes", cfg.Ingest.Prefixes, def.Ingest.Prefixes)
	field("  lengths", cfg.Ingest.Lengths, def.Ingest.Lengths)
	field("  format_expr", cfg.Ingest.FormatExpr, def.Ingest.FormatExpr)
	field("  record_unregistered", cfg.Ingest.RecordUnregistered, def.Ingest.RecordUnregistered)
	field("  unknown_cache_size", cfg.Ingest.UnknownCacheSize, def.Ingest.UnknownCacheSize)

	_, _ = cyan.Println("\n[feedback]")
	field("  policy_dir", cfg.Feedback.PolicyDir, def.Feedback.PolicyDir)
	field("  notify_url", cfg.Feedback.NotifyURL, def.Feedback.NotifyURL)
	field("  notify_timeout", cfg.Feedback.NotifyTimeout, def.Feedback.NotifyTimeout)
	if len(cfg.Feedback.Triggers) == 0 {
		_, _ = green.Println("  triggers = []")
	}
	for _, t := range cfg.Feedback.Triggers {
		_, _ = yellow.Printf("  trigger %s = %d message(s), image %q\n", t.Category, len(t.Messages), t.Image)
	}

	_, _ = cyan.Println("\n[usage]")
	field("  day_start", cfg.Usage.DayStart, def.Usage.DayStart)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts secrets if not empty
func redactPassword(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
