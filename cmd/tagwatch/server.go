package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/tagwatch/internal/api"
	"github.com/goodtune/tagwatch/internal/catalog"
	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/feedback/opa"
	"github.com/goodtune/tagwatch/internal/ingest"
	"github.com/goodtune/tagwatch/internal/metrics"
	"github.com/goodtune/tagwatch/internal/presence"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/storage/redis"
	"github.com/goodtune/tagwatch/internal/storage/sqlstore"
	"github.com/goodtune/tagwatch/internal/systemd"
	"github.com/goodtune/tagwatch/internal/tagid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tagwatch server",
	Long:  `Start the presence engine, the HTTP API and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting tagwatch")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Tag catalog
	tagCatalog := catalog.New(
		catalogSource(cfg.Catalog, store),
		parseDuration(cfg.Catalog.RefreshInterval, 5*time.Second),
		parseDuration(cfg.Catalog.FetchTimeout, 3*time.Second),
		logger,
	)
	tagCatalog.Start()
	defer tagCatalog.Stop()

	logger.Info().
		Str("source", cfg.Catalog.Source).
		Int("tags", tagCatalog.Snapshot().Len()).
		Msg("Tag catalog initialized")

	// Feedback
	trigger, policyTrigger, err := buildTrigger(cfg.Feedback, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize feedback trigger: %w", err)
	}

	board := feedback.NewBoard()
	var notifier feedback.Notifier
	if cfg.Feedback.NotifyURL != "" {
		notifier = &feedback.HTTPNotifier{URL: cfg.Feedback.NotifyURL, Client: &http.Client{}}
	}
	dispatcher := feedback.NewDispatcher(board, notifier, parseDuration(cfg.Feedback.NotifyTimeout, 3*time.Second), logger)
	defer dispatcher.Wait()

	// Presence engine
	clock := presence.RealClock{}
	tracker := presence.NewTracker(tagCatalog, store.Events(), trigger, dispatcher, logger)

	threshold := parseDuration(cfg.Presence.AbsenceThreshold, 10*time.Second)
	interval := parseDuration(cfg.Presence.SweepInterval, time.Second)
	scheduler := presence.NewScheduler(tracker, interval, threshold, clock, logger)
	scheduler.Start()
	defer scheduler.Stop()

	// Ingestion
	rules, err := buildRules(cfg.Ingest)
	if err != nil {
		return fmt.Errorf("failed to build tag id rules: %w", err)
	}

	ingestService, err := ingest.NewService(rules, tracker, store.Events(), clock, ingest.Config{
		RecordUnregistered: cfg.Ingest.RecordUnregistered,
		UnknownCacheSize:   cfg.Ingest.UnknownCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ingest: %w", err)
	}

	// API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		ReadTimeout:    parseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:   parseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		DayStart:       cfg.Usage.DayStart,
	}, api.Services{
		Ingest:   ingestService,
		Catalog:  tagCatalog,
		Tags:     store.Tags(),
		Events:   store.Events(),
		Presence: tracker,
		Board:    board,
		Rules:    rules,
		Storage:  store,
		Clock:    clock,
	}, logger)

	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().
		Str("api", apiAddr).
		Dur("absence_threshold", threshold).
		Dur("sweep_interval", interval).
		Msg("tagwatch startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	watchdogStop := make(chan struct{})
	go func() {
		if err := systemd.Watchdog(watchdogStop); err != nil {
			logger.Warn().Err(err).Msg("systemd watchdog stopped")
		}
	}()

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, refreshing catalog and reloading policies...")
		_ = systemd.NotifyReloading()
		if err := tagCatalog.Refresh(context.Background()); err != nil {
			logger.Error().Err(err).Msg("Failed to refresh catalog")
		}
		if policyTrigger != nil {
			if err := policyTrigger.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload feedback policies")
			} else {
				logger.Info().Msg("Feedback policies reloaded")
			}
		}
		_ = systemd.NotifyReady()
	}

	signal.Stop(sigChan)
	close(watchdogStop)

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	// Deferred: scheduler, dispatcher, catalog, storage
	logger.Info().Msg("tagwatch stopped")
	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return sqlstore.OpenSQLite(cfg.SQLite.Path)
	case "postgres":
		return sqlstore.OpenPostgres(cfg.Postgres)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func catalogSource(cfg config.CatalogConfig, store storage.Store) catalog.Source {
	if cfg.Source == "remote" {
		return catalog.HTTPSource{URL: cfg.RemoteURL, Client: &http.Client{}}
	}
	return catalog.StoreSource{Tags: store.Tags()}
}

// buildRules compiles the tag id rules, including the optional CEL predicate.
func buildRules(cfg config.IngestConfig) (*tagid.Rules, error) {
	var extra tagid.Predicate
	if cfg.FormatExpr != "" {
		expr, err := tagid.CompileExpr(cfg.FormatExpr)
		if err != nil {
			return nil, err
		}
		extra = expr
	}
	return tagid.NewRules(cfg.Charset, cfg.Prefixes, cfg.Lengths, extra)
}

// buildTrigger chains the policy trigger (when configured) ahead of the
// configured category rules. The policy trigger is returned separately so
// it can be reloaded.
func buildTrigger(cfg config.FeedbackConfig, logger zerolog.Logger) (feedback.Trigger, *opa.Trigger, error) {
	rules := feedback.NewRules(cfg.Triggers)
	if cfg.PolicyDir == "" {
		return rules, nil, nil
	}

	policyTrigger, err := opa.NewTrigger(cfg.PolicyDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return feedback.Chain{policyTrigger, rules}, policyTrigger, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
