package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ingestion metrics
	SightingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_sightings_total",
			Help: "Total raw tag sightings submitted, by outcome",
		},
		[]string{"status"},
	)

	// Presence metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_transitions_total",
			Help: "Total presence events emitted",
		},
		[]string{"event_type"},
	)

	TagsPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagwatch_tags_present",
			Help: "Number of tags currently considered present",
		},
	)

	AbsenceSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_absence_seconds_total",
			Help: "Total seconds tags spent away before returning",
		},
		[]string{"category"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagwatch_sweep_duration_seconds",
			Help:    "Timeout sweep duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// Event log metrics
	EventLogFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_event_log_failures_total",
			Help: "Events that could not be appended to the event log",
		},
		[]string{"event_type"},
	)

	// Catalog metrics
	CatalogTags = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagwatch_catalog_tags",
			Help: "Number of tags in the current catalog snapshot",
		},
	)

	CatalogRefreshErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_catalog_refresh_errors_total",
			Help: "Catalog refreshes that failed and kept the previous snapshot",
		},
	)

	// Feedback metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_notifications_total",
			Help: "Notifications dispatched to the presentation collaborator",
		},
		[]string{"category", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SightingsTotal,
		TransitionsTotal,
		TagsPresent,
		AbsenceSeconds,
		SweepDuration,
		EventLogFailures,
		CatalogTags,
		CatalogRefreshErrors,
		NotificationsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
