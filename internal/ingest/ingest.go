// Package ingest is the single entry point for raw tag reads. It normalizes
// and validates the id once, resolves it against the catalog and forwards
// accepted sightings to the presence tracker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/tagwatch/internal/metrics"
	"github.com/goodtune/tagwatch/internal/presence"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultUnknownCacheSize bounds how many distinct unknown ids are
// remembered for log de-duplication.
const DefaultUnknownCacheSize = 256

// Status is the acknowledgement status returned for an accepted read.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusIgnoredUnregistered Status = "ignored_unregistered"
)

// Ack acknowledges a submitted read.
type Ack struct {
	Status  Status            `json:"status"`
	TagID   string            `json:"tag_id"`
	Outcome *presence.Outcome `json:"outcome,omitempty"`
}

// Sighter receives accepted sightings.
type Sighter interface {
	OnSighting(ctx context.Context, id string, now time.Time) (presence.Outcome, error)
}

// Config holds service options
type Config struct {
	// RecordUnregistered appends a detected event for unknown ids.
	RecordUnregistered bool
	UnknownCacheSize   int
}

// Service validates raw reads and forwards them to the tracker.
type Service struct {
	rules   *tagid.Rules
	tracker Sighter
	log     storage.EventLog
	clock   presence.Clock
	config  Config
	unknown *lru.Cache[string, struct{}]
	logger  zerolog.Logger
}

// NewService creates an ingest service. log may be nil when unregistered
// reads are not recorded.
func NewService(rules *tagid.Rules, tracker Sighter, log storage.EventLog, clock presence.Clock, config Config, logger zerolog.Logger) (*Service, error) {
	if config.UnknownCacheSize <= 0 {
		config.UnknownCacheSize = DefaultUnknownCacheSize
	}
	if clock == nil {
		clock = presence.RealClock{}
	}

	unknown, err := lru.New[string, struct{}](config.UnknownCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create unknown id cache: %w", err)
	}

	return &Service{
		rules:   rules,
		tracker: tracker,
		log:     log,
		clock:   clock,
		config:  config,
		unknown: unknown,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// Submit handles one raw read. It returns an error wrapping
// tagid.ErrInvalidFormat when the id does not survive normalization and
// validation; in that case nothing is recorded.
func (s *Service) Submit(ctx context.Context, raw string) (Ack, error) {
	id, err := s.rules.Parse(raw)
	if err != nil {
		metrics.SightingsTotal.WithLabelValues("invalid").Inc()
		s.logger.Debug().Err(err).Str("raw", raw).Msg("Rejected tag read")
		return Ack{}, err
	}

	now := s.clock.Now()
	outcome, err := s.tracker.OnSighting(ctx, id, now)
	if errors.Is(err, presence.ErrUnknownTag) {
		metrics.SightingsTotal.WithLabelValues(string(StatusIgnoredUnregistered)).Inc()
		s.unregistered(ctx, id, now)
		return Ack{Status: StatusIgnoredUnregistered, TagID: id}, nil
	}
	if err != nil {
		return Ack{}, err
	}

	metrics.SightingsTotal.WithLabelValues(string(StatusOK)).Inc()
	return Ack{Status: StatusOK, TagID: id, Outcome: &outcome}, nil
}

func (s *Service) unregistered(ctx context.Context, id string, now time.Time) {
	// Warn once per id while it stays in the cache
	if seen, _ := s.unknown.ContainsOrAdd(id, struct{}{}); seen {
		s.logger.Debug().Str("tag_id", id).Msg("Unregistered tag read")
	} else {
		s.logger.Warn().Str("tag_id", id).Msg("Unregistered tag read")
	}

	if !s.config.RecordUnregistered || s.log == nil {
		return
	}

	event := storage.UsageEvent{
		TagID:     id,
		EventType: storage.EventDetected,
		Timestamp: now,
	}
	if err := s.log.Append(ctx, event); err != nil {
		metrics.EventLogFailures.WithLabelValues(string(storage.EventDetected)).Inc()
		s.logger.Error().Err(err).Str("tag_id", id).Msg("Failed to record unregistered read")
	}
}
