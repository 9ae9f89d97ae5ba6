package presence

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/tagwatch/internal/metrics"
	"github.com/rs/zerolog"
)

// Scheduler runs EvaluateTimeouts at a fixed interval. The next tick is
// armed only after the current sweep returns, so sweeps never overlap and
// a slow sweep delays the next one instead of skipping it.
type Scheduler struct {
	tracker   *Tracker
	interval  time.Duration
	threshold time.Duration
	clock     Clock
	logger    zerolog.Logger

	mu       sync.Mutex // serializes sweeps, including manual Tick calls
	stopChan chan struct{}
	done     chan struct{}
}

// NewScheduler creates a sweep scheduler.
func NewScheduler(tracker *Tracker, interval, threshold time.Duration, clock Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		tracker:   tracker,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logger.With().Str("component", "sweep").Logger(),
	}
}

// Start starts the sweep loop.
func (s *Scheduler) Start() {
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("threshold", s.threshold).
		Msg("Sweep scheduler started")
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.stopChan == nil {
		return
	}
	close(s.stopChan)
	<-s.done
	s.stopChan = nil
	s.logger.Info().Msg("Sweep scheduler stopped")
}

// Tick runs one sweep at the clock's current time.
func (s *Scheduler) Tick(ctx context.Context) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	transitions := s.tracker.EvaluateTimeouts(ctx, s.clock.Now(), s.threshold)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	if len(transitions) > 0 {
		s.logger.Debug().Int("transitions", len(transitions)).Msg("Sweep completed")
	}
	return transitions
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.Tick(context.Background())
			timer.Reset(s.interval)
		case <-s.stopChan:
			return
		}
	}
}
