package presence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerTickUsesClock(t *testing.T) {
	tr, _, _, disp := newTestTracker(tagX)
	clock := &TestClock{CurrentTime: t0}
	s := NewScheduler(tr, time.Second, 10*time.Second, clock, zerolog.Nop())

	tr.OnSighting(context.Background(), "X", clock.Now())

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		if got := s.Tick(context.Background()); len(got) != 0 {
			t.Fatalf("Expected no transition after %ds, got %v", i+1, got)
		}
	}

	clock.Advance(time.Second)
	if got := s.Tick(context.Background()); len(got) != 1 {
		t.Fatalf("Expected 1 transition after 11s, got %d", len(got))
	}
	if disp.count() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", disp.count())
	}
}

func TestSchedulerStartStop(t *testing.T) {
	tr, _, log, _ := newTestTracker(tagX)

	// Sighted long ago relative to the real clock
	tr.OnSighting(context.Background(), "X", time.Now().Add(-time.Hour))

	s := NewScheduler(tr, 10*time.Millisecond, time.Second, nil, zerolog.Nop())
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := tr.Record("X"); !rec.IsPresent {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if rec, _ := tr.Record("X"); rec.IsPresent {
		t.Fatal("Expected background sweep to mark X absent")
	}

	n := len(log.all())
	time.Sleep(50 * time.Millisecond)
	if len(log.all()) != n {
		t.Error("Expected no events after Stop")
	}

	// Stop is idempotent
	s.Stop()
}
