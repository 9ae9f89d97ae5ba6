package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tagwatch/internal/catalog"
	"github.com/goodtune/tagwatch/internal/presence"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
	"github.com/rs/zerolog"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staticCatalog struct{ snap *catalog.Snapshot }

func (c staticCatalog) Snapshot() *catalog.Snapshot { return c.snap }

type memoryLog struct {
	mu     sync.Mutex
	events []storage.UsageEvent
}

func (l *memoryLog) Append(_ context.Context, ev storage.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *memoryLog) Query(context.Context, storage.EventFilter) ([]storage.UsageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.UsageEvent(nil), l.events...), nil
}

func newTestService(t *testing.T, config Config) (*Service, *presence.Tracker, *memoryLog) {
	t.Helper()

	cat := staticCatalog{snap: catalog.NewSnapshot([]storage.Tag{
		{ID: "A1B2C3", Name: "Ruby Red", Category: "lip"},
	}, now)}
	log := &memoryLog{}
	tracker := presence.NewTracker(cat, log, nil, nil, zerolog.Nop())

	rules, err := tagid.NewRules(tagid.DefaultCharset, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}

	svc, err := NewService(rules, tracker, log, &presence.TestClock{CurrentTime: now}, config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, tracker, log
}

func TestSubmitRegisteredTag(t *testing.T) {
	svc, tracker, log := newTestService(t, Config{})

	ack, err := svc.Submit(context.Background(), "  a1b2c3\n")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ack.Status != StatusOK || ack.TagID != "A1B2C3" {
		t.Errorf("Expected ok for A1B2C3, got %+v", ack)
	}
	if ack.Outcome == nil || ack.Outcome.Kind != presence.OutcomeNone {
		t.Errorf("Expected outcome none, got %+v", ack.Outcome)
	}

	rec, ok := tracker.Record("A1B2C3")
	if !ok || !rec.IsPresent {
		t.Errorf("Expected A1B2C3 present, got %+v", rec)
	}
	if len(log.events) != 1 || log.events[0].EventType != storage.EventDetected {
		t.Errorf("Expected one detected event, got %+v", log.events)
	}
}

func TestSubmitFullWidthRead(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})

	ack, err := svc.Submit(context.Background(), "Ａ１Ｂ２Ｃ３")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ack.Status != StatusOK || ack.TagID != "A1B2C3" {
		t.Errorf("Expected full-width read to resolve to A1B2C3, got %+v", ack)
	}
}

func TestSubmitUnregistered(t *testing.T) {
	svc, tracker, log := newTestService(t, Config{})

	for i := 0; i < 3; i++ {
		ack, err := svc.Submit(context.Background(), "ZZZZZ")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if ack.Status != StatusIgnoredUnregistered {
			t.Errorf("Expected ignored_unregistered, got %s", ack.Status)
		}
	}

	if _, ok := tracker.Record("ZZZZZ"); ok {
		t.Error("Expected no presence record for unregistered id")
	}
	if len(log.events) != 0 {
		t.Errorf("Expected nothing recorded, got %+v", log.events)
	}
	if svc.unknown.Len() != 1 {
		t.Errorf("Expected 1 cached unknown id, got %d", svc.unknown.Len())
	}
}

func TestSubmitRecordsUnregisteredWhenEnabled(t *testing.T) {
	svc, _, log := newTestService(t, Config{RecordUnregistered: true})

	if _, err := svc.Submit(context.Background(), "ZZZZZ"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(log.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(log.events))
	}
	ev := log.events[0]
	if ev.TagID != "ZZZZZ" || ev.EventType != storage.EventDetected || ev.Name != "" || ev.Category != "" {
		t.Errorf("Expected bare detected event, got %+v", ev)
	}
}

func TestSubmitInvalidFormat(t *testing.T) {
	svc, tracker, log := newTestService(t, Config{})

	for _, raw := range []string{"??", "", "   ", "-_-"} {
		_, err := svc.Submit(context.Background(), raw)
		if !errors.Is(err, tagid.ErrInvalidFormat) {
			t.Errorf("Expected ErrInvalidFormat for %q, got %v", raw, err)
		}
	}

	if len(tracker.Records()) != 0 || len(log.events) != 0 {
		t.Error("Expected nothing recorded for invalid reads")
	}
}

func TestSubmitRespectsLengthRule(t *testing.T) {
	cat := staticCatalog{snap: catalog.NewSnapshot([]storage.Tag{{ID: "A1B2C3"}}, now)}
	tracker := presence.NewTracker(cat, nil, nil, nil, zerolog.Nop())
	rules, err := tagid.NewRules(tagid.DefaultCharset, nil, []int{8}, nil)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}
	svc, err := NewService(rules, tracker, nil, nil, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if _, err := svc.Submit(context.Background(), "A1B2C3"); !errors.Is(err, tagid.ErrInvalidFormat) {
		t.Errorf("Expected length rule to reject A1B2C3, got %v", err)
	}
}
