// Package presence infers whether each registered tag is at the monitored
// location from intermittent sightings and a periodic timeout sweep.
//
// A tag becomes present on any accepted sighting. It becomes absent only
// when a sweep finds no sighting for longer than the absence threshold;
// that sweep is the sole producer of absent_start events. The next
// sighting closes the absence cycle with a present_return event carrying
// the whole seconds spent away.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/tagwatch/internal/catalog"
	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/metrics"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/rs/zerolog"
)

// ErrUnknownTag is returned by OnSighting for ids missing from the catalog.
var ErrUnknownTag = errors.New("presence: unknown tag")

// Catalog supplies the current tag snapshot.
type Catalog interface {
	Snapshot() *catalog.Snapshot
}

// Dispatcher delivers notifications raised by absence transitions.
type Dispatcher interface {
	Dispatch(n feedback.Notification, tag storage.Tag, at time.Time)
}

// OutcomeKind describes what a sighting did to presence state.
type OutcomeKind string

const (
	OutcomeNone    OutcomeKind = "none"
	OutcomeResumed OutcomeKind = "resumed"
)

// Outcome is the result of OnSighting.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	DurationSec int64       `json:"duration_sec,omitempty"`
}

// Transition is one absence detected by EvaluateTimeouts.
type Transition struct {
	Tag          storage.Tag
	At           time.Time
	Notification *feedback.Notification
}

// Record is a copy of one tag's presence state.
type Record struct {
	TagID         string     `json:"tag_id"`
	IsPresent     bool       `json:"is_present"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	AbsentSince   *time.Time `json:"absent_since,omitempty"`
	SessionLogged bool       `json:"session_logged"`
}

// record is the tracker-owned state. Zero times mean "not set". An
// orphaned record belongs to a tag that left the catalog; it keeps its
// state but does not count towards the present total.
type record struct {
	isPresent     bool
	lastSeen      time.Time
	absentSince   time.Time
	sessionLogged bool
	orphaned      bool
}

func (r *record) export(id string) Record {
	out := Record{TagID: id, IsPresent: r.isPresent, SessionLogged: r.sessionLogged}
	if !r.lastSeen.IsZero() {
		t := r.lastSeen
		out.LastSeen = &t
	}
	if !r.absentSince.IsZero() {
		t := r.absentSince
		out.AbsentSince = &t
	}
	return out
}

// Tracker owns the presence table. All reads and writes of the table go
// through mu; event log and notification I/O happens after it is released,
// in the order the decisions were made under mu.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	present int
	turns   *sequencer

	catalog    Catalog
	log        storage.EventLog
	trigger    feedback.Trigger
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewTracker creates a tracker. trigger and dispatcher may be nil.
func NewTracker(cat Catalog, log storage.EventLog, trigger feedback.Trigger, dispatcher Dispatcher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		records:    make(map[string]*record),
		turns:      newSequencer(),
		catalog:    cat,
		log:        log,
		trigger:    trigger,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "presence").Logger(),
	}
}

// OnSighting records that id was seen at now. It emits a detected event
// and, when the tag was away, a present_return event.
func (t *Tracker) OnSighting(ctx context.Context, id string, now time.Time) (Outcome, error) {
	tag, ok := t.catalog.Snapshot().Lookup(id)
	if !ok {
		return Outcome{Kind: OutcomeNone}, fmt.Errorf("%w: %s", ErrUnknownTag, id)
	}

	events := []storage.UsageEvent{newEvent(tag, storage.EventDetected, now)}
	outcome := Outcome{Kind: OutcomeNone}

	t.mu.Lock()
	rec, exists := t.records[id]
	if !exists {
		rec = &record{}
		t.records[id] = rec
	}
	t.adopt(rec)

	if !rec.isPresent {
		if !rec.absentSince.IsZero() {
			away := now.Sub(rec.absentSince)
			if away < 0 {
				away = 0
			}
			seconds := int64(away / time.Second)

			ev := newEvent(tag, storage.EventPresentReturn, now)
			ev.DurationSec = storage.Duration(seconds)
			events = append(events, ev)

			rec.sessionLogged = true
			rec.absentSince = time.Time{}
			outcome = Outcome{Kind: OutcomeResumed, DurationSec: seconds}
		}
		rec.isPresent = true
		t.present++
	}

	if rec.lastSeen.IsZero() || now.After(rec.lastSeen) {
		rec.lastSeen = now
	}
	present := t.present
	turn := t.turns.take()
	t.mu.Unlock()

	metrics.TagsPresent.Set(float64(present))
	if outcome.Kind == OutcomeResumed {
		metrics.AbsenceSeconds.WithLabelValues(tag.Category).Add(float64(outcome.DurationSec))
		t.logger.Info().
			Str("tag_id", id).
			Str("name", tag.Name).
			Int64("duration_sec", outcome.DurationSec).
			Msg("Tag returned")
	}

	t.turns.wait(turn)
	t.append(ctx, events...)
	t.turns.done()
	return outcome, nil
}

// EvaluateTimeouts marks every present tag whose last sighting is older
// than threshold as absent. Tags never sighted and tags no longer in the
// catalog are left alone. For each transition the feedback trigger is
// consulted once.
func (t *Tracker) EvaluateTimeouts(ctx context.Context, now time.Time, threshold time.Duration) []Transition {
	snap := t.catalog.Snapshot()

	var transitions []Transition

	t.mu.Lock()
	for _, id := range snap.IDs() {
		if _, ok := t.records[id]; !ok {
			t.records[id] = &record{}
		}
	}

	for id, rec := range t.records {
		tag, ok := snap.Lookup(id)
		if !ok {
			t.orphan(rec)
			continue
		}
		t.adopt(rec)
		if !rec.isPresent || rec.lastSeen.IsZero() {
			continue
		}
		if now.Sub(rec.lastSeen) <= threshold {
			continue
		}

		rec.isPresent = false
		rec.absentSince = now
		rec.sessionLogged = false
		t.present--
		transitions = append(transitions, Transition{Tag: tag, At: now})
	}
	present := t.present
	if len(transitions) == 0 {
		t.mu.Unlock()
		metrics.TagsPresent.Set(float64(present))
		return nil
	}
	turn := t.turns.take()
	t.mu.Unlock()

	metrics.TagsPresent.Set(float64(present))

	t.turns.wait(turn)
	defer t.turns.done()

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].Tag.ID < transitions[j].Tag.ID })

	for i := range transitions {
		tr := &transitions[i]
		t.logger.Info().
			Str("tag_id", tr.Tag.ID).
			Str("name", tr.Tag.Name).
			Str("category", tr.Tag.Category).
			Msg("Tag picked up")

		t.append(ctx, newEvent(tr.Tag, storage.EventAbsentStart, tr.At))

		if t.trigger == nil {
			continue
		}
		n, fired := t.trigger.Evaluate(ctx, tr.Tag.Category, storage.EventAbsentStart)
		if !fired {
			continue
		}
		tr.Notification = &n

		t.append(ctx, newEvent(tr.Tag, storage.EventCategoryTrigger, tr.At))
		if t.dispatcher != nil {
			t.dispatcher.Dispatch(n, tr.Tag, tr.At)
		}
	}

	return transitions
}

// Record returns a copy of the presence state for id.
func (t *Tracker) Record(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.export(id), true
}

// Records returns copies of all presence records ordered by tag id.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for id, rec := range t.records {
		out = append(out, rec.export(id))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out
}

// PresentCount returns the number of tags currently present.
func (t *Tracker) PresentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.present
}

// orphan stops counting a present record whose tag left the catalog.
// Callers hold mu.
func (t *Tracker) orphan(rec *record) {
	if rec.orphaned {
		return
	}
	rec.orphaned = true
	if rec.isPresent {
		t.present--
	}
}

// adopt undoes orphan once the tag is back in the catalog. Callers hold mu.
func (t *Tracker) adopt(rec *record) {
	if !rec.orphaned {
		return
	}
	rec.orphaned = false
	if rec.isPresent {
		t.present++
	}
}

// append writes events in order. A failed append is reported and counted;
// the state change that produced the event stands.
func (t *Tracker) append(ctx context.Context, events ...storage.UsageEvent) {
	for _, ev := range events {
		metrics.TransitionsTotal.WithLabelValues(string(ev.EventType)).Inc()
		if t.log == nil {
			continue
		}
		if err := t.log.Append(ctx, ev); err != nil {
			metrics.EventLogFailures.WithLabelValues(string(ev.EventType)).Inc()
			t.logger.Error().
				Err(err).
				Str("tag_id", ev.TagID).
				Str("event_type", string(ev.EventType)).
				Msg("Failed to append event")
		}
	}
}

func newEvent(tag storage.Tag, eventType storage.EventType, at time.Time) storage.UsageEvent {
	return storage.UsageEvent{
		TagID:     tag.ID,
		Name:      tag.Name,
		Category:  tag.Category,
		EventType: eventType,
		Timestamp: at,
	}
}
