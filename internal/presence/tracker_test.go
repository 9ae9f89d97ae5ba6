package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/tagwatch/internal/catalog"
	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/usage"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	mu   sync.Mutex
	snap *catalog.Snapshot
}

func newFakeCatalog(tags ...storage.Tag) *fakeCatalog {
	return &fakeCatalog{snap: catalog.NewSnapshot(tags, t0)}
}

func (c *fakeCatalog) Snapshot() *catalog.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeCatalog) set(tags ...storage.Tag) {
	c.mu.Lock()
	c.snap = catalog.NewSnapshot(tags, t0)
	c.mu.Unlock()
}

type memoryLog struct {
	mu     sync.Mutex
	events []storage.UsageEvent
	fail   bool
}

func (l *memoryLog) Append(_ context.Context, ev storage.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("disk full")
	}
	ev.ID = int64(len(l.events) + 1)
	l.events = append(l.events, ev)
	return nil
}

func (l *memoryLog) Query(_ context.Context, f storage.EventFilter) ([]storage.UsageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []storage.UsageEvent
	for _, ev := range l.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *memoryLog) all() []storage.UsageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.UsageEvent(nil), l.events...)
}

func (l *memoryLog) types() []storage.EventType {
	var out []storage.EventType
	for _, ev := range l.all() {
		out = append(out, ev.EventType)
	}
	return out
}

type dispatchCall struct {
	n   feedback.Notification
	tag storage.Tag
	at  time.Time
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *recordingDispatcher) Dispatch(n feedback.Notification, tag storage.Tag, at time.Time) {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchCall{n, tag, at})
	d.mu.Unlock()
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

var (
	tagX = storage.Tag{ID: "X", Name: "Ruby Red", Category: "lip"}
	tagY = storage.Tag{ID: "Y", Name: "Clear Coat", Category: "nail"}
)

func lipRules() feedback.Trigger {
	return feedback.NewRules([]config.TriggerConfig{
		{Category: "lip", Messages: []string{"Looking good!"}, Image: "lip.png"},
	})
}

func newTestTracker(tags ...storage.Tag) (*Tracker, *fakeCatalog, *memoryLog, *recordingDispatcher) {
	cat := newFakeCatalog(tags...)
	log := &memoryLog{}
	disp := &recordingDispatcher{}
	return NewTracker(cat, log, lipRules(), disp, zerolog.Nop()), cat, log, disp
}

func sec(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Second)
}

func assertTypes(t *testing.T, got []storage.EventType, want ...storage.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected events %v, got %v", want, got)
		}
	}
}

func TestAbsenceTriggersNotification(t *testing.T) {
	tr, _, log, disp := newTestTracker(tagX)
	ctx := context.Background()

	if _, err := tr.OnSighting(ctx, "X", sec(0)); err != nil {
		t.Fatalf("OnSighting failed: %v", err)
	}

	// Sweeps every second; elapsed of exactly the threshold is not absent
	for i := 1; i <= 10; i++ {
		if got := tr.EvaluateTimeouts(ctx, sec(i), 10*time.Second); len(got) != 0 {
			t.Fatalf("Expected no transition at t=%d, got %v", i, got)
		}
	}

	transitions := tr.EvaluateTimeouts(ctx, sec(11), 10*time.Second)
	if len(transitions) != 1 {
		t.Fatalf("Expected 1 transition at t=11, got %d", len(transitions))
	}
	if transitions[0].Notification == nil {
		t.Fatal("Expected lip transition to carry a notification")
	}

	assertTypes(t, log.types(), storage.EventDetected, storage.EventAbsentStart, storage.EventCategoryTrigger)

	events := log.all()
	if !events[1].Timestamp.Equal(sec(11)) {
		t.Errorf("Expected absent_start at t=11, got %v", events[1].Timestamp)
	}
	if disp.count() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", disp.count())
	}

	// Further sweeps while absent emit nothing
	for i := 12; i < 30; i++ {
		tr.EvaluateTimeouts(ctx, sec(i), 10*time.Second)
	}
	if len(log.all()) != 3 {
		t.Errorf("Expected no further events while absent, got %v", log.types())
	}
	if disp.count() != 1 {
		t.Errorf("Expected notification to fire once, got %d", disp.count())
	}

	rec, ok := tr.Record("X")
	if !ok {
		t.Fatal("Expected record for X")
	}
	if rec.IsPresent || rec.AbsentSince == nil || !rec.AbsentSince.Equal(sec(11)) {
		t.Errorf("Expected absent since t=11, got %+v", rec)
	}
}

func TestReturnReportsDuration(t *testing.T) {
	tr, _, log, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	tr.EvaluateTimeouts(ctx, sec(10).Add(time.Millisecond), 10*time.Second)

	rec, _ := tr.Record("X")
	if rec.SessionLogged {
		t.Error("Expected session_logged false while absent")
	}

	// Absent since 10.001s; 37.5s later floors to 27
	outcome, err := tr.OnSighting(ctx, "X", sec(37).Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("OnSighting failed: %v", err)
	}
	if outcome.Kind != OutcomeResumed || outcome.DurationSec != 27 {
		t.Errorf("Expected resumed with 27s, got %+v", outcome)
	}

	events := log.all()
	last := events[len(events)-1]
	if last.EventType != storage.EventPresentReturn {
		t.Fatalf("Expected present_return last, got %v", log.types())
	}
	if last.DurationSec == nil || *last.DurationSec != 27 {
		t.Errorf("Expected duration_sec 27, got %v", last.DurationSec)
	}
	if events[len(events)-2].EventType != storage.EventDetected {
		t.Errorf("Expected detected before present_return, got %v", log.types())
	}

	rec, _ = tr.Record("X")
	if !rec.IsPresent || !rec.SessionLogged || rec.AbsentSince != nil {
		t.Errorf("Expected present, logged, no absent_since; got %+v", rec)
	}
}

func TestSightingsWithinThresholdStayPresent(t *testing.T) {
	tr, _, log, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	tr.OnSighting(ctx, "X", sec(5))

	for i := 0; i <= 15; i++ {
		tr.EvaluateTimeouts(ctx, sec(i), 10*time.Second)
		rec, _ := tr.Record("X")
		if !rec.IsPresent {
			t.Fatalf("Expected X present at t=%d", i)
		}
	}

	assertTypes(t, log.types(), storage.EventDetected, storage.EventDetected)
}

func TestFirstSightingIsNotAReturn(t *testing.T) {
	tr, _, log, _ := newTestTracker(tagX)

	// Pre-seeded by the sweep, never sighted
	tr.EvaluateTimeouts(context.Background(), sec(0), 10*time.Second)

	outcome, err := tr.OnSighting(context.Background(), "X", sec(100))
	if err != nil {
		t.Fatalf("OnSighting failed: %v", err)
	}
	if outcome.Kind != OutcomeNone {
		t.Errorf("Expected none for first sighting, got %+v", outcome)
	}
	assertTypes(t, log.types(), storage.EventDetected)
}

func TestNeverSightedTagNeverGoesAbsent(t *testing.T) {
	tr, _, log, disp := newTestTracker(tagX, tagY)
	ctx := context.Background()

	for i := 0; i < 100; i += 7 {
		tr.EvaluateTimeouts(ctx, sec(i), 10*time.Second)
	}

	if len(log.all()) != 0 {
		t.Errorf("Expected no events, got %v", log.types())
	}
	if disp.count() != 0 {
		t.Errorf("Expected no dispatches, got %d", disp.count())
	}

	rec, ok := tr.Record("Y")
	if !ok {
		t.Fatal("Expected sweep to seed a record for Y")
	}
	if rec.IsPresent || rec.LastSeen != nil || rec.AbsentSince != nil {
		t.Errorf("Expected empty record, got %+v", rec)
	}
}

func TestRemovedTagIsNotSwept(t *testing.T) {
	tr, cat, log, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	cat.set() // X removed from the catalog

	if got := tr.EvaluateTimeouts(ctx, sec(60), 10*time.Second); len(got) != 0 {
		t.Errorf("Expected orphaned record to be skipped, got %v", got)
	}
	assertTypes(t, log.types(), storage.EventDetected)

	if _, err := tr.OnSighting(ctx, "X", sec(61)); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("Expected ErrUnknownTag after removal, got %v", err)
	}
}

func TestRemovedPresentTagLeavesPresentCount(t *testing.T) {
	tr, cat, _, _ := newTestTracker(tagX, tagY)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	tr.OnSighting(ctx, "Y", sec(0))
	cat.set(tagY) // X removed while present

	tr.EvaluateTimeouts(ctx, sec(1), 10*time.Second)
	if tr.PresentCount() != 1 {
		t.Fatalf("Expected 1 present after removal, got %d", tr.PresentCount())
	}

	// Repeated sweeps do not count the removal twice
	tr.EvaluateTimeouts(ctx, sec(2), 10*time.Second)
	if tr.PresentCount() != 1 {
		t.Fatalf("Expected 1 present after second sweep, got %d", tr.PresentCount())
	}

	cat.set(tagX, tagY)
	tr.EvaluateTimeouts(ctx, sec(3), 10*time.Second)
	if tr.PresentCount() != 2 {
		t.Errorf("Expected 2 present after re-registration, got %d", tr.PresentCount())
	}
}

func TestReRegisteredTagCountsOnSighting(t *testing.T) {
	tr, cat, _, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	cat.set()
	tr.EvaluateTimeouts(ctx, sec(1), 10*time.Second)
	if tr.PresentCount() != 0 {
		t.Fatalf("Expected 0 present after removal, got %d", tr.PresentCount())
	}

	cat.set(tagX)
	tr.OnSighting(ctx, "X", sec(2))
	if tr.PresentCount() != 1 {
		t.Errorf("Expected 1 present after sighting, got %d", tr.PresentCount())
	}
}

// gatedLog holds the first absent_start append until release is closed.
type gatedLog struct {
	memoryLog
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLog) Append(ctx context.Context, ev storage.UsageEvent) error {
	if ev.EventType == storage.EventAbsentStart {
		l.once.Do(func() {
			close(l.entered)
			<-l.release
		})
	}
	return l.memoryLog.Append(ctx, ev)
}

func TestSightingDuringSlowAbsenceAppendKeepsOrder(t *testing.T) {
	log := &gatedLog{entered: make(chan struct{}), release: make(chan struct{})}
	tr := NewTracker(newFakeCatalog(tagX), log, nil, nil, zerolog.Nop())
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.EvaluateTimeouts(ctx, sec(11), 10*time.Second)
	}()
	<-log.entered

	// The sweep has decided X is absent and is stuck writing absent_start
	go func() {
		defer wg.Done()
		tr.OnSighting(ctx, "X", sec(11).Add(5*time.Millisecond))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := tr.Record("X"); rec.IsPresent {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if rec, _ := tr.Record("X"); !rec.IsPresent {
		t.Fatal("Expected the sighting to mark X present while the append is blocked")
	}

	close(log.release)
	wg.Wait()

	assertTypes(t, log.types(),
		storage.EventDetected, storage.EventAbsentStart,
		storage.EventDetected, storage.EventPresentReturn)

	summaries := usage.Summarize(log.all())
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].Sessions != 1 || summaries[0].Away {
		t.Errorf("Expected 1 session and present, got sessions=%d away=%v", summaries[0].Sessions, summaries[0].Away)
	}
}

func TestEventsCarryMetadataAtEventTime(t *testing.T) {
	tr, cat, log, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))

	renamed := tagX
	renamed.Name = "Cherry"
	renamed.Category = "gloss"
	cat.set(renamed)

	tr.EvaluateTimeouts(ctx, sec(20), 10*time.Second)

	events := log.all()
	if events[0].Name != "Ruby Red" || events[0].Category != "lip" {
		t.Errorf("Expected detected to keep original metadata, got %+v", events[0])
	}
	if events[1].Name != "Cherry" || events[1].Category != "gloss" {
		t.Errorf("Expected absent_start with current metadata, got %+v", events[1])
	}
	// gloss has no trigger configured
	assertTypes(t, log.types(), storage.EventDetected, storage.EventAbsentStart)
}

func TestStorageFailureKeepsTransition(t *testing.T) {
	tr, _, log, disp := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	log.fail = true

	transitions := tr.EvaluateTimeouts(ctx, sec(11), 10*time.Second)
	if len(transitions) != 1 {
		t.Fatalf("Expected transition despite storage failure, got %d", len(transitions))
	}
	if disp.count() != 1 {
		t.Errorf("Expected dispatch despite storage failure, got %d", disp.count())
	}

	rec, _ := tr.Record("X")
	if rec.IsPresent {
		t.Error("Expected state change to stand after failed append")
	}

	// No duplicate transition on the next sweep
	if got := tr.EvaluateTimeouts(ctx, sec(12), 10*time.Second); len(got) != 0 {
		t.Errorf("Expected no retry transition, got %v", got)
	}
}

func TestOutOfOrderSightingKeepsLatestLastSeen(t *testing.T) {
	tr, _, _, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(9))
	tr.OnSighting(ctx, "X", sec(3))

	rec, _ := tr.Record("X")
	if rec.LastSeen == nil || !rec.LastSeen.Equal(sec(9)) {
		t.Errorf("Expected last_seen t=9, got %v", rec.LastSeen)
	}

	if got := tr.EvaluateTimeouts(ctx, sec(15), 10*time.Second); len(got) != 0 {
		t.Errorf("Expected X present at t=15, got %v", got)
	}
}

func TestReturnBeforeAbsenceClampsToZero(t *testing.T) {
	tr, _, _, _ := newTestTracker(tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	tr.EvaluateTimeouts(ctx, sec(20), 10*time.Second)

	// Late-arriving sighting stamped before the sweep
	outcome, _ := tr.OnSighting(ctx, "X", sec(18))
	if outcome.Kind != OutcomeResumed || outcome.DurationSec != 0 {
		t.Errorf("Expected resumed with 0s, got %+v", outcome)
	}
}

func TestUnknownTagCreatesNoRecord(t *testing.T) {
	tr, _, log, _ := newTestTracker(tagX)

	_, err := tr.OnSighting(context.Background(), "ZZZZZ", sec(0))
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("Expected ErrUnknownTag, got %v", err)
	}
	if _, ok := tr.Record("ZZZZZ"); ok {
		t.Error("Expected no record for unknown tag")
	}
	if len(log.all()) != 0 {
		t.Errorf("Expected no events, got %v", log.types())
	}
}

func TestTransitionsAreSortedAndCounted(t *testing.T) {
	tr, _, log, disp := newTestTracker(tagY, tagX)
	ctx := context.Background()

	tr.OnSighting(ctx, "Y", sec(0))
	tr.OnSighting(ctx, "X", sec(0))
	if tr.PresentCount() != 2 {
		t.Fatalf("Expected 2 present, got %d", tr.PresentCount())
	}

	transitions := tr.EvaluateTimeouts(ctx, sec(30), 10*time.Second)
	if len(transitions) != 2 || transitions[0].Tag.ID != "X" || transitions[1].Tag.ID != "Y" {
		t.Fatalf("Expected transitions for X then Y, got %+v", transitions)
	}
	if transitions[1].Notification != nil {
		t.Error("Expected no notification for nail")
	}
	if tr.PresentCount() != 0 {
		t.Errorf("Expected 0 present, got %d", tr.PresentCount())
	}
	if disp.count() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", disp.count())
	}

	assertTypes(t, log.types(),
		storage.EventDetected, storage.EventDetected,
		storage.EventAbsentStart, storage.EventCategoryTrigger,
		storage.EventAbsentStart)

	records := tr.Records()
	if len(records) != 2 || records[0].TagID != "X" {
		t.Errorf("Expected sorted records, got %+v", records)
	}
}

func TestNilCollaborators(t *testing.T) {
	tr := NewTracker(newFakeCatalog(tagX), nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	tr.OnSighting(ctx, "X", sec(0))
	if got := tr.EvaluateTimeouts(ctx, sec(11), 10*time.Second); len(got) != 1 || got[0].Notification != nil {
		t.Errorf("Expected bare transition, got %+v", got)
	}
}

func TestConcurrentSightingsAndSweeps(t *testing.T) {
	tr, _, log, _ := newTestTracker(tagX, tagY)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				at := t0.Add(time.Duration(i) * 100 * time.Millisecond)
				if g%2 == 0 {
					tr.OnSighting(ctx, "X", at)
				} else {
					tr.EvaluateTimeouts(ctx, at, time.Second)
				}
			}
		}(g)
	}
	wg.Wait()

	for _, rec := range tr.Records() {
		if rec.LastSeen == nil {
			continue
		}
		if rec.IsPresent == (rec.AbsentSince != nil) {
			t.Errorf("Expected exactly one of present/absent_since, got %+v", rec)
		}
	}

	var absences, returns int
	for _, ev := range log.all() {
		switch ev.EventType {
		case storage.EventAbsentStart:
			absences++
		case storage.EventPresentReturn:
			returns++
		}
	}
	if returns > absences {
		t.Errorf("Expected returns <= absences, got %d > %d", returns, absences)
	}
}
