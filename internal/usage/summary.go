// Package usage derives per-tag usage from the event log. Nothing here
// writes to the log; summaries are recomputed from a scan each time.
package usage

import (
	"sort"
	"time"

	"github.com/goodtune/tagwatch/internal/storage"
)

// Summarize folds events, oldest first, into one summary per tag ordered by
// tag id. A session is an absent_start closed by the first present_return
// that follows it; further present_return events before the next
// absent_start are duplicates and are not counted.
func Summarize(events []storage.UsageEvent) []TagSummary {
	byTag := make(map[string]*TagSummary)

	for _, ev := range events {
		s, ok := byTag[ev.TagID]
		if !ok {
			s = &TagSummary{TagID: ev.TagID}
			byTag[ev.TagID] = s
		}

		// Latest non-empty metadata wins
		if ev.Name != "" {
			s.Name = ev.Name
		}
		if ev.Category != "" {
			s.Category = ev.Category
		}

		switch ev.EventType {
		case storage.EventDetected:
			if s.LastSeen == nil || ev.Timestamp.After(*s.LastSeen) {
				ts := ev.Timestamp
				s.LastSeen = &ts
			}
		case storage.EventAbsentStart:
			s.AbsenceStarts++
			s.Away = true
		case storage.EventPresentReturn:
			if !s.Away {
				continue
			}
			s.Away = false
			s.Sessions++
			var d int64
			if ev.DurationSec != nil {
				d = *ev.DurationSec
			}
			s.TotalDurationSec += d
			s.LastDurationSec = storage.Duration(d)
		case storage.EventCategoryTrigger:
			s.Triggers++
		}
	}

	out := make([]TagSummary, 0, len(byTag))
	for _, s := range byTag {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out
}

// DayStart returns the start of the usage day containing now. A usage day
// begins at dayStart (HH:MM, local to now) rather than at midnight.
func DayStart(now time.Time, dayStart string) (time.Time, error) {
	parsed, err := time.Parse("15:04", dayStart)
	if err != nil {
		return time.Time{}, err
	}

	start := time.Date(
		now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0,
		now.Location(),
	)

	// Before today's boundary, the usage day started yesterday
	if now.Before(start) {
		return start.AddDate(0, 0, -1), nil
	}
	return start, nil
}
