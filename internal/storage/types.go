package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies the kind of usage event.
type EventType string

const (
	EventDetected        EventType = "detected"
	EventAbsentStart     EventType = "absent_start"
	EventPresentReturn   EventType = "present_return"
	EventCategoryTrigger EventType = "category_trigger"

	// legacyLipTrigger is the name older clients post for category triggers.
	legacyLipTrigger = "lip_trigger"
)

// ParseEventType validates s against the known event types. The legacy
// "lip_trigger" name maps to EventCategoryTrigger.
func ParseEventType(s string) (EventType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch EventType(normalized) {
	case EventDetected, EventAbsentStart, EventPresentReturn, EventCategoryTrigger:
		return EventType(normalized), nil
	}
	if normalized == legacyLipTrigger {
		return EventCategoryTrigger, nil
	}
	return "", fmt.Errorf("invalid event type: %s (must be detected, absent_start, present_return or category_trigger)", s)
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown event types.
func (e *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Tag is a registered object.
type Tag struct {
	ID        string    `json:"tag_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageEvent is one immutable entry of the event log.
// DurationSec is only set on present_return events.
type UsageEvent struct {
	ID          int64     `json:"id"`
	TagID       string    `json:"tag_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	EventType   EventType `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	DurationSec *int64    `json:"duration_sec,omitempty"`
}

// EventFilter defines criteria for querying the event log.
// Results are ordered by ascending id.
type EventFilter struct {
	TagID     string
	EventType EventType
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Matches reports whether event satisfies the filter, ignoring Limit.
func (f EventFilter) Matches(event UsageEvent) bool {
	if f.TagID != "" && event.TagID != f.TagID {
		return false
	}
	if f.EventType != "" && event.EventType != f.EventType {
		return false
	}
	if f.Since != nil && event.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !event.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// Duration returns a pointer to seconds, for building present_return events.
func Duration(seconds int64) *int64 {
	return &seconds
}
