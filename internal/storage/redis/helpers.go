package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/tagwatch/internal/storage"
)

// parseUsageEvent converts a Redis hash to UsageEvent
func parseUsageEvent(data map[string]string) (*storage.UsageEvent, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, data["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	event := &storage.UsageEvent{
		ID:        id,
		TagID:     data["tag_id"],
		Name:      data["name"],
		Category:  data["category"],
		EventType: storage.EventType(data["event_type"]),
		Timestamp: timestamp,
	}

	if raw, ok := data["duration_sec"]; ok && raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration_sec: %w", err)
		}
		event.DurationSec = storage.Duration(seconds)
	}

	return event, nil
}

// parseTag converts a Redis hash to Tag
func parseTag(data map[string]string) (*storage.Tag, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &storage.Tag{
		ID:        data["tag_id"],
		Name:      data["name"],
		Category:  data["category"],
		CreatedAt: createdAt,
	}, nil
}
