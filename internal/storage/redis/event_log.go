package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type eventLog struct {
	client       *redis.Client
	appendScript *redis.Script
}

// Append writes one event through appendEventScript
func (l *eventLog) Append(ctx context.Context, event storage.UsageEvent) error {
	duration := ""
	if event.DurationSec != nil {
		duration = strconv.FormatInt(*event.DurationSec, 10)
	}

	keys := []string{eventSeqKey, eventsKey, tagEventsKey(event.TagID)}
	args := []interface{}{
		eventKeyPrefix,
		event.TagID,
		event.Name,
		event.Category,
		string(event.EventType),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		duration,
	}

	if err := l.appendScript.Run(ctx, l.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to append %s event for %s: %w", event.EventType, event.TagID, err)
	}
	return nil
}

// Query returns events matching filter in ascending id order. With a
// positive Limit only the most recent Limit matches are returned.
func (l *eventLog) Query(ctx context.Context, filter storage.EventFilter) ([]storage.UsageEvent, error) {
	listKey := eventsKey
	if filter.TagID != "" {
		listKey = tagEventsKey(filter.TagID)
	}

	ids, err := l.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	if len(ids) == 0 {
		return []storage.UsageEvent{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := l.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, eventKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	events := make([]storage.UsageEvent, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		event, err := parseUsageEvent(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(*event) {
			events = append(events, *event)
		}
	}

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}

	return events, nil
}
