package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goodtune/tagwatch/internal/storage"
)

type eventLog struct {
	db      *sql.DB
	dialect dialect
}

const insertEventQuery = `INSERT INTO usage_event (tag_id, name, category, event_type, timestamp, duration_sec) VALUES (?, ?, ?, ?, ?, ?)`

// Append writes one event. The id is assigned by the database.
func (l *eventLog) Append(ctx context.Context, event storage.UsageEvent) error {
	var duration sql.NullInt64
	if event.DurationSec != nil {
		duration = sql.NullInt64{Int64: *event.DurationSec, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, l.dialect.rebind(insertEventQuery),
		event.TagID,
		event.Name,
		event.Category,
		string(event.EventType),
		formatTime(event.Timestamp),
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s event for %s: %w", event.EventType, event.TagID, err)
	}
	return nil
}

// Query returns events matching filter in ascending id order. With a
// positive Limit only the most recent Limit matches are returned.
func (l *eventLog) Query(ctx context.Context, filter storage.EventFilter) ([]storage.UsageEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.TagID != "" {
		where = append(where, "tag_id = ?")
		args = append(args, filter.TagID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "timestamp < ?")
		args = append(args, formatTime(*filter.Until))
	}

	query := "SELECT id, tag_id, name, category, event_type, timestamp, duration_sec FROM usage_event"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query = "SELECT * FROM (" + query + " ORDER BY id DESC LIMIT ?) AS recent ORDER BY id ASC"
		args = append(args, filter.Limit)
	} else {
		query += " ORDER BY id ASC"
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []storage.UsageEvent{}
	for rows.Next() {
		var (
			event     storage.UsageEvent
			eventType string
			timestamp string
			duration  sql.NullInt64
		)
		if err := rows.Scan(&event.ID, &event.TagID, &event.Name, &event.Category, &eventType, &timestamp, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventType = storage.EventType(eventType)
		if event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if duration.Valid {
			event.DurationSec = storage.Duration(duration.Int64)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}
