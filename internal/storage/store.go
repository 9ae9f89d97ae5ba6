package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrAlreadyExists is returned when creating a record whose key is taken.
var ErrAlreadyExists = errors.New("storage: record already exists")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Events() EventLog
	Tags() TagStore
}

// EventLog is the append-only usage event log. Entries are never updated
// or deleted once written.
type EventLog interface {
	Append(ctx context.Context, event UsageEvent) error
	Query(ctx context.Context, filter EventFilter) ([]UsageEvent, error)
}

// TagStore manages registered tags.
type TagStore interface {
	List(ctx context.Context) ([]Tag, error)
	Get(ctx context.Context, id string) (*Tag, error)
	Create(ctx context.Context, tag Tag) error
	Delete(ctx context.Context, id string) error
}
