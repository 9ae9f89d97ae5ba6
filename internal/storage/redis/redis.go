package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "tagwatch:"
	eventSeqKey    = keyPrefix + "event:seq"
	eventKeyPrefix = keyPrefix + "event:"
	eventsKey      = keyPrefix + "events"
	tagsKey        = keyPrefix + "tags"
)

func tagEventsKey(tagID string) string {
	return fmt.Sprintf("%sevents:tag:%s", keyPrefix, tagID)
}

func tagKey(tagID string) string {
	return fmt.Sprintf("%stag:%s", keyPrefix, tagID)
}

func eventKey(id string) string {
	return eventKeyPrefix + id
}

// Store implements the storage.Store interface using Redis
type Store struct {
	client   *redis.Client
	eventLog *eventLog
	tagStore *tagStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:   client,
		eventLog: &eventLog{client: client, appendScript: redis.NewScript(appendEventScript)},
		tagStore: &tagStore{
			client:       client,
			createScript: redis.NewScript(createTagScript),
			deleteScript: redis.NewScript(deleteTagScript),
		},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Events returns the EventLog implementation
func (s *Store) Events() storage.EventLog {
	return s.eventLog
}

// Tags returns the TagStore implementation
func (s *Store) Tags() storage.TagStore {
	return s.tagStore
}
