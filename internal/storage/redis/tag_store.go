package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type tagStore struct {
	client       *redis.Client
	createScript *redis.Script
	deleteScript *redis.Script
}

// List returns all tags ordered by id
func (s *tagStore) List(ctx context.Context) ([]storage.Tag, error) {
	ids, err := s.client.SMembers(ctx, tagsKey).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Tag{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, tagKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	tags := make([]storage.Tag, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		tag, err := parseTag(data)
		if err == nil {
			tags = append(tags, *tag)
		}
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return tags, nil
}

// Get retrieves a tag by id
func (s *tagStore) Get(ctx context.Context, id string) (*storage.Tag, error) {
	data, err := s.client.HGetAll(ctx, tagKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseTag(data)
}

// Create stores a tag, failing with storage.ErrAlreadyExists on a
// duplicate id
func (s *tagStore) Create(ctx context.Context, tag storage.Tag) error {
	keys := []string{tagKey(tag.ID), tagsKey}
	args := []interface{}{tag.ID, tag.Name, tag.Category, tag.CreatedAt.UTC().Format(time.RFC3339Nano)}

	created, err := s.createScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to create tag %s: %w", tag.ID, err)
	}
	if created == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Delete removes a tag by id
func (s *tagStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.deleteScript.Run(ctx, s.client, []string{tagKey(id), tagsKey}, id).Int64()
	if err != nil {
		return fmt.Errorf("failed to delete tag %s: %w", id, err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}
