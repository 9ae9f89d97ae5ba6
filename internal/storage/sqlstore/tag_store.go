package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/tagwatch/internal/storage"
)

type tagStore struct {
	db      *sql.DB
	dialect dialect
}

// List returns all tags ordered by id
func (s *tagStore) List(ctx context.Context) ([]storage.Tag, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag_id, name, category, created_at FROM tags ORDER BY tag_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	tags := []storage.Tag{}
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		tags = append(tags, *tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}
	return tags, nil
}

// Get retrieves a tag by id
func (s *tagStore) Get(ctx context.Context, id string) (*storage.Tag, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT tag_id, name, category, created_at FROM tags WHERE tag_id = ?"), id)
	tag, err := scanTag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// Create inserts a tag, failing with storage.ErrAlreadyExists on a
// duplicate id
func (s *tagStore) Create(ctx context.Context, tag storage.Tag) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind("INSERT INTO tags (tag_id, name, category, created_at) VALUES (?, ?, ?, ?)"),
		tag.ID, tag.Name, tag.Category, formatTime(tag.CreatedAt))
	if err != nil {
		if s.dialect.uniqueErr(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create tag %s: %w", tag.ID, err)
	}
	return nil
}

// Delete removes a tag by id
func (s *tagStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM tags WHERE tag_id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete tag %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete tag %s: %w", id, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTag(row rowScanner) (*storage.Tag, error) {
	var (
		tag       storage.Tag
		createdAt string
	)
	if err := row.Scan(&tag.ID, &tag.Name, &tag.Category, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tag: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	tag.CreatedAt = t
	return &tag, nil
}
