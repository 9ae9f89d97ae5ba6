package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
)

// StoreSource reads tags from the local tag table.
type StoreSource struct {
	Tags storage.TagStore
}

// Fetch implements Source.
func (s StoreSource) Fetch(ctx context.Context) ([]storage.Tag, error) {
	return s.Tags.List(ctx)
}

// HTTPSource reads tags from a remote collaborator exposing GET /tags.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// remoteTag is the wire shape of the collaborator's /tags entries.
type remoteTag struct {
	TagID    string `json:"tag_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Fetch implements Source. Ids are normalized so they compare equal to ids
// coming through ingestion; entries that normalize to nothing are skipped.
func (s HTTPSource) Fetch(ctx context.Context) ([]storage.Tag, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, s.URL, strings.TrimSpace(string(body)))
	}

	var entries []remoteTag
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode tags from %s: %w", s.URL, err)
	}

	tags := make([]storage.Tag, 0, len(entries))
	for _, e := range entries {
		id := tagid.Normalize(e.TagID)
		if id == "" {
			continue
		}
		tags = append(tags, storage.Tag{ID: id, Name: e.Name, Category: e.Category})
	}
	return tags, nil
}
