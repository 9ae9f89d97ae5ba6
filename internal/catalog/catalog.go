// Package catalog keeps the set of registered tags the presence engine is
// allowed to track. Readers always see one complete snapshot; a refresh
// replaces the whole snapshot or leaves the previous one in place.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tagwatch/internal/metrics"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/rs/zerolog"
)

// ErrSourceUnavailable wraps failures to fetch tags from a Source.
var ErrSourceUnavailable = errors.New("catalog: source unavailable")

// Source fetches the full list of registered tags.
type Source interface {
	Fetch(ctx context.Context) ([]storage.Tag, error)
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	tags      map[string]storage.Tag
	fetchedAt time.Time
}

// NewSnapshot builds a snapshot from tags. Later duplicates win.
func NewSnapshot(tags []storage.Tag, fetchedAt time.Time) *Snapshot {
	m := make(map[string]storage.Tag, len(tags))
	for _, tag := range tags {
		m[tag.ID] = tag
	}
	return &Snapshot{tags: m, fetchedAt: fetchedAt}
}

// Lookup returns the tag registered under id.
func (s *Snapshot) Lookup(id string) (storage.Tag, bool) {
	tag, ok := s.tags[id]
	return tag, ok
}

// Contains reports whether id is registered.
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.tags[id]
	return ok
}

// IDs returns the registered ids in ascending order.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.tags))
	for id := range s.tags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the registered tags ordered by id.
func (s *Snapshot) List() []storage.Tag {
	tags := make([]storage.Tag, 0, len(s.tags))
	for _, id := range s.IDs() {
		tags = append(tags, s.tags[id])
	}
	return tags
}

// Len returns the number of registered tags.
func (s *Snapshot) Len() int {
	return len(s.tags)
}

// FetchedAt returns when the snapshot was taken. Zero for the initial
// empty snapshot.
func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Catalog owns the current snapshot and refreshes it from a Source.
type Catalog struct {
	source   Source
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	current atomic.Pointer[Snapshot]

	refreshMu sync.Mutex
	stopChan  chan struct{}
	done      chan struct{}
}

// New creates a catalog holding an empty snapshot. Call Refresh or Start
// to populate it.
func New(source Source, interval, timeout time.Duration, logger zerolog.Logger) *Catalog {
	c := &Catalog{
		source:   source,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
	c.current.Store(NewSnapshot(nil, time.Time{}))
	return c
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Lookup resolves id against the current snapshot.
func (c *Catalog) Lookup(id string) (storage.Tag, bool) {
	return c.current.Load().Lookup(id)
}

// Refresh fetches the tag list and swaps in a new snapshot. On failure the
// previous snapshot is kept and an error wrapping ErrSourceUnavailable is
// returned.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tags, err := c.source.Fetch(ctx)
	if err != nil {
		metrics.CatalogRefreshErrors.Inc()
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	snap := NewSnapshot(tags, time.Now())
	prev := c.current.Swap(snap)
	metrics.CatalogTags.Set(float64(snap.Len()))

	if prev.Len() != snap.Len() {
		c.logger.Info().
			Int("previous", prev.Len()).
			Int("current", snap.Len()).
			Msg("Tag catalog updated")
	}
	return nil
}

// Start refreshes once synchronously and then on every interval until Stop
// is called. A failed initial refresh is logged, not returned; the catalog
// starts empty and the next tick retries.
func (c *Catalog) Start() {
	if err := c.Refresh(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("Initial catalog refresh failed")
	}

	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()

	c.logger.Info().Dur("interval", c.interval).Msg("Catalog refresh started")
}

// Stop stops periodic refreshes and waits for the loop to exit.
func (c *Catalog) Stop() {
	if c.stopChan == nil {
		return
	}
	close(c.stopChan)
	<-c.done
	c.stopChan = nil
	c.logger.Info().Msg("Catalog refresh stopped")
}

func (c *Catalog) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(context.Background()); err != nil {
				c.logger.Warn().Err(err).Msg("Catalog refresh failed, keeping previous snapshot")
			}
		case <-c.stopChan:
			return
		}
	}
}
