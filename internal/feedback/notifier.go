package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/tagwatch/internal/metrics"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/rs/zerolog"
)

// ErrNotifierUnavailable wraps failures to reach the presentation side.
var ErrNotifierUnavailable = errors.New("feedback: notifier unavailable")

// Notifier pushes feedback to a presentation collaborator.
type Notifier interface {
	Notify(ctx context.Context, f Feedback) error
}

// HTTPNotifier POSTs {message, image} as JSON to URL.
type HTTPNotifier struct {
	URL    string
	Client *http.Client
}

type notifyPayload struct {
	Message string `json:"message"`
	Image   string `json:"image"`
}

// Notify implements Notifier.
func (n *HTTPNotifier) Notify(ctx context.Context, f Feedback) error {
	body, err := json.Marshal(notifyPayload{Message: f.Message, Image: f.Image})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotifierUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d", ErrNotifierUnavailable, resp.StatusCode)
	}
	return nil
}

// Dispatcher publishes notifications to the board and, when a Notifier is
// configured, pushes each one exactly once in the background.
type Dispatcher struct {
	board    *Board
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. notifier may be nil.
func NewDispatcher(board *Board, notifier Notifier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		board:    board,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.With().Str("component", "feedback").Logger(),
	}
}

// Dispatch publishes n for tag. It never blocks on the network.
func (d *Dispatcher) Dispatch(n Notification, tag storage.Tag, at time.Time) {
	f := d.board.Publish(n, tag.ID, at)

	d.logger.Info().
		Str("tag_id", tag.ID).
		Str("category", n.Category).
		Str("message", f.Message).
		Msg("Feedback published")

	if d.notifier == nil {
		metrics.NotificationsTotal.WithLabelValues(n.Category, "posted").Inc()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, f); err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Category, "failed").Inc()
			d.logger.Warn().Err(err).Str("tag_id", tag.ID).Msg("Notification dropped")
			return
		}
		metrics.NotificationsTotal.WithLabelValues(n.Category, "sent").Inc()
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
