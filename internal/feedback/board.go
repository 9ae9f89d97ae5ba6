package feedback

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Feedback is the latest message for the display to show.
type Feedback struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Image     string    `json:"image"`
	TagID     string    `json:"tag_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Board holds the most recent Feedback. Displays poll it; both the
// dispatcher and external clients post to it.
type Board struct {
	mu     sync.RWMutex
	latest *Feedback
	pick   func(n int) int
}

// NewBoard creates an empty board that picks messages at random.
func NewBoard() *Board {
	return &Board{pick: rand.IntN}
}

// Post replaces the latest feedback. A missing ID or CreatedAt is filled in.
func (b *Board) Post(f Feedback) Feedback {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	b.mu.Lock()
	b.latest = &f
	b.mu.Unlock()

	return f
}

// Publish turns a notification into feedback, choosing one of its messages.
func (b *Board) Publish(n Notification, tagID string, at time.Time) Feedback {
	message := ""
	if len(n.Messages) > 0 {
		message = n.Messages[b.pick(len(n.Messages))]
	}
	return b.Post(Feedback{
		Message:   message,
		Image:     n.Image,
		TagID:     tagID,
		Category:  n.Category,
		CreatedAt: at,
	})
}

// Latest returns the most recent feedback, if any.
func (b *Board) Latest() (Feedback, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return Feedback{}, false
	}
	return *b.latest, true
}
