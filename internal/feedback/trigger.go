// Package feedback decides which absence transitions raise a notification
// and hands notifications to the presentation side.
package feedback

import (
	"context"

	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/storage"
)

// Notification is what a trigger yields for a matching transition. Choosing
// one of Messages is left to the presentation side.
type Notification struct {
	Category  string            `json:"category"`
	EventType storage.EventType `json:"event_type"`
	Messages  []string          `json:"messages"`
	Image     string            `json:"image,omitempty"`
}

// Trigger maps a (category, event type) pair to an optional notification.
// Implementations must not have side effects.
type Trigger interface {
	Evaluate(ctx context.Context, category string, eventType storage.EventType) (Notification, bool)
}

// Rules is a Trigger driven by configured category entries. Only
// absent_start transitions match; categories compare case-sensitively.
type Rules struct {
	byCategory map[string]Notification
}

// NewRules builds a Rules trigger. A later entry for the same category
// replaces an earlier one.
func NewRules(triggers []config.TriggerConfig) *Rules {
	m := make(map[string]Notification, len(triggers))
	for _, t := range triggers {
		m[t.Category] = Notification{
			Category:  t.Category,
			EventType: storage.EventAbsentStart,
			Messages:  append([]string(nil), t.Messages...),
			Image:     t.Image,
		}
	}
	return &Rules{byCategory: m}
}

// Evaluate implements Trigger.
func (r *Rules) Evaluate(_ context.Context, category string, eventType storage.EventType) (Notification, bool) {
	if eventType != storage.EventAbsentStart {
		return Notification{}, false
	}
	n, ok := r.byCategory[category]
	if !ok {
		return Notification{}, false
	}
	n.Messages = append([]string(nil), n.Messages...)
	return n, true
}

// Categories returns the configured trigger categories.
func (r *Rules) Categories() []string {
	out := make([]string, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	return out
}

// Chain evaluates triggers in order and returns the first notification.
type Chain []Trigger

// Evaluate implements Trigger.
func (c Chain) Evaluate(ctx context.Context, category string, eventType storage.EventType) (Notification, bool) {
	for _, t := range c {
		if t == nil {
			continue
		}
		if n, ok := t.Evaluate(ctx, category, eventType); ok {
			return n, true
		}
	}
	return Notification{}, false
}
