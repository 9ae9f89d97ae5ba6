package usage

import (
	"time"
)

// TagSummary represents usage derived from one tag's events
type TagSummary struct {
	TagID            string     `json:"tag_id"`
	Name             string     `json:"name"`
	Category         string     `json:"category"`
	Sessions         int        `json:"sessions"`
	TotalDurationSec int64      `json:"total_duration_sec"`
	LastDurationSec  *int64     `json:"last_duration_sec,omitempty"`
	AbsenceStarts    int        `json:"absence_starts"`
	Triggers         int        `json:"triggers"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	Away             bool       `json:"away"`
}
