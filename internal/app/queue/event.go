package queue

import (
	"github.com/osa030/sonicbox/internal/domain/track"
)

// EventType represents the type of queue event.
type EventType int

const (
	EventChanged EventType = iota
	EventModeChanged
	EventReplenishStarted
	EventReplenished
	EventReplenishFailed
)

func (t EventType) String() string {
	switch t {
	case EventChanged:
		return "changed"
	case EventModeChanged:
		return "mode_changed"
	case EventReplenishStarted:
		return "replenish_started"
	case EventReplenished:
		return "replenished"
	case EventReplenishFailed:
		return "replenish_failed"
	default:
		return "unknown"
	}
}

// Event represents a queue event.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	Added    int   // tracks appended by a replenishment
	Err      error // set for EventReplenishFailed
}

// Snapshot is an immutable copy of the queue state.
type Snapshot struct {
	Tracks        []track.Track `json:"tracks"`
	Index         int           `json:"index"`
	Mode          Mode          `json:"mode"`
	AutoReplenish bool          `json:"auto_replenish"`
	Replenishing  bool          `json:"replenishing"`
}

// Current returns the entry at the current index.
func (s Snapshot) Current() (track.Track, bool) {
	if s.Index < 0 || s.Index >= len(s.Tracks) {
		return track.Track{}, false
	}
	return s.Tracks[s.Index], true
}

// Remaining returns the number of entries after the current one.
func (s Snapshot) Remaining() int {
	if len(s.Tracks) == 0 {
		return 0
	}
	return len(s.Tracks) - s.Index - 1
}

// Upcoming returns the entries after the current one.
func (s Snapshot) Upcoming() []track.Track {
	if len(s.Tracks) == 0 {
		return nil
	}
	return s.Tracks[s.Index+1:]
}
