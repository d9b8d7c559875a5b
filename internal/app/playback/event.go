package playback

import (
	"time"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// EventType represents a playback event type.
type EventType int

const (
	EventStateChanged EventType = iota // Playback state changed
	EventTrackStarted                  // Media became ready and started playing
	EventTrackEnded                    // Media reached its natural end
	EventProgress                      // Position changed (poll tick or seek)
	EventError                         // A play attempt failed; playback settled
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "state_changed"
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the controller state.
type Status struct {
	State    State         `json:"state"`
	Track    *track.Track  `json:"track,omitempty"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"` // last play failure
}

// Playing reports whether media is audibly playing.
func (s Status) Playing() bool {
	return s.State == StatePlaying
}

// Event represents a playback event.
type Event struct {
	Type   EventType
	Status Status
	Err    error // set for EventError
}
