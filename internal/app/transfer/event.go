package transfer

import (
	"time"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// EventType represents the type of transfer event.
type EventType int

const (
	EventStarted EventType = iota
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event represents a transfer event.
type Event struct {
	Type     EventType
	TrackID  string
	Track    track.Track
	Progress float64 // 0.0 to 1.0
	Path     string  // local path for completed and deleted events
	Err      error   // set for failed events
	Time     time.Time
}

// Transfer is a snapshot of one in-flight download.
type Transfer struct {
	Track     track.Track `json:"track"`
	Progress  float64     `json:"progress"`
	StartedAt time.Time   `json:"started_at"`
}
