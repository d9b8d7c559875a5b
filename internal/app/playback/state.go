// Package playback provides the single-session playback controller.
package playback

// State represents the playback state.
type State int

const (
	StateIdle    State = iota // No session (stopped, exhausted or failed)
	StateLoading              // Session opened, waiting for the media to become ready
	StatePlaying              // Media is playing
	StatePaused               // Media is paused
	StateEnded                // Media reached its natural end; the next track is being decided
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode as idle.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "loading":
		*s = StateLoading
	case "playing":
		*s = StatePlaying
	case "paused":
		*s = StatePaused
	case "ended":
		*s = StateEnded
	default:
		*s = StateIdle
	}
	return nil
}
