package nowplaying

import (
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// LogSurface writes now-playing changes to the log.
type LogSurface struct {
	mu      sync.Mutex
	trackID string
	playing bool
}

// NewLogSurface creates a new log surface.
func NewLogSurface() *LogSurface {
	return &LogSurface{}
}

func (l *LogSurface) Update(s Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case s.TrackID != l.trackID:
		zlog.Info().Msgf("nowplaying: %s - %s (%s)", s.Artist, s.Title, s.Duration.Truncate(time.Second))
	case s.Playing != l.playing:
		zlog.Info().Msgf("nowplaying: playing=%t elapsed=%s", s.Playing, s.Elapsed.Truncate(time.Second))
	default:
		zlog.Debug().Msgf("nowplaying: elapsed=%s/%s", s.Elapsed.Truncate(time.Second), s.Duration.Truncate(time.Second))
	}
	l.trackID = s.TrackID
	l.playing = s.Playing
	return nil
}

func (l *LogSurface) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trackID != "" {
		zlog.Info().Msg("nowplaying: cleared")
	}
	l.trackID = ""
	l.playing = false
	return nil
}
