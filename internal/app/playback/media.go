package playback

import (
	"context"
	"time"

	"github.com/osa030/sonicbox/internal/app/source"
	"github.com/osa030/sonicbox/internal/domain/track"
)

// Callbacks are invoked by a media session from any goroutine.
type Callbacks struct {
	OnReady  func(duration time.Duration) // duration may be 0 when unknown
	OnEnded  func()
	OnFailed func(err error)
}

// Backend opens media sessions.
type Backend interface {
	// Open starts loading location. Readiness is reported through cb.OnReady.
	Open(location string, cb Callbacks) (Session, error)
}

// Session is one opened media item.
type Session interface {
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	Position() time.Duration
	Close() error
}

// Resolver resolves a track identifier to a playable location.
type Resolver interface {
	Resolve(ctx context.Context, id string) (source.Source, error)
}

// Queue is the part of the queue manager the controller drives.
type Queue interface {
	Install(tracks []track.Track, startID string) (track.Track, bool)
	Select(i int) (track.Track, bool)
	Current() (track.Track, bool)
	Advance() (track.Track, bool)
	AdvanceAfterEnd() (track.Track, bool)
	Regress() (track.Track, bool)
	HasPrevious() bool
	AutoReplenish() bool
	AwaitReplenishment(ctx context.Context) (int, error)
}

// NowPlaying receives playback state for external display.
// Implementations must not block.
type NowPlaying interface {
	Publish(t track.Track, elapsed, duration time.Duration, playing bool)
	UpdateProgress(elapsed, duration time.Duration, playing bool)
	Clear()
}

type nopNowPlaying struct{}

func (nopNowPlaying) Publish(track.Track, time.Duration, time.Duration, bool) {}
func (nopNowPlaying) UpdateProgress(time.Duration, time.Duration, bool)       {}
func (nopNowPlaying) Clear()                                                  {}
