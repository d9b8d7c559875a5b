package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/notification"
	"github.com/osa030/sonicbox/internal/domain/track"
)

var (
	ErrClosed            = errors.New("playback controller closed")
	ErrNoTrack           = errors.New("no track loaded")
	ErrNoNextTrack       = errors.New("no next track")
	ErrNotPlaying        = errors.New("not playing")
	ErrNotPaused         = errors.New("not paused")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrLoadFailed        = errors.New("media load failed")
)

// Config represents playback configuration.
type Config struct {
	PollInterval      time.Duration
	PreviousThreshold time.Duration
	SkipInterval      time.Duration
	ReplenishWait     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PreviousThreshold <= 0 {
		c.PreviousThreshold = 3 * time.Second
	}
	if c.SkipInterval <= 0 {
		c.SkipInterval = 15 * time.Second
	}
	if c.ReplenishWait <= 0 {
		c.ReplenishWait = 20 * time.Second
	}
	return c
}

// Controller owns the single media session.
//
// All state below is confined to the loop goroutine. Public methods submit
// closures to the loop and wait for them; media callbacks and poll ticks are
// posted without waiting. Each opened session carries a generation number and
// anything reported for an older generation is ignored.
type Controller struct {
	config     Config
	backend    Backend
	resolver   Resolver
	queue      Queue
	nowPlaying NowPlaying

	cmds    chan func()
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	hub *notification.Hub[Event]

	// loop-confined
	state      State
	current    *track.Track
	session    Session
	generation uint64
	position   time.Duration
	duration   time.Duration
	lastErr    error
	pollCancel context.CancelFunc
}

// New creates a controller and starts its loop.
func New(config Config, backend Backend, resolver Resolver, queue Queue, nowPlaying NowPlaying) *Controller {
	if nowPlaying == nil {
		nowPlaying = nopNowPlaying{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:     config.withDefaults(),
		backend:    backend,
		resolver:   resolver,
		queue:      queue,
		nowPlaying: nowPlaying,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		hub:        notification.NewHub[Event](64),
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			c.teardown()
			return
		}
	}
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- func() { reply <- fn() }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		return ErrClosed
	}
}

// post queues fn without waiting. It never blocks the caller, which may be the loop itself.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	default:
		go func() {
			select {
			case c.cmds <- fn:
			case <-c.done:
			}
		}()
	}
}

// Close stops the loop and releases the media session.
func (c *Controller) Close() {
	c.once.Do(func() {
		close(c.done)
		<-c.stopped
		c.cancel()
		c.hub.Close()
	})
}

// Subscribe subscribes to playback events.
func (c *Controller) Subscribe() (string, <-chan Event) {
	return c.hub.Subscribe()
}

// Unsubscribe unsubscribes from playback events.
func (c *Controller) Unsubscribe(id string) {
	c.hub.Unsubscribe(id)
}

// Status returns the current playback status.
func (c *Controller) Status() Status {
	var st Status
	if err := c.call(func() error {
		c.refreshPosition()
		st = c.status()
		return nil
	}); err != nil {
		return Status{State: StateIdle}
	}
	return st
}

// PlayTrack plays t. When list contains t it becomes the queue with t current;
// otherwise the queue is replaced by t alone.
func (c *Controller) PlayTrack(t track.Track, list []track.Track) error {
	return c.call(func() error {
		if track.Index(list, t.ID) < 0 {
			list = []track.Track{t}
		}
		cur, ok := c.queue.Install(list, t.ID)
		if !ok {
			return ErrNoTrack
		}
		return c.load(cur)
	})
}

// PlayIndex jumps to the queue entry at i.
func (c *Controller) PlayIndex(i int) error {
	return c.call(func() error {
		t, ok := c.queue.Select(i)
		if !ok {
			return errors.Wrapf(ErrNoTrack, "index %d", i)
		}
		return c.load(t)
	})
}

// Play resumes a paused session or starts the queue's current track.
func (c *Controller) Play() error {
	return c.call(c.play)
}

func (c *Controller) play() error {
	switch c.state {
	case StatePlaying, StateLoading, StateEnded:
		// Ended settles on its own once replenishment returns
		return nil
	case StatePaused:
		return c.resume()
	}
	t, ok := c.queue.Current()
	if !ok {
		return ErrNoTrack
	}
	return c.load(t)
}

// Resume resumes a paused session.
func (c *Controller) Resume() error {
	return c.call(func() error {
		if c.state != StatePaused {
			return ErrNotPaused
		}
		return c.resume()
	})
}

func (c *Controller) resume() error {
	if err := c.session.Play(); err != nil {
		return errors.Wrap(err, "failed to resume")
	}
	c.setState(StatePlaying)
	c.nowPlaying.UpdateProgress(c.position, c.duration, true)
	return nil
}

// Pause pauses the playing session.
func (c *Controller) Pause() error {
	return c.call(c.pause)
}

func (c *Controller) pause() error {
	if c.state != StatePlaying {
		return ErrNotPlaying
	}
	if err := c.session.Pause(); err != nil {
		return errors.Wrap(err, "failed to pause")
	}
	c.refreshPosition()
	c.setState(StatePaused)
	c.nowPlaying.UpdateProgress(c.position, c.duration, false)
	return nil
}

// TogglePlayPause pauses when playing and plays otherwise.
func (c *Controller) TogglePlayPause() error {
	return c.call(func() error {
		if c.state == StatePlaying {
			return c.pause()
		}
		return c.play()
	})
}

// Next advances the queue and plays the new current track.
func (c *Controller) Next() error {
	return c.call(func() error {
		t, ok := c.queue.Advance()
		if !ok {
			return ErrNoNextTrack
		}
		return c.load(t)
	})
}

// Previous restarts the current track when past the threshold or at the head,
// and otherwise plays the prior track.
func (c *Controller) Previous() error {
	return c.call(func() error {
		c.refreshPosition()
		if c.session != nil && (c.position > c.config.PreviousThreshold || !c.queue.HasPrevious()) {
			return c.seek(0)
		}
		t, ok := c.queue.Regress()
		if !ok {
			if c.session == nil {
				return ErrNoTrack
			}
			return c.seek(0)
		}
		return c.load(t)
	})
}

// Seek moves the position of the current session.
func (c *Controller) Seek(pos time.Duration) error {
	return c.call(func() error {
		return c.seek(pos)
	})
}

// SkipForward seeks forward by delta, or by the configured interval when delta is 0.
func (c *Controller) SkipForward(delta time.Duration) error {
	return c.skip(delta, 1)
}

// SkipBackward seeks backward by delta, or by the configured interval when delta is 0.
func (c *Controller) SkipBackward(delta time.Duration) error {
	return c.skip(delta, -1)
}

func (c *Controller) skip(delta time.Duration, sign time.Duration) error {
	if delta <= 0 {
		delta = c.config.SkipInterval
	}
	return c.call(func() error {
		if c.session == nil {
			return ErrNoTrack
		}
		c.refreshPosition()
		target := c.position + sign*delta
		if target < 0 {
			target = 0
		}
		if c.duration > 0 && target > c.duration {
			target = c.duration
		}
		return c.seek(target)
	})
}

// seek applies pos as given; callers clamp.
func (c *Controller) seek(pos time.Duration) error {
	if c.session == nil {
		return ErrNoTrack
	}
	if err := c.session.Seek(pos); err != nil {
		return errors.Wrap(err, "failed to seek")
	}
	c.position = pos
	c.nowPlaying.UpdateProgress(c.position, c.duration, c.state == StatePlaying)
	c.publish(EventProgress, nil)
	return nil
}

// Stop releases the session and clears the current track.
func (c *Controller) Stop() error {
	return c.call(func() error {
		c.settleIdle()
		return nil
	})
}

// load opens a session for t. The track becomes current immediately; the
// session starts playing once the backend reports it ready.
func (c *Controller) load(t track.Track) error {
	c.teardown()
	c.generation++
	gen := c.generation

	cur := t
	c.current = &cur
	c.position = 0
	c.duration = t.Duration
	c.lastErr = nil
	c.setState(StateLoading)

	src, err := c.resolver.Resolve(c.ctx, t.ID)
	if err == nil && !src.Playable() {
		err = ErrSourceUnavailable
	}
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return c.fail(errors.Wrapf(err, "track %s", t.ID))
		}
		return c.fail(playFailure(ErrSourceUnavailable, t.ID, err))
	}

	session, err := c.backend.Open(src.Location, Callbacks{
		OnReady: func(d time.Duration) {
			c.post(func() { c.onReady(gen, d) })
		},
		OnEnded: func() {
			c.post(func() { c.onEnded(gen) })
		},
		OnFailed: func(err error) {
			c.post(func() { c.onFailed(gen, err) })
		},
	})
	if err != nil {
		return c.fail(playFailure(ErrLoadFailed, t.ID, err))
	}
	c.session = session
	zlog.Info().Msgf("playback: loading track=%s source=%s", t.DisplayName(), src.Kind)
	return nil
}

// fail settles Idle after a failed play attempt, keeping the attempted track for display.
func (c *Controller) fail(err error) error {
	zlog.Warn().Err(err).Msg("playback: play failed")
	c.teardown()
	c.lastErr = err
	c.position = 0
	c.state = StateIdle
	c.nowPlaying.Clear()
	c.publish(EventError, err)
	return err
}

func (c *Controller) onReady(gen uint64, d time.Duration) {
	if gen != c.generation || c.state != StateLoading {
		return
	}
	if d > 0 {
		c.duration = d
	}
	if err := c.session.Play(); err != nil {
		_ = c.fail(playFailure(ErrLoadFailed, c.current.ID, err))
		return
	}
	c.setState(StatePlaying)
	c.startPoll(gen)
	c.nowPlaying.Publish(*c.current, 0, c.duration, true)
	c.publish(EventTrackStarted, nil)
}

func (c *Controller) onFailed(gen uint64, err error) {
	if gen != c.generation {
		return
	}
	id := ""
	if c.current != nil {
		id = c.current.ID
	}
	_ = c.fail(playFailure(ErrLoadFailed, id, err))
}

// playFailure puts kind in the chain and keeps cause as the detail.
func playFailure(kind error, id string, cause error) error {
	return errors.WithSecondaryError(errors.Wrapf(kind, "track %s: %v", id, cause), cause)
}

func (c *Controller) onEnded(gen uint64) {
	if gen != c.generation || (c.state != StatePlaying && c.state != StatePaused) {
		return
	}
	c.teardown()
	c.position = c.duration
	c.setState(StateEnded)
	c.publish(EventTrackEnded, nil)

	if t, ok := c.queue.AdvanceAfterEnd(); ok {
		_ = c.load(t)
		return
	}
	if !c.queue.AutoReplenish() {
		c.settleIdle()
		return
	}

	zlog.Debug().Msg("playback: queue exhausted, waiting for replenishment")
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.ReplenishWait)
		added, err := c.queue.AwaitReplenishment(ctx)
		cancel()
		c.post(func() { c.afterReplenish(gen, added, err) })
	}()
}

func (c *Controller) afterReplenish(gen uint64, added int, err error) {
	if gen != c.generation || c.state != StateEnded {
		return
	}
	if err != nil {
		zlog.Warn().Err(err).Msg("playback: replenishment after end failed")
	}
	if err == nil && added > 0 {
		if t, ok := c.queue.Advance(); ok {
			_ = c.load(t)
			return
		}
	}
	c.settleIdle()
}

func (c *Controller) settleIdle() {
	c.teardown()
	c.generation++
	c.current = nil
	c.position = 0
	c.duration = 0
	c.nowPlaying.Clear()
	c.setState(StateIdle)
}

func (c *Controller) teardown() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			zlog.Debug().Err(err).Msg("playback: session close failed")
		}
		c.session = nil
	}
}

func (c *Controller) startPoll(gen uint64) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel
	interval := c.config.PollInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.post(func() { c.onTick(gen) })
			}
		}
	}()
}

func (c *Controller) onTick(gen uint64) {
	if gen != c.generation || c.state != StatePlaying {
		return
	}
	c.refreshPosition()
	c.nowPlaying.UpdateProgress(c.position, c.duration, true)
	c.publish(EventProgress, nil)
}

func (c *Controller) refreshPosition() {
	if c.session == nil {
		return
	}
	if c.state == StatePlaying || c.state == StatePaused {
		c.position = c.session.Position()
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	zlog.Debug().Msgf("playback: state %s -> %s", c.state, s)
	c.state = s
	c.publish(EventStateChanged, nil)
}

func (c *Controller) status() Status {
	st := Status{
		State:    c.state,
		Position: c.position,
		Duration: c.duration,
	}
	if c.current != nil {
		t := *c.current
		st.Track = &t
	}
	if c.lastErr != nil {
		st.Err = c.lastErr.Error()
	}
	return st
}

func (c *Controller) publish(typ EventType, err error) {
	c.hub.Publish(Event{Type: typ, Status: c.status(), Err: err})
}
