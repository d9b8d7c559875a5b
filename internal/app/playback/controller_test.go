package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/sonicbox/internal/app/queue"
	"github.com/osa030/sonicbox/internal/app/source"
	"github.com/osa030/sonicbox/internal/domain/track"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeSession struct {
	mu       sync.Mutex
	location string
	cb       Callbacks
	playing  bool
	closed   bool
	position time.Duration
	seeks    []time.Duration
}

func (s *fakeSession) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

func (s *fakeSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	return nil
}

func (s *fakeSession) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = pos
	s.seeks = append(s.seeks, pos)
	return nil
}

func (s *fakeSession) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) setPosition(pos time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = pos
}

func (s *fakeSession) isPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) seekLog() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.seeks...)
}

func (s *fakeSession) ready(d time.Duration) { s.cb.OnReady(d) }
func (s *fakeSession) end()                  { s.cb.OnEnded() }

type fakeBackend struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErr  error
}

func (b *fakeBackend) Open(location string, cb Callbacks) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeSession{location: location, cb: cb}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// session waits for the n-th (1-based) session to be opened.
func (b *fakeBackend) session(t *testing.T, n int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return b.count() >= n }, waitFor, tick, "session %d never opened", n)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[n-1]
}

type fakeResolver struct {
	unavailable map[string]bool
	errs        map[string]error
}

func (r fakeResolver) Resolve(_ context.Context, id string) (source.Source, error) {
	if err := r.errs[id]; err != nil {
		return source.Source{}, err
	}
	if r.unavailable[id] {
		return source.Source{Kind: source.Unavailable}, nil
	}
	return source.Source{Kind: source.RemoteStream, Location: "stream://" + id}, nil
}

type recordingNowPlaying struct {
	mu        sync.Mutex
	published []string
	cleared   int
	lastPos   time.Duration
}

func (n *recordingNowPlaying) Publish(t track.Track, elapsed, _ time.Duration, _ bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, t.ID)
	n.lastPos = elapsed
}

func (n *recordingNowPlaying) UpdateProgress(elapsed, _ time.Duration, _ bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastPos = elapsed
}

func (n *recordingNowPlaying) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared++
}

func (n *recordingNowPlaying) snapshot() ([]string, int, time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.published...), n.cleared, n.lastPos
}

func tracks(ids ...string) []track.Track {
	out := make([]track.Track, len(ids))
	for i, id := range ids {
		out[i] = track.Track{ID: id, Title: "Title " + id, Duration: 3 * time.Minute}
	}
	return out
}

type harness struct {
	ctrl    *Controller
	backend *fakeBackend
	queue   *queue.Manager
	np      *recordingNowPlaying
}

func newHarness(t *testing.T, qcfg queue.Config, src queue.Source, resolver Resolver) *harness {
	t.Helper()
	if resolver == nil {
		resolver = fakeResolver{}
	}
	h := &harness{
		backend: &fakeBackend{},
		queue:   queue.NewManager(qcfg, src),
		np:      &recordingNowPlaying{},
	}
	h.ctrl = New(Config{PollInterval: time.Hour}, h.backend, resolver, h.queue, h.np)
	t.Cleanup(func() {
		h.ctrl.Close()
		h.queue.Close()
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = h.ctrl.Status()
		return st.State == want
	}, waitFor, tick, "state never became %s", want)
	return st
}

func TestController_PlaysQueueToEnd(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A", "B", "C")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	assert.Equal(t, StateLoading, h.ctrl.Status().State)

	for i, id := range []string{"A", "B", "C"} {
		s := h.backend.session(t, i+1)
		assert.Equal(t, "stream://"+id, s.location)
		s.ready(2 * time.Minute)
		st := h.waitState(t, StatePlaying)
		require.NotNil(t, st.Track)
		assert.Equal(t, id, st.Track.ID)
		assert.Equal(t, 2*time.Minute, st.Duration)
		assert.True(t, s.isPlaying())
		s.end()
	}

	st := h.waitState(t, StateIdle)
	assert.Nil(t, st.Track)
	assert.Zero(t, st.Position)
	assert.Equal(t, 3, h.backend.count())

	published, cleared, _ := h.np.snapshot()
	assert.Equal(t, []string{"A", "B", "C"}, published)
	assert.GreaterOrEqual(t, cleared, 1)
}

func TestController_Previous(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A", "B", "C")

	require.NoError(t, h.ctrl.PlayTrack(list[1], list))
	s := h.backend.session(t, 1)
	s.ready(0)
	h.waitState(t, StatePlaying)

	// past the threshold: restart the current track
	s.setPosition(5 * time.Second)
	require.NoError(t, h.ctrl.Previous())
	assert.Equal(t, []time.Duration{0}, s.seekLog())
	assert.Equal(t, 1, h.backend.count())
	assert.Equal(t, "B", h.ctrl.Status().Track.ID)

	// within the threshold: go to the prior track
	s.setPosition(1 * time.Second)
	require.NoError(t, h.ctrl.Previous())
	assert.True(t, s.isClosed())
	a := h.backend.session(t, 2)
	assert.Equal(t, "stream://A", a.location)
	assert.Equal(t, 0, h.queue.Snapshot().Index)

	// at the head: restart
	a.ready(0)
	h.waitState(t, StatePlaying)
	a.setPosition(time.Second)
	require.NoError(t, h.ctrl.Previous())
	assert.Equal(t, []time.Duration{0}, a.seekLog())
	assert.Equal(t, 2, h.backend.count())
}

func TestController_ReplenishesAtTail(t *testing.T) {
	var calls int
	var mu sync.Mutex
	src := queue.SourceFunc(func(_ context.Context, req queue.ReplenishRequest) ([]track.Track, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return tracks("C", "D"), nil
	})
	h := newHarness(t, queue.Config{AutoReplenish: true, Threshold: 1, BatchSize: 2}, src, nil)
	list := tracks("A", "B")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	a := h.backend.session(t, 1)
	a.ready(0)
	h.waitState(t, StatePlaying)
	a.end()

	b := h.backend.session(t, 2)
	assert.Equal(t, "stream://B", b.location)
	b.ready(0)
	h.waitState(t, StatePlaying)

	require.Eventually(t, func() bool {
		return len(h.queue.Snapshot().Tracks) == 4
	}, waitFor, tick)
	assert.Equal(t, []string{"A", "B", "C", "D"}, track.IDs(h.queue.Snapshot().Tracks))
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	b.end()
	c := h.backend.session(t, 3)
	assert.Equal(t, "stream://C", c.location)
}

func TestController_WaitsForReplenishmentAtEnd(t *testing.T) {
	release := make(chan struct{})
	src := queue.SourceFunc(func(ctx context.Context, _ queue.ReplenishRequest) ([]track.Track, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tracks("X"), nil
	})
	h := newHarness(t, queue.Config{AutoReplenish: true, Threshold: 0, BatchSize: 1}, src, nil)
	list := tracks("A")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	a := h.backend.session(t, 1)
	a.ready(0)
	h.waitState(t, StatePlaying)
	a.end()

	h.waitState(t, StateEnded)
	close(release)

	x := h.backend.session(t, 2)
	assert.Equal(t, "stream://X", x.location)
}

func TestController_PlayWhileAwaitingReplenishment(t *testing.T) {
	release := make(chan struct{})
	src := queue.SourceFunc(func(ctx context.Context, _ queue.ReplenishRequest) ([]track.Track, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tracks("X"), nil
	})
	h := newHarness(t, queue.Config{AutoReplenish: true, Threshold: 0, BatchSize: 1}, src, nil)
	list := tracks("A")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	a := h.backend.session(t, 1)
	a.ready(0)
	h.waitState(t, StatePlaying)
	a.end()
	h.waitState(t, StateEnded)

	// the ended track is not reloaded
	require.NoError(t, h.ctrl.Play())
	assert.Equal(t, 1, h.backend.count())
	assert.Equal(t, StateEnded, h.ctrl.Status().State)

	close(release)
	x := h.backend.session(t, 2)
	assert.Equal(t, "stream://X", x.location)
	assert.Equal(t, 2, h.backend.count())
}

func TestController_ReplenishmentWithNoResultsSettlesIdle(t *testing.T) {
	src := queue.SourceFunc(func(context.Context, queue.ReplenishRequest) ([]track.Track, error) {
		return nil, nil
	})
	h := newHarness(t, queue.Config{AutoReplenish: true, BatchSize: 1}, src, nil)
	list := tracks("A")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	a := h.backend.session(t, 1)
	a.ready(0)
	h.waitState(t, StatePlaying)
	a.end()

	st := h.waitState(t, StateIdle)
	assert.Nil(t, st.Track)
	assert.Equal(t, 1, h.backend.count())
}

func TestController_RepeatOne(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	h.queue.SetMode(queue.ModeRepeatOne)
	list := tracks("A", "B")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	a := h.backend.session(t, 1)
	a.ready(0)
	h.waitState(t, StatePlaying)
	a.end()

	again := h.backend.session(t, 2)
	assert.Equal(t, "stream://A", again.location)
}

func TestController_PauseResume(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A")

	assert.ErrorIs(t, h.ctrl.Pause(), ErrNotPlaying)
	assert.ErrorIs(t, h.ctrl.Resume(), ErrNotPaused)
	assert.ErrorIs(t, h.ctrl.Play(), ErrNoTrack)

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	s := h.backend.session(t, 1)
	s.ready(0)
	h.waitState(t, StatePlaying)

	require.NoError(t, h.ctrl.TogglePlayPause())
	assert.Equal(t, StatePaused, h.ctrl.Status().State)
	assert.False(t, s.isPlaying())

	require.NoError(t, h.ctrl.TogglePlayPause())
	assert.Equal(t, StatePlaying, h.ctrl.Status().State)
	assert.True(t, s.isPlaying())

	require.NoError(t, h.ctrl.Pause())
	require.NoError(t, h.ctrl.Resume())
	assert.Equal(t, StatePlaying, h.ctrl.Status().State)
}

func TestController_SeekAndSkip(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A")

	assert.ErrorIs(t, h.ctrl.Seek(time.Second), ErrNoTrack)

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	s := h.backend.session(t, 1)
	s.ready(time.Minute)
	h.waitState(t, StatePlaying)

	require.NoError(t, h.ctrl.Seek(30*time.Second))
	_, _, pos := h.np.snapshot()
	assert.Equal(t, 30*time.Second, pos)

	// Seek passes the position through unclamped
	require.NoError(t, h.ctrl.Seek(2*time.Minute))
	assert.Equal(t, 2*time.Minute, s.Position())
	require.NoError(t, h.ctrl.Seek(30*time.Second))

	require.NoError(t, h.ctrl.SkipForward(0))
	assert.Equal(t, 45*time.Second, s.Position())

	// clamped to duration
	require.NoError(t, h.ctrl.SkipForward(time.Hour))
	assert.Equal(t, time.Minute, s.Position())

	require.NoError(t, h.ctrl.SkipBackward(10*time.Second))
	assert.Equal(t, 50*time.Second, s.Position())

	// clamped to zero
	require.NoError(t, h.ctrl.SkipBackward(time.Hour))
	assert.Equal(t, time.Duration(0), s.Position())
}

func TestController_Next(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A", "B")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	require.NoError(t, h.ctrl.Next())
	b := h.backend.session(t, 2)
	assert.Equal(t, "stream://B", b.location)
	assert.True(t, h.backend.session(t, 1).isClosed())

	assert.ErrorIs(t, h.ctrl.Next(), ErrNoNextTrack)
}

func TestController_PlayIndex(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A", "B", "C")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	require.NoError(t, h.ctrl.PlayIndex(2))
	assert.Equal(t, "stream://C", h.backend.session(t, 2).location)
	assert.Equal(t, 2, h.queue.Snapshot().Index)

	assert.ErrorIs(t, h.ctrl.PlayIndex(5), ErrNoTrack)
}

func TestController_PlayTrackOutsideList(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A", "B")
	other := tracks("Z")[0]

	require.NoError(t, h.ctrl.PlayTrack(other, list))
	assert.Equal(t, []string{"Z"}, track.IDs(h.queue.Snapshot().Tracks))
}

func TestController_StaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A", "B")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	a := h.backend.session(t, 1)
	require.NoError(t, h.ctrl.Next())
	b := h.backend.session(t, 2)

	// A finishing loading after B replaced it must not start playback.
	a.ready(0)
	a.end()
	st := h.ctrl.Status()
	assert.Equal(t, StateLoading, st.State)
	assert.Equal(t, "B", st.Track.ID)

	b.ready(0)
	h.waitState(t, StatePlaying)
	assert.False(t, a.isPlaying())
}

func TestController_SourceUnavailable(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, fakeResolver{unavailable: map[string]bool{"A": true}})
	list := tracks("A")

	err := h.ctrl.PlayTrack(list[0], list)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	st := h.ctrl.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.NotEmpty(t, st.Err)
	assert.Zero(t, h.backend.count())
}

func TestController_ResolverError(t *testing.T) {
	lookupErr := errors.New("store locked")
	h := newHarness(t, queue.Config{}, nil, fakeResolver{errs: map[string]error{"A": lookupErr}})
	list := tracks("A")

	err := h.ctrl.PlayTrack(list[0], list)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "store locked")
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
}

func TestController_OpenAndLoadFailures(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A")

	h.backend.openErr = errors.New("decoder missing")
	err := h.ctrl.PlayTrack(list[0], list)
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Contains(t, err.Error(), "decoder missing")
	assert.Equal(t, StateIdle, h.ctrl.Status().State)

	h.backend.mu.Lock()
	h.backend.openErr = nil
	h.backend.mu.Unlock()

	require.NoError(t, h.ctrl.Play())
	s := h.backend.session(t, 1)
	s.cb.OnFailed(errors.New("corrupt frame"))
	st := h.waitState(t, StateIdle)
	assert.Contains(t, st.Err, "corrupt frame")
}

func TestController_Stop(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	list := tracks("A")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	s := h.backend.session(t, 1)
	s.ready(0)
	h.waitState(t, StatePlaying)

	require.NoError(t, h.ctrl.Stop())
	st := h.ctrl.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.Track)
	assert.True(t, s.isClosed())

	// a late end from the stopped session is ignored
	s.end()
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
}

func TestController_Events(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	_, ch := h.ctrl.Subscribe()
	list := tracks("A")

	require.NoError(t, h.ctrl.PlayTrack(list[0], list))
	h.backend.session(t, 1).ready(0)

	var types []EventType
	timeout := time.After(waitFor)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []EventType{EventStateChanged, EventStateChanged, EventTrackStarted}, types)
}

func TestController_Closed(t *testing.T) {
	h := newHarness(t, queue.Config{}, nil, nil)
	h.ctrl.Close()
	h.ctrl.Close()

	assert.ErrorIs(t, h.ctrl.Play(), ErrClosed)
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "progress", EventProgress.String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateIdle, StateLoading, StatePlaying, StatePaused, StateEnded} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
}
