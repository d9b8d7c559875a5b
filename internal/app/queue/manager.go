// Package queue provides the play queue manager.
package queue

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/notification"
	"github.com/osa030/sonicbox/internal/domain/track"
)

// ErrNoSource is returned when replenishment is requested without a track source.
var ErrNoSource = errors.New("no replenishment source configured")

// seedCount is the number of most recent entries passed to the source as seeds.
const seedCount = 5

// Config holds queue manager configuration.
type Config struct {
	AutoReplenish    bool
	Threshold        int // replenish when at most this many entries remain after the current one
	BatchSize        int
	Shuffle          ShuffleStrategy
	ReplenishTimeout time.Duration
}

// ReplenishRequest describes what the queue needs from a source.
type ReplenishRequest struct {
	Count   int
	Seeds   []track.Track       // current entry and the ones played just before it, newest last
	Exclude map[string]struct{} // identifiers already queued
	Queued  []track.Track       // whole queue, in order
}

// Source supplies tracks for replenishment.
type Source interface {
	Replenish(ctx context.Context, req ReplenishRequest) ([]track.Track, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, req ReplenishRequest) ([]track.Track, error)

func (f SourceFunc) Replenish(ctx context.Context, req ReplenishRequest) ([]track.Track, error) {
	return f(ctx, req)
}

// run is one replenishment in flight.
type run struct {
	done  chan struct{}
	added int
	err   error
}

// Manager owns the ordered track list and the current position.
// Invariant: 0 <= index < len(tracks) whenever tracks is non-empty.
type Manager struct {
	mu     sync.Mutex
	tracks []track.Track
	index  int
	mode   Mode
	auto   bool
	epoch  uint64 // bumped whenever the queue is replaced
	config Config
	source Source
	rng    *rand.Rand

	inflight *run

	hub    *notification.Hub[Event]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new queue manager. source may be nil.
func NewManager(config Config, source Source) *Manager {
	if config.Threshold < 0 {
		config.Threshold = 0
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Shuffle == "" {
		config.Shuffle = ShuffleTail
	}
	if config.ReplenishTimeout <= 0 {
		config.ReplenishTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		auto:   config.AutoReplenish,
		config: config,
		source: source,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		hub:    notification.NewHub[Event](64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetSource replaces the replenishment source.
func (m *Manager) SetSource(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
}

// Install replaces the queue. The current index is set to the entry whose
// identifier is startID, or 0 if no such entry exists.
func (m *Manager) Install(tracks []track.Track, startID string) (track.Track, bool) {
	m.mu.Lock()
	m.tracks = slices.Clone(tracks)
	m.index = 0
	if i := track.Index(m.tracks, startID); i >= 0 {
		m.index = i
	}
	m.epoch++
	if m.mode == ModeShuffle && m.config.Shuffle == ShuffleTail {
		m.shuffleUpcomingLocked()
	}
	cur, ok := m.currentLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
	return cur, ok
}

// Enqueue appends tracks to the tail. The current index is unchanged.
func (m *Manager) Enqueue(tracks ...track.Track) {
	if len(tracks) == 0 {
		return
	}
	m.mu.Lock()
	m.tracks = append(m.tracks, tracks...)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
}

// InsertNext inserts a track immediately after the current entry.
func (m *Manager) InsertNext(t track.Track) {
	m.mu.Lock()
	if len(m.tracks) == 0 {
		m.tracks = []track.Track{t}
		m.index = 0
	} else {
		m.tracks = slices.Insert(m.tracks, m.index+1, t)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
}

// RemoveAt removes the entry at i. Removing the current entry is not allowed.
func (m *Manager) RemoveAt(i int) bool {
	m.mu.Lock()
	if i < 0 || i >= len(m.tracks) || i == m.index {
		m.mu.Unlock()
		return false
	}
	m.tracks = slices.Delete(m.tracks, i, i+1)
	if i < m.index {
		m.index--
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
	return true
}

// Move relocates the entry at from to position to. Moving the current entry is not allowed.
// The current index follows the playing entry.
func (m *Manager) Move(from, to int) bool {
	m.mu.Lock()
	n := len(m.tracks)
	if from < 0 || from >= n || to < 0 || to >= n || from == m.index {
		m.mu.Unlock()
		return false
	}
	if from == to {
		m.mu.Unlock()
		return true
	}

	t := m.tracks[from]
	m.tracks = slices.Delete(m.tracks, from, from+1)
	m.tracks = slices.Insert(m.tracks, to, t)

	switch {
	case from < m.index && to >= m.index:
		m.index--
	case from > m.index && to <= m.index:
		m.index++
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
	return true
}

// Advance moves to the next entry and reports whether one exists.
// In repeat-all mode the tail wraps to the head. When auto-replenishment is on
// and at most Threshold entries remain, a replenishment is started in the background.
func (m *Manager) Advance() (track.Track, bool) {
	m.mu.Lock()
	moved := m.advanceLocked()
	var cur track.Track
	if moved {
		cur, _ = m.currentLocked()
	}
	started := m.maybeReplenishLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if moved {
		m.publish(Event{Type: EventChanged, Snapshot: snap})
	}
	m.publishStarted(started, snap)
	return cur, moved
}

// AdvanceAfterEnd selects the entry to play after a natural end of the current one.
// In repeat-one mode the current entry is returned again.
func (m *Manager) AdvanceAfterEnd() (track.Track, bool) {
	m.mu.Lock()
	if m.mode == ModeRepeatOne {
		cur, ok := m.currentLocked()
		m.mu.Unlock()
		return cur, ok
	}
	m.mu.Unlock()
	return m.Advance()
}

func (m *Manager) advanceLocked() bool {
	n := len(m.tracks)
	if n == 0 {
		return false
	}
	if m.index+1 >= n {
		if m.mode == ModeRepeatAll {
			m.index = 0
			return true
		}
		return false
	}
	if m.mode == ModeShuffle && m.config.Shuffle == ShufflePick {
		j := m.index + 1 + m.rng.IntN(n-m.index-1)
		m.tracks[m.index+1], m.tracks[j] = m.tracks[j], m.tracks[m.index+1]
	}
	m.index++
	return true
}

// Regress moves to the previous entry and reports whether one exists.
func (m *Manager) Regress() (track.Track, bool) {
	m.mu.Lock()
	if len(m.tracks) == 0 || m.index == 0 {
		m.mu.Unlock()
		return track.Track{}, false
	}
	m.index--
	cur, _ := m.currentLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
	return cur, true
}

// Select makes the entry at i current.
func (m *Manager) Select(i int) (track.Track, bool) {
	m.mu.Lock()
	if i < 0 || i >= len(m.tracks) {
		m.mu.Unlock()
		return track.Track{}, false
	}
	m.index = i
	cur, _ := m.currentLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
	return cur, true
}

// Current returns the current entry.
func (m *Manager) Current() (track.Track, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() (track.Track, bool) {
	if len(m.tracks) == 0 {
		return track.Track{}, false
	}
	return m.tracks[m.index], true
}

// HasNext reports whether Advance would succeed.
func (m *Manager) HasNext() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.tracks)
	return n > 0 && (m.index+1 < n || m.mode == ModeRepeatAll)
}

// HasPrevious reports whether Regress would succeed.
func (m *Manager) HasPrevious() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks) > 0 && m.index > 0
}

// Snapshot returns a copy of the queue state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Tracks:        slices.Clone(m.tracks),
		Index:         m.index,
		Mode:          m.mode,
		AutoReplenish: m.auto,
		Replenishing:  m.inflight != nil,
	}
}

// Clear empties the queue and disables auto-replenishment.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.tracks = nil
	m.index = 0
	m.auto = false
	m.epoch++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(Event{Type: EventChanged, Snapshot: snap})
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode sets the mode. Setting the current mode again has no effect.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	changed := m.setModeLocked(mode)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		zlog.Info().Msgf("queue: mode=%s", mode)
		m.publish(Event{Type: EventModeChanged, Snapshot: snap})
	}
}

// CycleMode rotates off, repeat-all, repeat-one, shuffle and back to off.
func (m *Manager) CycleMode() Mode {
	m.mu.Lock()
	next := m.mode.Next()
	m.setModeLocked(next)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	zlog.Info().Msgf("queue: mode=%s", next)
	m.publish(Event{Type: EventModeChanged, Snapshot: snap})
	return next
}

func (m *Manager) setModeLocked(mode Mode) bool {
	if mode == m.mode {
		return false
	}
	m.mode = mode
	if mode == ModeShuffle && m.config.Shuffle == ShuffleTail {
		m.shuffleUpcomingLocked()
	}
	return true
}

// shuffleUpcomingLocked reorders the entries after the current one.
func (m *Manager) shuffleUpcomingLocked() {
	if len(m.tracks) < 3 {
		return
	}
	upcoming := m.tracks[m.index+1:]
	m.rng.Shuffle(len(upcoming), func(i, j int) {
		upcoming[i], upcoming[j] = upcoming[j], upcoming[i]
	})
}

// AutoReplenish reports whether auto-replenishment is enabled.
func (m *Manager) AutoReplenish() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auto
}

// SetAutoReplenish enables or disables auto-replenishment.
// The tail length is checked on the next advance.
func (m *Manager) SetAutoReplenish(enabled bool) {
	m.mu.Lock()
	if m.auto == enabled {
		m.mu.Unlock()
		return
	}
	m.auto = enabled
	snap := m.snapshotLocked()
	m.mu.Unlock()

	zlog.Info().Msgf("queue: auto_replenish=%t", enabled)
	m.publish(Event{Type: EventChanged, Snapshot: snap})
}

// RequestReplenishment starts a replenishment unless one is already in flight.
// Requests observed while one is running are dropped. It reports whether a run was started.
func (m *Manager) RequestReplenishment() bool {
	m.mu.Lock()
	_, started := m.startReplenishLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publishStarted(started, snap)
	return started
}

// AwaitReplenishment waits for a replenishment to finish, joining the one in flight
// or starting one if none is. It returns the number of tracks appended by that run.
func (m *Manager) AwaitReplenishment(ctx context.Context) (int, error) {
	m.mu.Lock()
	r, started := m.startReplenishLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if r == nil {
		return 0, ErrNoSource
	}
	m.publishStarted(started, snap)

	select {
	case <-r.done:
		return r.added, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// maybeReplenishLocked starts a replenishment when auto mode is on and the tail is short.
func (m *Manager) maybeReplenishLocked() bool {
	if !m.auto || m.source == nil || m.inflight != nil || m.mode == ModeRepeatAll || len(m.tracks) == 0 {
		return false
	}
	remaining := len(m.tracks) - m.index - 1
	if remaining > m.config.Threshold {
		return false
	}
	_, started := m.startReplenishLocked()
	return started
}

// startReplenishLocked returns the in-flight run, starting one if none is running.
// It returns nil when there is no source.
func (m *Manager) startReplenishLocked() (*run, bool) {
	if m.inflight != nil {
		return m.inflight, false
	}
	if m.source == nil {
		return nil, false
	}

	r := &run{done: make(chan struct{})}
	m.inflight = r

	req := ReplenishRequest{
		Count:   m.config.BatchSize,
		Exclude: make(map[string]struct{}, len(m.tracks)),
		Queued:  slices.Clone(m.tracks),
	}
	for _, t := range m.tracks {
		req.Exclude[t.ID] = struct{}{}
	}
	if len(m.tracks) > 0 {
		lo := max(0, m.index-seedCount+1)
		req.Seeds = slices.Clone(m.tracks[lo : m.index+1])
	}

	source := m.source
	epoch := m.epoch
	m.wg.Add(1)
	go m.replenish(r, source, req, epoch)
	return r, true
}

// replenish runs one request against the source and appends the result.
func (m *Manager) replenish(r *run, source Source, req ReplenishRequest, epoch uint64) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ReplenishTimeout)
	tracks, err := source.Replenish(ctx, req)
	cancel()

	m.mu.Lock()
	switch {
	case err != nil:
		r.err = err
	case m.epoch != epoch:
		// queue was replaced or cleared while the request was running
		zlog.Debug().Msg("queue: dropping replenishment for a replaced queue")
	default:
		if m.mode == ModeShuffle && m.config.Shuffle == ShuffleTail {
			m.rng.Shuffle(len(tracks), func(i, j int) {
				tracks[i], tracks[j] = tracks[j], tracks[i]
			})
		}
		m.tracks = append(m.tracks, tracks...)
		r.added = len(tracks)
	}
	m.inflight = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()
	close(r.done)

	if err != nil {
		zlog.Warn().Err(err).Msg("queue: replenishment failed")
		m.publish(Event{Type: EventReplenishFailed, Snapshot: snap, Err: err})
		return
	}
	zlog.Info().Msgf("queue: replenished added=%d total=%d", r.added, len(snap.Tracks))
	m.publish(Event{Type: EventReplenished, Snapshot: snap, Added: r.added})
}

// Subscribe registers a subscriber for queue events.
func (m *Manager) Subscribe() (string, <-chan Event) {
	return m.hub.Subscribe()
}

// Unsubscribe removes a subscriber.
func (m *Manager) Unsubscribe(id string) {
	m.hub.Unsubscribe(id)
}

// Close aborts any running replenishment and closes subscriptions.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.hub.Close()
}

func (m *Manager) publish(ev Event) {
	m.hub.Publish(ev)
}

func (m *Manager) publishStarted(started bool, snap Snapshot) {
	if started {
		m.publish(Event{Type: EventReplenishStarted, Snapshot: snap})
	}
}
