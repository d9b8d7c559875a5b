// Package nowplaying mirrors playback state onto external now-playing surfaces.
package nowplaying

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/domain/track"
)

const (
	artworkTimeout  = 10 * time.Second
	artworkCacheCap = 32
)

// Snapshot is what a surface displays.
type Snapshot struct {
	TrackID     string        `json:"track_id"`
	Title       string        `json:"title"`
	Artist      string        `json:"artist,omitempty"`
	Album       string        `json:"album,omitempty"`
	Duration    time.Duration `json:"duration"`
	Elapsed     time.Duration `json:"elapsed"`
	Playing     bool          `json:"playing"`
	Artwork     []byte        `json:"-"`
	ArtworkType string        `json:"artwork_type,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// HasArtwork reports whether artwork has been attached.
func (s Snapshot) HasArtwork() bool {
	return len(s.Artwork) > 0
}

// Surface is an external now-playing display.
type Surface interface {
	Update(s Snapshot) error
	Clear() error
}

// ArtworkFetcher fetches cover art bytes.
type ArtworkFetcher interface {
	FetchCoverArt(ctx context.Context, ref string, size int) ([]byte, string, error)
}

// Config holds publisher configuration.
type Config struct {
	ArtworkSize int // 0 means 600
}

type artwork struct {
	data        []byte
	contentType string
}

// Publisher pushes snapshots to surfaces from its own goroutine. Callers never
// block: updates coalesce and the surfaces always receive the latest state.
type Publisher struct {
	config   Config
	fetcher  ArtworkFetcher
	surfaces []Surface

	mu      sync.Mutex
	current Snapshot
	active  bool
	cache   map[string]artwork
	order   []string // cache keys, oldest first
	pending map[string]struct{}

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a publisher and starts its worker. fetcher may be nil.
func New(config Config, fetcher ArtworkFetcher, surfaces ...Surface) *Publisher {
	if config.ArtworkSize <= 0 {
		config.ArtworkSize = 600
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		config:   config,
		fetcher:  fetcher,
		surfaces: surfaces,
		cache:    make(map[string]artwork),
		pending:  make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish sets the playing track and its progress.
func (p *Publisher) Publish(t track.Track, elapsed, duration time.Duration, playing bool) {
	p.mu.Lock()
	p.current = Snapshot{
		TrackID:   t.ID,
		Title:     t.Title,
		Artist:    t.Artist,
		Album:     t.Album,
		Duration:  duration,
		Elapsed:   elapsed,
		Playing:   playing,
		UpdatedAt: time.Now(),
	}
	p.active = true
	fetch := false
	if t.CoverArt != "" {
		if art, ok := p.cache[t.CoverArt]; ok {
			p.current.Artwork = art.data
			p.current.ArtworkType = art.contentType
		} else if _, inflight := p.pending[t.CoverArt]; !inflight && p.fetcher != nil {
			p.pending[t.CoverArt] = struct{}{}
			fetch = true
		}
	}
	p.mu.Unlock()

	p.kick()
	if fetch {
		p.wg.Add(1)
		go p.fetchArtwork(t.ID, t.CoverArt)
	}
}

// UpdateProgress updates elapsed time and the playing flag of the current snapshot.
func (p *Publisher) UpdateProgress(elapsed, duration time.Duration, playing bool) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.current.Elapsed = elapsed
	if duration > 0 {
		p.current.Duration = duration
	}
	p.current.Playing = playing
	p.current.UpdatedAt = time.Now()
	p.mu.Unlock()
	p.kick()
}

// Clear removes the now-playing state.
func (p *Publisher) Clear() {
	p.mu.Lock()
	p.current = Snapshot{}
	p.active = false
	p.mu.Unlock()
	p.kick()
}

// Current returns the latest snapshot.
func (p *Publisher) Current() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.active
}

// Close stops the worker and any artwork fetches.
func (p *Publisher) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Publisher) kick() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.signal:
			p.flush()
		}
	}
}

func (p *Publisher) flush() {
	p.mu.Lock()
	snap, active := p.current, p.active
	p.mu.Unlock()

	for _, s := range p.surfaces {
		var err error
		if active {
			err = s.Update(snap)
		} else {
			err = s.Clear()
		}
		if err != nil {
			zlog.Debug().Err(err).Msg("nowplaying: surface update failed")
		}
	}
}

func (p *Publisher) fetchArtwork(trackID, ref string) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, artworkTimeout)
	data, contentType, err := p.fetcher.FetchCoverArt(ctx, ref, p.config.ArtworkSize)
	cancel()

	p.mu.Lock()
	delete(p.pending, ref)
	if err != nil || len(data) == 0 {
		p.mu.Unlock()
		if err != nil && p.ctx.Err() == nil {
			zlog.Warn().Err(err).Msgf("nowplaying: artwork fetch failed cover=%s", ref)
		}
		return
	}
	p.storeLocked(ref, artwork{data: data, contentType: contentType})
	attach := p.active && p.current.TrackID == trackID
	if attach {
		p.current.Artwork = data
		p.current.ArtworkType = contentType
	}
	p.mu.Unlock()

	if attach {
		p.kick()
	}
}

func (p *Publisher) storeLocked(ref string, art artwork) {
	if _, ok := p.cache[ref]; !ok {
		p.order = append(p.order, ref)
	}
	p.cache[ref] = art
	for len(p.order) > artworkCacheCap {
		delete(p.cache, p.order[0])
		p.order = p.order[1:]
	}
}
