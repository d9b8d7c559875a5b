// Package orchestrator wires the playback, queue, transfer and now-playing engines together.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/notification"
	"github.com/osa030/sonicbox/internal/app/nowplaying"
	"github.com/osa030/sonicbox/internal/app/playback"
	"github.com/osa030/sonicbox/internal/app/queue"
	"github.com/osa030/sonicbox/internal/app/replenish"
	"github.com/osa030/sonicbox/internal/app/source"
	"github.com/osa030/sonicbox/internal/app/transfer"
	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/domain/track"
	"github.com/osa030/sonicbox/internal/infra/config"
)

// DefaultRandomCount is the number of tracks PlayRandom fetches when none is given.
const DefaultRandomCount = 20

var (
	ErrNoTracks      = errors.New("catalog returned no tracks")
	ErrTrackNotFound = errors.New("track not found")
)

// Catalog is the music server as every engine sees it.
type Catalog interface {
	replenish.Catalog
	source.StreamCatalog
	transfer.Catalog
	nowplaying.ArtworkFetcher
	GetTrack(ctx context.Context, id string) (track.Track, error)
	Configured() bool
	Ping(ctx context.Context) error
}

// Deps are the collaborators the orchestrator is built from.
type Deps struct {
	Config   *config.Config
	Catalog  Catalog
	Store    asset.Store
	Backend  playback.Backend
	Spotify  replenish.SpotifyClient // nil unless the playlist provider is configured
	Surfaces []nowplaying.Surface
}

// Status aggregates the state of every engine.
type Status struct {
	Playback          playback.Status     `json:"playback"`
	Queue             queue.Snapshot      `json:"queue"`
	Transfers         []transfer.Transfer `json:"transfers"`
	CatalogConfigured bool                `json:"catalog_configured"`
}

// Orchestrator owns the engines and relays their events to API subscribers.
type Orchestrator struct {
	config  *config.Config
	catalog Catalog
	store   asset.Store

	resolver  *source.Resolver
	transfers *transfer.Engine
	queue     *queue.Manager
	publisher *nowplaying.Publisher
	playback  *playback.Controller
	hub       *notification.Hub[Event]

	// touched by the relay goroutine only
	playbackEvents <-chan playback.Event
	queueEvents    <-chan queue.Event
	transferEvents <-chan transfer.Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs and wires the engines. Nothing runs until Start.
func New(deps Deps) (*Orchestrator, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.Store == nil {
		return nil, errors.New("asset store is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("media backend is required")
	}

	resolver := source.NewResolver(deps.Store, deps.Catalog)

	transfers, err := transfer.New(transfer.Config{
		Directory:        cfg.Transfer.Directory,
		MaxParallel:      cfg.Transfer.MaxParallel,
		ProgressInterval: config.Millis(cfg.Transfer.ProgressIntervalMs),
	}, deps.Catalog, deps.Store)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transfer engine")
	}

	chain, err := replenish.NewProviderChainFromConfig(cfg.Replenish, deps.Catalog, deps.Spotify)
	if err != nil {
		transfers.Close()
		return nil, errors.Wrap(err, "failed to create replenish chain")
	}

	q := queue.NewManager(queue.Config{
		AutoReplenish:    cfg.Queue.AutoReplenish,
		Threshold:        cfg.Queue.Threshold,
		BatchSize:        cfg.Queue.BatchSize,
		Shuffle:          queue.ShuffleStrategy(cfg.Queue.ShuffleStrategy),
		ReplenishTimeout: config.Millis(cfg.Queue.ReplenishTimeoutMs),
	}, chain)

	surfaces := append([]nowplaying.Surface(nil), deps.Surfaces...)
	if !cfg.NowPlaying.DisableLog {
		surfaces = append(surfaces, nowplaying.NewLogSurface())
	}
	publisher := nowplaying.New(nowplaying.Config{ArtworkSize: cfg.NowPlaying.ArtworkSize}, deps.Catalog, surfaces...)

	controller := playback.New(playback.Config{
		PollInterval:      config.Millis(cfg.Playback.PollIntervalMs),
		PreviousThreshold: config.Millis(cfg.Playback.PreviousThresholdMs),
		SkipInterval:      config.Millis(cfg.Playback.SkipIntervalMs),
		ReplenishWait:     config.Millis(cfg.Playback.ReplenishWaitMs),
	}, deps.Backend, resolver, q, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:    cfg,
		catalog:   deps.Catalog,
		store:     deps.Store,
		resolver:  resolver,
		transfers: transfers,
		queue:     q,
		publisher: publisher,
		playback:  controller,
		hub:       notification.NewHub[Event](256),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start validates the catalog, reconciles downloads and starts the background loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	var err error
	o.startOnce.Do(func() {
		err = o.start(ctx)
	})
	return err
}

func (o *Orchestrator) start(ctx context.Context) error {
	// subscribe first so nothing published during startup is lost
	_, o.playbackEvents = o.playback.Subscribe()
	_, o.queueEvents = o.queue.Subscribe()
	_, o.transferEvents = o.transfers.Subscribe()
	o.wg.Add(1)
	go o.relayLoop()

	if o.catalog.Configured() {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := o.catalog.Ping(pingCtx); err != nil {
			zlog.Warn().Err(err).Msg("orchestrator: catalog ping failed")
		} else {
			zlog.Info().Msg("orchestrator: catalog reachable")
		}
		cancel()
	} else {
		zlog.Warn().Msg("orchestrator: catalog not configured, only downloaded tracks can play")
	}

	dropped, err := o.transfers.Reconcile(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reconcile downloads")
	}
	zlog.Info().Msgf("orchestrator: downloads reconciled dropped=%d", dropped)

	if !o.config.Transfer.DisableWatch {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.transfers.Watch(o.ctx); err != nil {
				zlog.Error().Err(err).Msg("orchestrator: downloads watcher stopped")
			}
		}()
	}
	return nil
}

// Playback returns the playback controller.
func (o *Orchestrator) Playback() *playback.Controller {
	return o.playback
}

// Queue returns the queue manager.
func (o *Orchestrator) Queue() *queue.Manager {
	return o.queue
}

// Transfers returns the transfer engine.
func (o *Orchestrator) Transfers() *transfer.Engine {
	return o.transfers
}

// NowPlaying returns the now-playing publisher.
func (o *Orchestrator) NowPlaying() *nowplaying.Publisher {
	return o.publisher
}

// Status returns a snapshot of every engine.
func (o *Orchestrator) Status() Status {
	return Status{
		Playback:          o.playback.Status(),
		Queue:             o.queue.Snapshot(),
		Transfers:         o.transfers.Active(),
		CatalogConfigured: o.catalog.Configured(),
	}
}

// LookupTrack returns track metadata from the catalog, falling back to the
// snapshot stored with a download when the catalog cannot answer.
func (o *Orchestrator) LookupTrack(ctx context.Context, id string) (track.Track, error) {
	var catalogErr error
	if o.catalog.Configured() {
		t, err := o.catalog.GetTrack(ctx, id)
		if err == nil {
			return t, nil
		}
		catalogErr = err
	}

	a, ok, err := o.store.Lookup(ctx, id)
	if err != nil {
		return track.Track{}, errors.Wrapf(err, "failed to lookup asset %s", id)
	}
	if ok {
		return a.Track, nil
	}
	if catalogErr != nil {
		return track.Track{}, errors.WithSecondaryError(errors.Wrapf(ErrTrackNotFound, "track %s: %v", id, catalogErr), catalogErr)
	}
	return track.Track{}, errors.Wrapf(ErrTrackNotFound, "track %s", id)
}

// LookupTracks resolves every id in order.
func (o *Orchestrator) LookupTracks(ctx context.Context, ids []string) ([]track.Track, error) {
	tracks := make([]track.Track, 0, len(ids))
	for _, id := range ids {
		t, err := o.LookupTrack(ctx, id)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// PlayRandom replaces the queue with n random catalog tracks, turns
// auto-replenishment on and starts the first one.
func (o *Orchestrator) PlayRandom(ctx context.Context, n int) (track.Track, error) {
	if n <= 0 {
		n = DefaultRandomCount
	}
	tracks, err := o.catalog.RandomTracks(ctx, n)
	if err != nil {
		return track.Track{}, errors.Wrap(err, "failed to get random tracks")
	}
	if len(tracks) == 0 {
		return track.Track{}, ErrNoTracks
	}

	o.queue.SetAutoReplenish(true)
	if err := o.playback.PlayTrack(tracks[0], tracks); err != nil {
		return track.Track{}, err
	}
	zlog.Info().Msgf("orchestrator: random playback started tracks=%d", len(tracks))
	return tracks[0], nil
}

// StartDownload looks the track up and hands it to the transfer engine.
// It reports false when the track is already downloading.
func (o *Orchestrator) StartDownload(ctx context.Context, id string) (bool, error) {
	t, err := o.LookupTrack(ctx, id)
	if err != nil {
		return false, err
	}
	return o.transfers.StartDownload(t)
}

// Clear stops playback, empties the queue and turns auto-replenishment off.
func (o *Orchestrator) Clear() error {
	if err := o.playback.Stop(); err != nil {
		return err
	}
	o.queue.Clear()
	o.queue.SetAutoReplenish(false)
	zlog.Info().Msg("orchestrator: cleared")
	return nil
}

// Subscribe registers a subscriber for relayed engine events.
func (o *Orchestrator) Subscribe() (string, <-chan Event) {
	return o.hub.Subscribe()
}

// Unsubscribe removes a subscriber.
func (o *Orchestrator) Unsubscribe(id string) {
	o.hub.Unsubscribe(id)
}

// Close stops every engine in reverse construction order.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.cancel()
		o.playback.Close()
		o.publisher.Close()
		o.queue.Close()
		o.transfers.Close()
		o.wg.Wait()
		o.hub.Close()
		zlog.Info().Msg("orchestrator: closed")
	})
}
