// Package transfer provides the background download engine.
package transfer

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/notification"
	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/domain/track"
	"github.com/osa030/sonicbox/internal/infra/subsonic"
)

const partialDirName = ".partial"

var (
	// ErrNotConfigured is returned when no download URL can be built.
	ErrNotConfigured = errors.New("download source is not configured")
	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("transfer engine is closed")
)

// Catalog builds download URLs.
type Catalog interface {
	DownloadURL(id string) (string, error)
}

// Config represents transfer engine configuration.
type Config struct {
	Directory        string
	MaxParallel      int
	ProgressInterval time.Duration
	HTTPClient       *http.Client
}

// record is the live state of one in-flight download.
type record struct {
	track     track.Track
	token     uint64
	cancel    context.CancelFunc
	progress  float64
	startedAt time.Time
}

type resultKind int

const (
	resultProgress resultKind = iota
	resultDone
	resultFailed
)

// result is what a transfer goroutine reports back to the engine loop.
type result struct {
	kind     resultKind
	id       string
	token    uint64
	progress float64
	tempPath string
	size     int64
	suffix   string // derived from Content-Type when the track has none
	err      error
}

// Engine manages concurrent background downloads.
// Transfer goroutines never touch the record map; they report through the results channel.
type Engine struct {
	dir              string
	progressInterval time.Duration
	httpClient       *http.Client
	catalog          Catalog
	store            asset.Store

	mu        sync.Mutex
	records   map[string]*record
	nextToken uint64
	closed    bool

	sem      chan struct{}
	results  chan result
	hub      *notification.Hub[Event]
	done     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a new transfer engine and starts its result loop.
func New(cfg Config, catalog Catalog, store asset.Store) (*Engine, error) {
	if cfg.Directory == "" {
		return nil, errors.New("download directory is required")
	}
	if store == nil {
		return nil, errors.New("asset store is required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		// no overall timeout; transfers are bounded by cancellation
		cfg.HTTPClient = &http.Client{}
	}

	e := &Engine{
		dir:              cfg.Directory,
		progressInterval: cfg.ProgressInterval,
		httpClient:       cfg.HTTPClient,
		catalog:          catalog,
		store:            store,
		records:          make(map[string]*record),
		sem:              make(chan struct{}, cfg.MaxParallel),
		results:          make(chan result, 128),
		hub:              notification.NewHub[Event](256),
		done:             make(chan struct{}),
		loopDone:         make(chan struct{}),
		now:              time.Now,
	}
	go e.loop()
	return e, nil
}

// Directory returns the downloads directory.
func (e *Engine) Directory() string {
	return e.dir
}

// StartDownload begins an asynchronous download of the track.
// It returns false without error when a download for the same identifier is already in flight.
func (e *Engine) StartDownload(t track.Track) (bool, error) {
	if err := validateID(t.ID); err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if _, exists := e.records[t.ID]; exists {
		e.mu.Unlock()
		return false, nil
	}

	downloadURL, err := e.catalog.DownloadURL(t.ID)
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, subsonic.ErrNotConfigured) {
			return false, ErrNotConfigured
		}
		return false, errors.Wrapf(err, "failed to build download url for %s", t.ID)
	}

	e.nextToken++
	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		track:     t,
		token:     e.nextToken,
		cancel:    cancel,
		startedAt: e.now(),
	}
	e.records[t.ID] = rec
	e.wg.Add(1)
	e.mu.Unlock()

	zlog.Info().Msgf("transfer: started id=%s title=%q", t.ID, t.Title)
	e.publish(Event{Type: EventStarted, TrackID: t.ID, Track: t})

	go e.transfer(ctx, rec.track, rec.token, downloadURL)
	return true, nil
}

// CancelDownload stops an in-flight download. Unknown identifiers are ignored.
func (e *Engine) CancelDownload(id string) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if ok {
		delete(e.records, id)
		rec.cancel()
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	zlog.Info().Msgf("transfer: cancelled id=%s", id)
	e.publish(Event{Type: EventCancelled, TrackID: id, Track: rec.track, Progress: rec.progress})
}

// Progress returns the last known progress fraction for id, or 0 if unknown.
func (e *Engine) Progress(id string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.records[id]; ok {
		return rec.progress
	}
	return 0
}

// IsActive reports whether a download for id is in flight.
func (e *Engine) IsActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.records[id]
	return ok
}

// Active returns a snapshot of in-flight downloads ordered by start time.
func (e *Engine) Active() []Transfer {
	e.mu.Lock()
	out := make([]Transfer, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, Transfer{Track: rec.track, Progress: rec.progress, StartedAt: rec.startedAt})
	}
	e.mu.Unlock()

	sortTransfers(out)
	return out
}

// Downloads returns all persisted assets.
func (e *Engine) Downloads(ctx context.Context) ([]asset.Asset, error) {
	return e.store.List(ctx)
}

// IsDownloaded reports whether a persisted asset exists for id.
func (e *Engine) IsDownloaded(ctx context.Context, id string) (bool, error) {
	_, ok, err := e.store.Lookup(ctx, id)
	return ok, err
}

// DeleteAsset removes the local file (a missing file is not an error) and the asset record.
func (e *Engine) DeleteAsset(ctx context.Context, id string) error {
	a, ok, err := e.store.Lookup(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to lookup asset %s", id)
	}

	path := filepath.Join(e.dir, track.Track{ID: id}.FileName())
	if ok && a.Path != "" {
		path = a.Path
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zlog.Warn().Err(err).Msgf("transfer: failed to remove file path=%s", path)
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "failed to delete asset %s", id)
	}
	if ok {
		zlog.Info().Msgf("transfer: deleted id=%s path=%s", id, path)
		e.publish(Event{Type: EventDeleted, TrackID: id, Track: a.Track, Path: path})
	}
	return nil
}

// Subscribe registers a subscriber for transfer events.
func (e *Engine) Subscribe() (string, <-chan Event) {
	return e.hub.Subscribe()
}

// Unsubscribe removes a subscriber.
func (e *Engine) Unsubscribe(id string) {
	e.hub.Unsubscribe(id)
}

// Close cancels all in-flight downloads and stops the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, rec := range e.records {
		rec.cancel()
		delete(e.records, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	close(e.done)
	<-e.loopDone
	e.hub.Close()
}

func (e *Engine) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.hub.Publish(ev)
}

// loop drains transfer results and applies them to the record map.
func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case r := <-e.results:
			e.handle(r)
		case <-e.done:
			// drain what the finished transfers left behind
			for {
				select {
				case r := <-e.results:
					e.handle(r)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handle(r result) {
	switch r.kind {
	case resultProgress:
		e.handleProgress(r)
	case resultDone:
		e.handleDone(r)
	case resultFailed:
		e.handleFailed(r)
	}
}

// live returns the record for id if it still belongs to the transfer holding token.
// Callers must hold e.mu.
func (e *Engine) live(id string, token uint64) (*record, bool) {
	rec, ok := e.records[id]
	if !ok || rec.token != token {
		return nil, false
	}
	return rec, true
}

func (e *Engine) handleProgress(r result) {
	e.mu.Lock()
	rec, ok := e.live(r.id, r.token)
	if ok {
		rec.progress = r.progress
	}
	e.mu.Unlock()

	if ok {
		e.publish(Event{Type: EventProgress, TrackID: r.id, Track: rec.track, Progress: r.progress})
	}
}

func (e *Engine) handleDone(r result) {
	e.mu.Lock()
	rec, ok := e.live(r.id, r.token)
	if !ok {
		e.mu.Unlock()
		removeQuietly(r.tempPath)
		zlog.Debug().Msgf("transfer: discarded stale completion id=%s", r.id)
		return
	}

	// The move and the insert happen under the lock so a concurrent cancel
	// observes either "in flight" or "downloaded", never both.
	delete(e.records, r.id)
	t := rec.track
	if t.Suffix == "" && r.suffix != "" {
		t.Suffix = r.suffix
	}
	a, err := e.persist(t, r.tempPath, r.size)
	e.mu.Unlock()

	if err != nil {
		removeQuietly(r.tempPath)
		zlog.Error().Err(err).Msgf("transfer: failed to persist id=%s", r.id)
		e.publish(Event{Type: EventFailed, TrackID: r.id, Track: rec.track, Err: err})
		return
	}

	zlog.Info().Msgf("transfer: completed id=%s path=%s size=%d", r.id, a.Path, a.Size)
	e.publish(Event{Type: EventCompleted, TrackID: r.id, Track: a.Track, Progress: 1, Path: a.Path})
}

func (e *Engine) handleFailed(r result) {
	removeQuietly(r.tempPath)

	e.mu.Lock()
	rec, ok := e.live(r.id, r.token)
	if ok {
		delete(e.records, r.id)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	zlog.Warn().Err(r.err).Msgf("transfer: failed id=%s", r.id)
	e.publish(Event{Type: EventFailed, TrackID: r.id, Track: rec.track, Progress: rec.progress, Err: r.err})
}

// persist moves the finished file into place and writes the asset record.
func (e *Engine) persist(t track.Track, tempPath string, size int64) (asset.Asset, error) {
	finalPath := filepath.Join(e.dir, t.FileName())
	if err := os.Rename(tempPath, finalPath); err != nil {
		// some platforms refuse to rename over an existing file
		if rmErr := os.Remove(finalPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return asset.Asset{}, errors.Wrap(err, "failed to move downloaded file")
		}
		if err := os.Rename(tempPath, finalPath); err != nil {
			return asset.Asset{}, errors.Wrap(err, "failed to move downloaded file")
		}
	}

	a := asset.Asset{
		Track:        t,
		Path:         finalPath,
		Size:         size,
		DownloadedAt: e.now(),
	}
	if err := e.store.Insert(context.Background(), a); err != nil {
		removeQuietly(finalPath)
		return asset.Asset{}, errors.Wrap(err, "failed to save asset record")
	}
	return a, nil
}

// transfer runs one download. It reports exactly one terminal result.
func (e *Engine) transfer(ctx context.Context, t track.Track, token uint64, downloadURL string) {
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.report(result{kind: resultFailed, id: t.ID, token: token, err: ctx.Err()})
		return
	}

	tempPath, size, suffix, err := e.fetch(ctx, t, token, downloadURL)
	if err != nil {
		e.report(result{kind: resultFailed, id: t.ID, token: token, tempPath: tempPath, err: err})
		return
	}
	e.report(result{kind: resultDone, id: t.ID, token: token, tempPath: tempPath, size: size, suffix: suffix})
}

// fetch streams the download into a partial file and returns its path,
// its size and the file suffix implied by the response Content-Type.
func (e *Engine) fetch(ctx context.Context, t track.Track, token uint64, downloadURL string) (string, int64, string, error) {
	partialDir := filepath.Join(e.dir, partialDirName)
	if err := os.MkdirAll(partialDir, 0o755); err != nil {
		return "", 0, "", errors.Wrap(err, "failed to create downloads directory")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", 0, "", errors.Wrap(err, "failed to create request")
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", 0, "", errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, "", &subsonic.HTTPError{StatusCode: resp.StatusCode}
	}
	// Subsonic servers report errors as a JSON envelope with status 200.
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" || mediaType == "text/xml" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, "", errors.Newf("server returned an error instead of audio: %s", strings.TrimSpace(string(body)))
	}

	f, err := os.CreateTemp(partialDir, t.ID+"-*.part")
	if err != nil {
		return "", 0, "", errors.Wrap(err, "failed to create partial file")
	}
	tempPath := f.Name()

	total := resp.ContentLength
	if total <= 0 {
		total = t.Size
	}
	pw := &progressWriter{
		total:    total,
		interval: e.progressInterval,
		report: func(p float64) {
			e.tryReport(result{kind: resultProgress, id: t.ID, token: token, progress: p})
		},
	}

	written, copyErr := io.Copy(f, io.TeeReader(resp.Body, pw))
	closeErr := f.Close()
	if copyErr != nil {
		return tempPath, 0, "", errors.Wrap(copyErr, "failed to write download")
	}
	if closeErr != nil {
		return tempPath, 0, "", errors.Wrap(closeErr, "failed to close partial file")
	}
	return tempPath, written, suffixForMediaType(mediaType), nil
}

var audioSuffixes = map[string]string{
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"audio/ogg":    "ogg",
	"audio/vorbis": "ogg",
	"audio/opus":   "opus",
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/mp4":    "m4a",
	"audio/x-m4a":  "m4a",
	"audio/aac":    "aac",
}

// suffixForMediaType maps an audio media type to a file suffix, or "" when unknown.
func suffixForMediaType(mediaType string) string {
	if s, ok := audioSuffixes[mediaType]; ok {
		return s
	}
	if !strings.HasPrefix(mediaType, "audio/") {
		return ""
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}

// report delivers a terminal result, giving up only when the engine is shutting down.
func (e *Engine) report(r result) {
	select {
	case e.results <- r:
	case <-e.done:
		removeQuietly(r.tempPath)
	}
}

// tryReport delivers a progress result if there is room.
func (e *Engine) tryReport(r result) {
	select {
	case e.results <- r:
	default:
	}
}

// progressWriter counts bytes and reports throttled progress fractions.
type progressWriter struct {
	total    int64
	written  int64
	interval time.Duration
	last     time.Time
	report   func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}
	now := time.Now()
	if p.written < p.total && now.Sub(p.last) < p.interval {
		return len(b), nil
	}
	p.last = now

	fraction := float64(p.written) / float64(p.total)
	if fraction > 1 {
		fraction = 1
	}
	p.report(fraction)
	return len(b), nil
}

// validateID rejects identifiers that cannot be used as a file name.
func validateID(id string) error {
	if id == "" {
		return errors.New("track id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.Newf("track id %q cannot be used as a file name", id)
	}
	return nil
}

func sortTransfers(ts []Transfer) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].StartedAt.Equal(ts[j].StartedAt) {
			return ts[i].Track.ID < ts[j].Track.ID
		}
		return ts[i].StartedAt.Before(ts[j].StartedAt)
	})
}

func removeQuietly(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zlog.Warn().Err(err).Msgf("transfer: failed to remove path=%s", path)
	}
}
