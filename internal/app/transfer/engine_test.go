package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/domain/track"
	"github.com/osa030/sonicbox/internal/infra/store"
	"github.com/osa030/sonicbox/internal/infra/subsonic"
)

type urlCatalog struct {
	base string
	err  error
}

func (c urlCatalog) DownloadURL(id string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.base + "/rest/download?id=" + id, nil
}

func newTestEngine(t *testing.T, base string) (*Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	e, err := New(Config{
		Directory:        t.TempDir(),
		MaxParallel:      2,
		ProgressInterval: time.Millisecond,
	}, urlCatalog{base: base}, s)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, s
}

// waitFor returns the first event of the given type for id.
func waitFor(t *testing.T, ch <-chan Event, typ EventType, id string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if ev.Type == typ && ev.TrackID == id {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", "%s %s", typ, id)
		}
	}
}

func audioServer(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/flac")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Write(body)
	}))
}

func TestStartDownload_Completes(t *testing.T) {
	body := make([]byte, 64*1024)
	server := audioServer(body)
	defer server.Close()

	e, s := newTestEngine(t, server.URL)
	_, events := e.Subscribe()

	started, err := e.StartDownload(track.Track{ID: "t1", Title: "One", Suffix: "flac"})
	require.NoError(t, err)
	assert.True(t, started)

	ev := waitFor(t, events, EventCompleted, "t1")
	expected := filepath.Join(e.Directory(), "t1.flac")
	assert.Equal(t, expected, ev.Path)

	info, err := os.Stat(expected)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.Size())

	a, ok, err := s.Lookup(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, expected, a.Path)
	assert.Equal(t, int64(len(body)), a.Size)
	assert.Equal(t, "One", a.Track.Title)

	assert.False(t, e.IsActive("t1"))
	assert.Equal(t, 0.0, e.Progress("t1"))
	assert.Empty(t, e.Active())

	downloaded, err := e.IsDownloaded(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, downloaded)
}

func TestStartDownload_OverwritesStaleFile(t *testing.T) {
	server := audioServer([]byte("fresh"))
	defer server.Close()

	e, _ := newTestEngine(t, server.URL)
	stale := filepath.Join(e.Directory(), "t1.mp3")
	require.NoError(t, os.WriteFile(stale, []byte("stale-and-longer"), 0o644))

	_, events := e.Subscribe()
	_, err := e.StartDownload(track.Track{ID: "t1", Suffix: "mp3"})
	require.NoError(t, err)
	waitFor(t, events, EventCompleted, "t1")

	data, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestStartDownload_SuffixFromContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		suffix      string
		want        string
	}{
		{"flac without suffix", "audio/flac", "", "t1.flac"},
		{"content type with params", "audio/mpeg; charset=binary", "", "t1.mp3"},
		{"unknown type falls back", "application/octet-stream", "", "t1.mp3"},
		{"track suffix wins", "audio/flac", "ogg", "t1.ogg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.Write([]byte("audio"))
			}))
			defer server.Close()

			e, s := newTestEngine(t, server.URL)
			_, events := e.Subscribe()
			_, err := e.StartDownload(track.Track{ID: "t1", Suffix: tt.suffix})
			require.NoError(t, err)

			ev := waitFor(t, events, EventCompleted, "t1")
			assert.Equal(t, filepath.Join(e.Directory(), tt.want), ev.Path)

			a, ok, err := s.Lookup(context.Background(), "t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, filepath.Ext(tt.want)[1:], a.Track.FileSuffix())
		})
	}
}

func TestSuffixForMediaType(t *testing.T) {
	assert.Equal(t, "flac", suffixForMediaType("audio/x-flac"))
	assert.Equal(t, "m4a", suffixForMediaType("audio/mp4"))
	assert.Equal(t, "", suffixForMediaType("text/plain"))
	assert.Equal(t, "", suffixForMediaType(""))
}

func TestStartDownload_DuplicateIsNoop(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("audio"))
	}))
	defer server.Close()

	e, _ := newTestEngine(t, server.URL)
	_, events := e.Subscribe()

	first, err := e.StartDownload(track.Track{ID: "dup"})
	require.NoError(t, err)
	second, err := e.StartDownload(track.Track{ID: "dup"})
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, e.Active(), 1)

	close(release)
	waitFor(t, events, EventCompleted, "dup")
	assert.Equal(t, int32(1), requests.Load())
}

func TestCancelDownload_NoAssetProduced(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e, s := newTestEngine(t, server.URL)
	_, events := e.Subscribe()

	_, err := e.StartDownload(track.Track{ID: "c1"})
	require.NoError(t, err)
	e.CancelDownload("c1")
	waitFor(t, events, EventCancelled, "c1")

	assert.False(t, e.IsActive("c1"))
	assert.Equal(t, 0.0, e.Progress("c1"))

	// idempotent
	e.CancelDownload("c1")
	e.CancelDownload("unknown")

	e.Close()
	_, ok, err := s.Lookup(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(e.Directory(), "c1.mp3"))

	partials, _ := filepath.Glob(filepath.Join(e.Directory(), partialDirName, "*.part"))
	assert.Empty(t, partials)
}

func TestStartThenCancel_BackToBack(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("audio"))
	}))
	defer server.Close()
	defer close(release)

	e, s := newTestEngine(t, server.URL)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("bb-%d", i)
		_, err := e.StartDownload(track.Track{ID: id})
		require.NoError(t, err)
		e.CancelDownload(id)
	}
	e.Close()

	assert.Empty(t, e.Active())
	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHandleDone_StaleTokenDiscarded(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e, s := newTestEngine(t, server.URL)

	_, err := e.StartDownload(track.Track{ID: "late"})
	require.NoError(t, err)
	e.mu.Lock()
	oldToken := e.records["late"].token
	e.mu.Unlock()

	e.CancelDownload("late")

	// a completion for the cancelled task arrives afterwards
	tmp := filepath.Join(t.TempDir(), "late.part")
	require.NoError(t, os.WriteFile(tmp, []byte("audio"), 0o644))
	e.handleDone(result{kind: resultDone, id: "late", token: oldToken, tempPath: tmp, size: 5})

	_, ok, err := s.Lookup(context.Background(), "late")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, tmp)
	assert.NoFileExists(t, filepath.Join(e.Directory(), "late.mp3"))
}

func TestHandleDone_TokenOfRestartedDownloadDiscarded(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e, _ := newTestEngine(t, server.URL)

	_, err := e.StartDownload(track.Track{ID: "r"})
	require.NoError(t, err)
	e.mu.Lock()
	oldToken := e.records["r"].token
	e.mu.Unlock()
	e.CancelDownload("r")

	_, err = e.StartDownload(track.Track{ID: "r"})
	require.NoError(t, err)

	e.handleProgress(result{kind: resultProgress, id: "r", token: oldToken, progress: 0.9})
	assert.Equal(t, 0.0, e.Progress("r"))
	assert.True(t, e.IsActive("r"))
}

func TestStartDownload_FailureLeavesNothing(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "subsonic error envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				fmt.Fprint(w, `{"subsonic-response": {"status": "failed", "error": {"code": 70, "message": "not found"}}}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			e, s := newTestEngine(t, server.URL)
			_, events := e.Subscribe()

			_, err := e.StartDownload(track.Track{ID: "f1"})
			require.NoError(t, err)

			ev := waitFor(t, events, EventFailed, "f1")
			assert.Error(t, ev.Err)
			assert.False(t, e.IsActive("f1"))

			all, err := s.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.NoFileExists(t, filepath.Join(e.Directory(), "f1.mp3"))
		})
	}
}

func TestStartDownload_Errors(t *testing.T) {
	s := store.NewMemoryStore()
	e, err := New(Config{Directory: t.TempDir()}, urlCatalog{err: subsonic.ErrNotConfigured}, s)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.StartDownload(track.Track{ID: "x"})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.False(t, e.IsActive("x"))

	_, err = e.StartDownload(track.Track{})
	assert.Error(t, err)
	_, err = e.StartDownload(track.Track{ID: "../escape"})
	assert.Error(t, err)

	e.Close()
	_, err = e.StartDownload(track.Track{ID: "y"})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDeleteAsset(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, "http://unused")
	_, events := e.Subscribe()

	path := filepath.Join(e.Directory(), "d1.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "d1"}, Path: path, Size: 5, DownloadedAt: time.Now()}))

	require.NoError(t, e.DeleteAsset(ctx, "d1"))
	waitFor(t, events, EventDeleted, "d1")
	assert.NoFileExists(t, path)

	_, ok, err := s.Lookup(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	// record with a missing file, then an unknown id
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "d2"}, Path: filepath.Join(e.Directory(), "d2.mp3")}))
	assert.NoError(t, e.DeleteAsset(ctx, "d2"))
	assert.NoError(t, e.DeleteAsset(ctx, "nope"))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, "http://unused")

	kept := filepath.Join(e.Directory(), "keep.mp3")
	require.NoError(t, os.WriteFile(kept, []byte("audio"), 0o644))
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "keep"}, Path: kept}))
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "gone"}, Path: filepath.Join(e.Directory(), "gone.mp3")}))

	partialDir := filepath.Join(e.Directory(), partialDirName)
	require.NoError(t, os.MkdirAll(partialDir, 0o755))
	stray := filepath.Join(partialDir, "old-123.part")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))

	dropped, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.NoFileExists(t, stray)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].ID())
}

func TestWatch_DropsExternallyRemovedFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, s := newTestEngine(t, "http://unused")
	path := filepath.Join(e.Directory(), "w1.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "w1"}, Path: path}))

	watchErr := make(chan error, 1)
	go func() { watchErr <- e.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		_, ok, _ := s.Lookup(ctx, "w1")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-watchErr)
}

func TestProgressWriter(t *testing.T) {
	var reported []float64
	pw := &progressWriter{
		total:    100,
		interval: time.Hour,
		report:   func(p float64) { reported = append(reported, p) },
	}

	pw.Write(make([]byte, 40)) // first write reports, last is zero
	pw.Write(make([]byte, 40)) // throttled
	pw.Write(make([]byte, 20)) // completion always reports

	assert.Equal(t, []float64{0.4, 1.0}, reported)

	unknown := &progressWriter{report: func(float64) { t.Fatal("unexpected report") }}
	unknown.Write(make([]byte, 10))
}
