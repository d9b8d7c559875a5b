package source

import (
	"context"
	"os"
	"path/filepath"
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

type fakeCatalog struct {
	err error
}

func (f fakeCatalog) StreamURL(id string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://music.example.com/rest/stream?id=" + id, nil
}

func TestResolve_LocalWins(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "a"}, Path: path, DownloadedAt: time.Now()}))

	r := NewResolver(s, fakeCatalog{})
	src, err := r.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, LocalFile, src.Kind)
	assert.Equal(t, path, src.Location)
}

func TestResolve_RemoteWhenNotDownloaded(t *testing.T) {
	r := NewResolver(store.NewMemoryStore(), fakeCatalog{})
	src, err := r.Resolve(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, RemoteStream, src.Kind)
	assert.Contains(t, src.Location, "id=b")
	assert.True(t, src.Playable())
}

func TestResolve_MissingFileFallsBackToStream(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Insert(ctx, asset.Asset{Track: track.Track{ID: "c"}, Path: "/nonexistent/c.mp3"}))

	r := NewResolver(s, fakeCatalog{})
	src, err := r.Resolve(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, RemoteStream, src.Kind)
}

func TestResolve_UnavailableWhenNotConfigured(t *testing.T) {
	r := NewResolver(store.NewMemoryStore(), fakeCatalog{err: subsonic.ErrNotConfigured})
	src, err := r.Resolve(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, Unavailable, src.Kind)
	assert.False(t, src.Playable())
	assert.Equal(t, "unavailable", src.Kind.String())
}

func TestResolve_CatalogError(t *testing.T) {
	r := NewResolver(nil, fakeCatalog{err: errors.New("boom")})
	src, err := r.Resolve(context.Background(), "e")
	assert.Error(t, err)
	assert.False(t, src.Playable())
}
