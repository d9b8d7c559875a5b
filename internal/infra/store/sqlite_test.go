package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/domain/track"
)

func sampleAsset(id string, at time.Time) asset.Asset {
	return asset.Asset{
		Track: track.Track{
			ID:          id,
			Title:       "Title " + id,
			Artist:      "Artist",
			Album:       "Album",
			TrackNumber: 2,
			Duration:    215 * time.Second,
			CoverArt:    "al-" + id,
			Suffix:      "flac",
			Size:        4096,
		},
		Path:         "/music/" + id + ".flac",
		Size:         4096,
		DownloadedAt: at.UTC().Truncate(time.Second),
	}
}

func openStores(t *testing.T) map[string]asset.Store {
	t.Helper()
	sqlite, err := Open(Config{Path: MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]asset.Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_InsertLookupDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a := sampleAsset("s-1", time.Now())
			require.NoError(t, s.Insert(ctx, a))

			got, ok, err := s.Lookup(ctx, "s-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, a.Path, got.Path)
			assert.Equal(t, a.Size, got.Size)
			assert.Equal(t, a.Track.Title, got.Track.Title)
			assert.Equal(t, a.Track.Duration, got.Track.Duration)
			assert.True(t, a.DownloadedAt.Equal(got.DownloadedAt))

			require.NoError(t, s.Delete(ctx, "s-1"))
			_, ok, err = s.Lookup(ctx, "s-1")
			require.NoError(t, err)
			assert.False(t, ok)

			// deleting an unknown id is not an error
			assert.NoError(t, s.Delete(ctx, "s-1"))
		})
	}
}

func TestStore_InsertReplaces(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first := sampleAsset("s-1", time.Now())
			second := first
			second.Path = "/music/other.flac"

			require.NoError(t, s.Insert(ctx, first))
			require.NoError(t, s.Insert(ctx, second))

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "/music/other.flac", all[0].Path)
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Insert(ctx, sampleAsset("old", now.Add(-time.Hour))))
			require.NoError(t, s.Insert(ctx, sampleAsset("new", now)))

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "new", all[0].ID())
			assert.Equal(t, "old", all[1].ID())
		})
	}
}

func TestOpen_FilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sonicbox.db")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, sampleAsset("keep", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Lookup(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrations_Rollback(t *testing.T) {
	s, err := Open(Config{Path: MemoryPath})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, RollbackMigration(s.db))
	assert.Error(t, RollbackMigration(s.db))

	// re-applying restores the table
	require.NoError(t, RunMigrations(s.db))
	_, _, err = s.Lookup(context.Background(), "any")
	assert.NoError(t, err)
}

func TestRemoveComments(t *testing.T) {
	in := "-- header\nCREATE TABLE x (\n  id TEXT -- key\n)"
	assert.Equal(t, "CREATE TABLE x (\nid TEXT\n)", removeComments(in))
}
