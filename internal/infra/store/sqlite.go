// Package store provides persistent storage for downloaded assets.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/osa030/sonicbox/internal/domain/asset"
	"github.com/osa030/sonicbox/internal/domain/track"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config represents store configuration.
type Config struct {
	Path         string
	MaxOpenConns int
}

// SQLiteStore is an asset.Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ asset.Store = (*SQLiteStore)(nil)

// Open opens the database at cfg.Path and applies pending migrations.
func Open(cfg Config) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = MemoryPath
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	maxOpen := cfg.MaxOpenConns
	if path == MemoryPath || maxOpen <= 0 {
		// every connection to :memory: is a separate database
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert stores the asset, replacing any existing record for the same track.
func (s *SQLiteStore) Insert(ctx context.Context, a asset.Asset) error {
	if a.Track.ID == "" {
		return errors.New("asset track id is required")
	}
	t := a.Track
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO downloads (
			id, title, artist, artist_id, album, album_id, track_number, duration_ms,
			cover_art, suffix, bit_rate, content_type, local_path, file_size, downloaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Artist, t.ArtistID, t.Album, t.AlbumID, t.TrackNumber, t.Duration.Milliseconds(),
		t.CoverArt, t.Suffix, t.BitRate, t.ContentType, a.Path, a.Size, a.DownloadedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert asset %s", t.ID)
	}
	return nil
}

// Delete removes the record for id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete asset %s", id)
	}
	return nil
}

// Lookup returns the record for id.
func (s *SQLiteStore) Lookup(ctx context.Context, id string) (asset.Asset, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.Asset{}, false, nil
	}
	if err != nil {
		return asset.Asset{}, false, errors.Wrapf(err, "failed to lookup asset %s", id)
	}
	return a, true, nil
}

// List returns all records, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]asset.Asset, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY downloaded_at DESC, id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list assets")
	}
	defer rows.Close()

	assets := []asset.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan asset")
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

const selectColumns = `
	SELECT id, title, artist, artist_id, album, album_id, track_number, duration_ms,
		cover_art, suffix, bit_rate, content_type, local_path, file_size, downloaded_at
	FROM downloads`

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (asset.Asset, error) {
	var (
		a          asset.Asset
		t          track.Track
		durationMs int64
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Artist, &t.ArtistID, &t.Album, &t.AlbumID, &t.TrackNumber, &durationMs,
		&t.CoverArt, &t.Suffix, &t.BitRate, &t.ContentType, &a.Path, &a.Size, &a.DownloadedAt,
	)
	if err != nil {
		return asset.Asset{}, err
	}
	t.Duration = time.Duration(durationMs) * time.Millisecond
	t.Size = a.Size
	a.Track = t
	return a, nil
}
