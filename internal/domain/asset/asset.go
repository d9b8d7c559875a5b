// Package asset provides the downloaded asset domain entity and its store contract.
package asset

import (
	"context"
	"time"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// Asset is a persisted record of a completed download.
type Asset struct {
	Track        track.Track `json:"track"` // Metadata snapshot at download time
	Path         string      `json:"path"`
	Size         int64       `json:"size"`
	DownloadedAt time.Time   `json:"downloaded_at"`
}

// ID returns the track identifier the asset belongs to.
func (a Asset) ID() string {
	return a.Track.ID
}

// Store is a keyed record store for downloaded assets.
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert stores the asset, replacing any record with the same track ID.
	Insert(ctx context.Context, a Asset) error
	// Delete removes the record for id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// Lookup returns the record for id and whether it exists.
	Lookup(ctx context.Context, id string) (Asset, bool, error)
	// List returns all records, newest first.
	List(ctx context.Context) ([]Asset, error)
}
