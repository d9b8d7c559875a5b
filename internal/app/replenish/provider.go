// Package replenish provides the track sources that refill a depleting queue.
package replenish

import (
	"context"

	"github.com/osa030/sonicbox/internal/domain/track"
	"github.com/osa030/sonicbox/internal/infra/lastfm"
	"github.com/osa030/sonicbox/internal/infra/spotify"
)

// Provider is the interface for replenishment track providers.
// Different implementations supply tracks through different strategies
// (random catalog picks, playlist sampling, similarity recommendations).
type Provider interface {
	// GetCandidates retrieves track candidates.
	// count: the number of candidates to retrieve
	// seedTracks: recently played tracks, newest last, usable as recommendation hints
	// existingTrackIDs: tracks already in the queue (for duplicate avoidance)
	GetCandidates(ctx context.Context, count int, seedTracks []track.Track, existingTrackIDs map[string]bool) ([]track.Track, error)

	// Name returns the provider type (used in config).
	Name() string
}

// Catalog is the music server every candidate must resolve to.
type Catalog interface {
	RandomTracks(ctx context.Context, count int) ([]track.Track, error)
	Search(ctx context.Context, query string, limit int) ([]track.Track, error)
}

// SpotifyClient defines the Spotify operations needed by the playlist provider.
type SpotifyClient interface {
	GetPlaylistTracksRandom(ctx context.Context, playlistURL string, count int) ([]spotify.Track, error)
}

// LastFmClient defines the Last.fm operations needed by the Last.fm provider.
type LastFmClient interface {
	GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.SimilarTrack, error)
	GetTopTags(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.Tag, error)
	GetTopTracks(ctx context.Context, tagName string, limit int) ([]lastfm.TopTrack, error)
	GetChartTopTracks(ctx context.Context, limit int) ([]lastfm.TopTrack, error)
}
