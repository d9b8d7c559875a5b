package replenish

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/domain/track"
)

type PlaylistProviderConfig struct {
	PlaylistURL string `yaml:"playlist_url" mapstructure:"playlist_url" validate:"required"`
}

// PlaylistProvider samples a Spotify playlist and keeps the entries the catalog also has.
// Leftover matches are cached to minimize Spotify API calls.
type PlaylistProvider struct {
	spotify        SpotifyClient
	matcher        *Matcher
	mu             sync.Mutex
	cache          []track.Track
	candidateCount int // Target cache size
	config         *PlaylistProviderConfig
}

// NewPlaylistProvider creates a new PlaylistProvider.
func NewPlaylistProvider(spotify SpotifyClient, catalog Catalog, candidateCount int, settings map[string]any) (*PlaylistProvider, error) {
	if spotify == nil {
		return nil, errors.New("spotify client is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}

	var config PlaylistProviderConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	zlog.Debug().Msgf("playlist provider config: %+v", config)
	if err := validator.New().Struct(config); err != nil {
		zlog.Error().Msgf("playlist provider validation failed: %v", err)
		return nil, errors.Wrap(err, "validation failed")
	}
	return &PlaylistProvider{
		spotify:        spotify,
		matcher:        NewMatcher(catalog),
		cache:          make([]track.Track, 0),
		candidateCount: candidateCount,
		config:         &config,
	}, nil
}

// GetCandidates returns catalog matches for random playlist entries.
func (p *PlaylistProvider) GetCandidates(ctx context.Context, count int, seedTracks []track.Track, existingTrackIDs map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return []track.Track{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	available := make([]track.Track, 0, len(p.cache))
	for _, t := range p.cache {
		if !existingTrackIDs[t.ID] {
			available = append(available, t)
		}
	}

	if len(available) < count {
		needed := max(p.candidateCount-len(available), count-len(available))
		entries, err := p.spotify.GetPlaylistTracksRandom(ctx, p.config.PlaylistURL, needed)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get random tracks from playlist")
		}

		matched := 0
		for _, e := range entries {
			found := p.matcher.Match(ctx, e.Name, e.MainArtist())
			if found == nil {
				continue
			}
			matched++
			if !existingTrackIDs[found.ID] && track.Index(available, found.ID) < 0 {
				available = append(available, *found)
			}
		}
		zlog.Debug().Msgf("playlist provider: sampled=%d matched=%d", len(entries), matched)
	}

	if len(available) == 0 {
		p.cache = p.cache[:0]
		return []track.Track{}, nil
	}

	returnCount := min(count, len(available))
	result := available[:returnCount]
	p.cache = available[returnCount:]

	return result, nil
}

// Name returns the provider name.
func (p *PlaylistProvider) Name() string {
	return "playlist"
}
