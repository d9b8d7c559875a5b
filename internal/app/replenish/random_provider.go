package replenish

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// maxRandomRequest is the largest size the catalog accepts for a random query.
const maxRandomRequest = 500

// RandomProvider picks random tracks from the catalog.
type RandomProvider struct {
	catalog Catalog
}

// NewRandomProvider creates a new RandomProvider.
func NewRandomProvider(catalog Catalog) (*RandomProvider, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	return &RandomProvider{catalog: catalog}, nil
}

// GetCandidates asks the catalog for twice the count so already queued tracks can be skipped.
func (p *RandomProvider) GetCandidates(ctx context.Context, count int, seedTracks []track.Track, existingTrackIDs map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return []track.Track{}, nil
	}

	tracks, err := p.catalog.RandomTracks(ctx, min(count*2, maxRandomRequest))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get random tracks")
	}

	result := make([]track.Track, 0, count)
	seen := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		if existingTrackIDs[t.ID] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		result = append(result, t)
		if len(result) == count {
			break
		}
	}
	return result, nil
}

// Name returns the provider name.
func (p *RandomProvider) Name() string {
	return "random"
}
