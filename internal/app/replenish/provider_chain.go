package replenish

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/filter"
	"github.com/osa030/sonicbox/internal/app/queue"
	"github.com/osa030/sonicbox/internal/domain/track"
)

// DefaultMaxRetries bounds how many provider rounds one replenishment may take.
const DefaultMaxRetries = 3

// CandidateWithSource represents a track candidate with its source provider info.
type CandidateWithSource struct {
	Track       track.Track
	DisplayName string
}

// ProviderWithMetadata wraps a provider with its metadata.
type ProviderWithMetadata struct {
	Provider    Provider
	DisplayName string
}

// ProviderChain asks every provider in order and screens the pooled candidates
// through a filter chain. It is the queue's replenishment source.
type ProviderChain struct {
	providers  []ProviderWithMetadata
	filters    *filter.Chain
	maxRetries int
}

var _ queue.Source = (*ProviderChain)(nil)

// NewProviderChain creates a new provider chain. filters may be nil.
func NewProviderChain(providers []ProviderWithMetadata, filters *filter.Chain, maxRetries int) *ProviderChain {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &ProviderChain{
		providers:  providers,
		filters:    filters,
		maxRetries: maxRetries,
	}
}

// GetCandidates retrieves candidates from all providers.
// All providers are tried to maximize candidate pool for filtering.
func (c *ProviderChain) GetCandidates(ctx context.Context, count int, seedTracks []track.Track, excludeIDs map[string]bool) ([]CandidateWithSource, error) {
	var allCandidates []CandidateWithSource
	currentExcludeIDs := make(map[string]bool, len(excludeIDs))
	for k, v := range excludeIDs {
		currentExcludeIDs[k] = v
	}

	for i, pm := range c.providers {
		zlog.Debug().Msgf("trying provider: index=%d total=%d name=%s provider_type=%s",
			i+1, len(c.providers), pm.DisplayName, pm.Provider.Name())

		candidates, err := pm.Provider.GetCandidates(ctx, count, seedTracks, currentExcludeIDs)
		if err != nil {
			zlog.Warn().Msgf("provider failed, trying next: provider=%s error=%v", pm.DisplayName, err)
			continue
		}

		if len(candidates) == 0 {
			zlog.Debug().Msgf("provider returned no candidates: provider=%s", pm.DisplayName)
			continue
		}

		for _, t := range candidates {
			if currentExcludeIDs[t.ID] {
				continue
			}
			allCandidates = append(allCandidates, CandidateWithSource{
				Track:       t,
				DisplayName: pm.DisplayName,
			})
			currentExcludeIDs[t.ID] = true
		}

		zlog.Info().Msgf("provider returned candidates: provider=%s count=%d total_so_far=%d",
			pm.DisplayName, len(candidates), len(allCandidates))
	}

	if len(allCandidates) == 0 {
		return nil, errors.New("all providers failed to return candidates")
	}

	return allCandidates, nil
}

// Replenish gathers up to req.Count tracks that pass the filters.
// Candidates already queued or seen in an earlier round are never offered twice.
func (c *ProviderChain) Replenish(ctx context.Context, req queue.ReplenishRequest) ([]track.Track, error) {
	if req.Count <= 0 {
		return []track.Track{}, nil
	}

	exclude := make(map[string]bool, len(req.Exclude))
	for id := range req.Exclude {
		exclude[id] = true
	}
	fc := &filter.Context{Queued: append([]track.Track(nil), req.Queued...)}

	accepted := make([]track.Track, 0, req.Count)
	for round := 1; round <= c.maxRetries && len(accepted) < req.Count; round++ {
		candidates, err := c.GetCandidates(ctx, req.Count-len(accepted), req.Seeds, exclude)
		if err != nil {
			if len(accepted) > 0 {
				break
			}
			return nil, errors.Wrapf(err, "replenish round %d", round)
		}

		for _, cand := range candidates {
			exclude[cand.Track.ID] = true
			if len(accepted) == req.Count {
				continue
			}
			if c.filters != nil {
				if result := c.filters.Execute(ctx, cand.Track, fc); !result.Accepted {
					zlog.Debug().Msgf("replenish: rejected track=%s provider=%s code=%s",
						cand.Track.DisplayName(), cand.DisplayName, result.Code)
					continue
				}
			}
			fc.Accepted(cand.Track)
			accepted = append(accepted, cand.Track)
			zlog.Debug().Msgf("replenish: accepted track=%s provider=%s", cand.Track.DisplayName(), cand.DisplayName)
		}

		if err := ctx.Err(); err != nil {
			if len(accepted) > 0 {
				break
			}
			return nil, errors.Wrap(err, "replenish aborted")
		}
	}

	zlog.Info().Msgf("replenish: accepted=%d requested=%d", len(accepted), req.Count)
	return accepted, nil
}

// Name returns the chain name.
func (c *ProviderChain) Name() string {
	return "provider_chain"
}
