package replenish

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/filter"
	"github.com/osa030/sonicbox/internal/infra/config"
)

// NewProviderChainFromConfig creates a provider chain from configuration.
// With no providers configured the chain falls back to random catalog picks.
// spotify may be nil when no playlist provider is configured.
func NewProviderChainFromConfig(cfg config.ReplenishConfig, catalog Catalog, spotify SpotifyClient) (*ProviderChain, error) {
	providerConfigs := cfg.Providers
	if len(providerConfigs) == 0 {
		providerConfigs = []config.ProviderConfig{{Type: "random", DisplayName: "Library shuffle"}}
	}

	var providers []ProviderWithMetadata
	for i, pcfg := range providerConfigs {
		var provider Provider
		var err error
		zlog.Debug().Msgf("creating replenish provider: index=%d type=%s", i+1, pcfg.Type)
		switch pcfg.Type {
		case "random":
			provider, err = NewRandomProvider(catalog)

		case "playlist":
			if spotify == nil {
				err = errors.New("spotify credentials are required for the playlist provider")
				break
			}
			provider, err = NewPlaylistProvider(spotify, catalog, cfg.CandidateCount, pcfg.Settings)

		case "lastfm":
			provider, err = NewLastFmProvider(catalog, cfg.CandidateCount, pcfg.Settings)

		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", pcfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, pcfg.Type)
		}

		displayName := pcfg.DisplayName
		if displayName == "" {
			displayName = pcfg.Type
		}
		providers = append(providers, ProviderWithMetadata{
			Provider:    provider,
			DisplayName: displayName,
		})

		zlog.Info().Msgf("registered replenish provider: index=%d type=%s display_name=%s", i+1, pcfg.Type, displayName)
	}

	filters, err := filter.NewChainFromConfig(cfg.Filters)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build filter chain")
	}

	return NewProviderChain(providers, filters, cfg.MaxRetries), nil
}
