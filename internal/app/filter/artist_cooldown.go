package filter

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// ArtistCooldownConfig represents the configuration for ArtistCooldownFilter.
type ArtistCooldownConfig struct {
	Window int `yaml:"window" mapstructure:"window" default:"3" validate:"gte=1,lte=50"`
}

// ArtistCooldownFilter rejects candidates whose artist appears among the last
// Window entries of the queue.
type ArtistCooldownFilter struct {
	config ArtistCooldownConfig
}

// NewArtistCooldownFilter creates a new artist cooldown filter with the default window.
func NewArtistCooldownFilter() *ArtistCooldownFilter {
	f := &ArtistCooldownFilter{}
	_ = defaults.Set(&f.config)
	return f
}

func (f *ArtistCooldownFilter) Name() string {
	return "artist_cooldown_filter"
}

func (f *ArtistCooldownFilter) Description() string {
	return "Keeps the same artist from repeating within the last few queued tracks"
}

func (f *ArtistCooldownFilter) ReturnCodes() []string {
	return []string{"artist_cooldown"}
}

func (f *ArtistCooldownFilter) ValidateConfig(settings map[string]any) error {
	var config ArtistCooldownConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	f.config = config
	return nil
}

func (f *ArtistCooldownFilter) Check(ctx context.Context, t track.Track, fc *Context) Result {
	if fc == nil || (t.Artist == "" && t.ArtistID == "") {
		return Accept()
	}
	start := max(len(fc.Queued)-f.config.Window, 0)
	for _, recent := range fc.Queued[start:] {
		if t.ArtistID != "" && recent.ArtistID == t.ArtistID {
			return Reject("artist_cooldown")
		}
		if t.Artist != "" && strings.EqualFold(recent.Artist, t.Artist) {
			return Reject("artist_cooldown")
		}
	}
	return Accept()
}

func init() {
	Register("artist_cooldown_filter", func() Filter {
		return NewArtistCooldownFilter()
	})
}
