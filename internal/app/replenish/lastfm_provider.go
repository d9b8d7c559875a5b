package replenish

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/domain/track"
	"github.com/osa030/sonicbox/internal/infra/lastfm"
)

type LastFmProviderConfig struct {
	APIKey         string  `yaml:"api_key" mapstructure:"api_key" validate:"required"`
	SeedTrackCount int     `yaml:"seed_track_count" mapstructure:"seed_track_count" default:"3" validate:"gte=1"`
	TagCount       int     `yaml:"tag_count" mapstructure:"tag_count" default:"5" validate:"gte=1"`
	TagWeight      float64 `yaml:"tag_weight" mapstructure:"tag_weight" default:"0.4" validate:"gte=0,lte=1.0"`
	SimilarWeight  float64 `yaml:"similar_weight" mapstructure:"similar_weight" default:"0.6" validate:"gte=0,lte=1.0"`
}

// LastFmProvider suggests tracks using the Last.fm API with hybrid scoring.
// Combines tag-based and similar-based strategies with configurable weights;
// every suggestion is matched against the catalog before it becomes a candidate.
type LastFmProvider struct {
	lastfm  LastFmClient
	matcher *Matcher

	candidateCount int
	config         *LastFmProviderConfig
}

// ScoredTrack represents a track with its hybrid score.
type ScoredTrack struct {
	Track track.Track
	Score float64
}

// NewLastFmProvider creates a new LastFmProvider with its own Last.fm client.
func NewLastFmProvider(catalog Catalog, candidateCount int, settings map[string]any) (*LastFmProvider, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	config, err := decodeLastFmConfig(settings)
	if err != nil {
		return nil, err
	}

	client, err := lastfm.New(lastfm.Config{APIKey: config.APIKey})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create last.fm client")
	}
	return newLastFmProvider(client, NewMatcher(catalog), candidateCount, config), nil
}

func newLastFmProvider(client LastFmClient, matcher *Matcher, candidateCount int, config *LastFmProviderConfig) *LastFmProvider {
	return &LastFmProvider{
		lastfm:         client,
		matcher:        matcher,
		candidateCount: candidateCount,
		config:         config,
	}
}

func decodeLastFmConfig(settings map[string]any) (*LastFmProviderConfig, error) {
	if len(settings) == 0 {
		return nil, errors.New("settings are required")
	}

	var config LastFmProviderConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}
	if math.Abs(config.TagWeight+config.SimilarWeight-1.0) > 1e-9 {
		return nil, errors.New("tag weight and similar weight must sum to 1.0")
	}
	return &config, nil
}

// GetCandidates retrieves track candidates using hybrid scoring.
func (p *LastFmProvider) GetCandidates(ctx context.Context, count int, seedTracks []track.Track, existingTrackIDs map[string]bool) ([]track.Track, error) {
	if count <= 0 {
		return []track.Track{}, nil
	}

	// newest seeds carry the mood
	if len(seedTracks) > p.config.SeedTrackCount {
		seedTracks = seedTracks[len(seedTracks)-p.config.SeedTrackCount:]
	}
	seeds := make([]track.Track, 0, len(seedTracks))
	for _, s := range seedTracks {
		if s.Title != "" && s.Artist != "" {
			seeds = append(seeds, s)
		}
	}

	if len(seeds) == 0 {
		// Nothing to recommend from (empty queue or untagged files)
		return p.getChartBasedCandidates(ctx, count, existingTrackIDs)
	}

	tagCandidates := p.getTagBasedCandidates(ctx, seeds, existingTrackIDs)
	similarCandidates := p.getSimilarBasedCandidates(ctx, seeds, existingTrackIDs)

	scored := p.scoreAndMerge(tagCandidates, similarCandidates)
	if len(scored) == 0 {
		return []track.Track{}, nil
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Track.ID < scored[j].Track.ID
	})

	// Pick randomly from the top N*2 to add variety
	poolSize := min(count*2, len(scored))
	topCandidates := scored[:poolSize]

	rng := newRNG()
	rng.Shuffle(len(topCandidates), func(i, j int) {
		topCandidates[i], topCandidates[j] = topCandidates[j], topCandidates[i]
	})

	result := make([]track.Track, 0, count)
	for i := 0; i < count && i < len(topCandidates); i++ {
		result = append(result, topCandidates[i].Track)
	}

	zlog.Debug().Msgf("lastfm provider: seeds=%d tag=%d similar=%d returned=%d",
		len(seeds), len(tagCandidates), len(similarCandidates), len(result))
	return result, nil
}

// Name returns the provider name.
func (p *LastFmProvider) Name() string {
	return "lastfm"
}

// getTagBasedCandidates retrieves candidates using tag-based strategy.
func (p *LastFmProvider) getTagBasedCandidates(ctx context.Context, seedTracks []track.Track, existingTrackIDs map[string]bool) []track.Track {
	tagCounts := make(map[string]int)
	for _, seed := range seedTracks {
		tags, err := p.lastfm.GetTopTags(ctx, seed.Title, seed.Artist, 10)
		if err != nil {
			zlog.Debug().Err(err).Msgf("lastfm provider: tags unavailable track=%s", seed.DisplayName())
			continue
		}
		for _, tag := range tags {
			tagCounts[tag.Name] += tag.Count
		}
	}

	if len(tagCounts) == 0 {
		return []track.Track{}
	}

	topTags := sortAndTakeTopTags(tagCounts, p.config.TagCount)

	var candidates []track.Track
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, tagName := range topTags {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			lfmTracks, err := p.lastfm.GetTopTracks(ctx, tag, 20)
			if err != nil {
				return
			}

			for _, lfmTrack := range lfmTracks {
				if found := p.matcher.Match(ctx, lfmTrack.Name, lfmTrack.Artist); found != nil {
					mu.Lock()
					if !existingTrackIDs[found.ID] {
						candidates = append(candidates, *found)
					}
					mu.Unlock()
				}
			}
		}(tagName)
	}
	wg.Wait()

	return deduplicateByID(candidates)
}

// getSimilarBasedCandidates retrieves candidates using similar-based strategy.
func (p *LastFmProvider) getSimilarBasedCandidates(ctx context.Context, seedTracks []track.Track, existingTrackIDs map[string]bool) []track.Track {
	var candidates []track.Track
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, seed := range seedTracks {
		wg.Add(1)
		go func(s track.Track) {
			defer wg.Done()
			similar, err := p.lastfm.GetSimilarTracks(ctx, s.Title, s.Artist, 10)
			if err != nil {
				return
			}

			for _, sim := range similar {
				if found := p.matcher.Match(ctx, sim.Name, sim.Artist); found != nil {
					mu.Lock()
					if !existingTrackIDs[found.ID] {
						candidates = append(candidates, *found)
					}
					mu.Unlock()
				}
			}
		}(seed)
	}
	wg.Wait()

	return deduplicateByID(candidates)
}

// scoreAndMerge scores and merges tag-based and similar-based candidates.
// A track found by both strategies scores the sum of both weights.
func (p *LastFmProvider) scoreAndMerge(tagCandidates, similarCandidates []track.Track) []ScoredTrack {
	scoreMap := make(map[string]*ScoredTrack)

	for _, t := range tagCandidates {
		scoreMap[t.ID] = &ScoredTrack{Track: t, Score: p.config.TagWeight}
	}

	for _, t := range similarCandidates {
		if existing, ok := scoreMap[t.ID]; ok {
			existing.Score += p.config.SimilarWeight
		} else {
			scoreMap[t.ID] = &ScoredTrack{Track: t, Score: p.config.SimilarWeight}
		}
	}

	result := make([]ScoredTrack, 0, len(scoreMap))
	for _, scored := range scoreMap {
		result = append(result, *scored)
	}
	return result
}

// getChartBasedCandidates retrieves candidates from the global charts.
func (p *LastFmProvider) getChartBasedCandidates(ctx context.Context, count int, existingTrackIDs map[string]bool) ([]track.Track, error) {
	chartTracks, err := p.lastfm.GetChartTopTracks(ctx, 50)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chart tracks")
	}

	rng := newRNG()
	rng.Shuffle(len(chartTracks), func(i, j int) {
		chartTracks[i], chartTracks[j] = chartTracks[j], chartTracks[i]
	})

	var candidates []track.Track
	for _, chartTrack := range chartTracks {
		if found := p.matcher.Match(ctx, chartTrack.Name, chartTrack.Artist); found != nil && !existingTrackIDs[found.ID] {
			candidates = append(candidates, *found)
		}
		if len(candidates) >= count*2 {
			break
		}
	}

	return deduplicateByID(candidates), nil
}

// sortAndTakeTopTags sorts tags by count and returns top N tag names.
func sortAndTakeTopTags(tagCounts map[string]int, topN int) []string {
	type tagCount struct {
		name  string
		count int
	}

	tags := make([]tagCount, 0, len(tagCounts))
	for name, count := range tagCounts {
		tags = append(tags, tagCount{name: name, count: count})
	}

	sort.Slice(tags, func(i, j int) bool {
		if tags[i].count != tags[j].count {
			return tags[i].count > tags[j].count
		}
		return tags[i].name < tags[j].name
	})

	result := make([]string, 0, topN)
	for i := 0; i < topN && i < len(tags); i++ {
		result = append(result, tags[i].name)
	}
	return result
}

// deduplicateByID removes duplicate tracks by ID, keeping the first.
func deduplicateByID(tracks []track.Track) []track.Track {
	seen := make(map[string]bool)
	result := make([]track.Track, 0, len(tracks))
	for _, t := range tracks {
		if !seen[t.ID] {
			seen[t.ID] = true
			result = append(result, t)
		}
	}
	return result
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(rand.Int63()))
}
