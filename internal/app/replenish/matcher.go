package replenish

import (
	"context"
	"strings"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/domain/track"
)

const matchSearchLimit = 10

// Matcher resolves external (title, artist) pairs to catalog tracks.
// Misses are cached too so repeated suggestions cost nothing.
type Matcher struct {
	catalog Catalog

	mu    sync.RWMutex
	cache map[string]*track.Track
}

// NewMatcher creates a new matcher.
func NewMatcher(catalog Catalog) *Matcher {
	return &Matcher{
		catalog: catalog,
		cache:   make(map[string]*track.Track),
	}
}

// Match returns the catalog track for title and artist, or nil when the catalog lacks it.
func (m *Matcher) Match(ctx context.Context, title, artist string) *track.Track {
	key := normalize(title) + "\x00" + normalize(artist)

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cached
	}

	results, err := m.catalog.Search(ctx, title, matchSearchLimit)
	if err != nil {
		// not cached: the next batch may succeed
		zlog.Debug().Err(err).Msgf("replenish: catalog search failed title=%s", title)
		return nil
	}

	var found *track.Track
	for i := range results {
		if normalize(results[i].Title) == normalize(title) && normalize(results[i].Artist) == normalize(artist) {
			t := results[i]
			found = &t
			break
		}
	}

	m.mu.Lock()
	m.cache[key] = found
	m.mu.Unlock()
	return found
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
