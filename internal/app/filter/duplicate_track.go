package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// DuplicateTrackFilter rejects candidates already in the queue.
// Detects:
// - Exact track ID matches
// - Remasters and alternate versions (normalized title + same artist)
// Excludes:
// - Cover songs (same title but different artist)
type DuplicateTrackFilter struct{}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter() *DuplicateTrackFilter {
	return &DuplicateTrackFilter{}
}

// Name returns the filter name.
func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

// Description returns the filter description.
func (f *DuplicateTrackFilter) Description() string {
	return "Rejects tracks already queued, including remasters and alternate versions. Covers by other artists are allowed"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateTrackFilter) ValidateConfig(settings map[string]any) error {
	// No configuration needed
	return nil
}

// Check checks if the track is a duplicate.
func (f *DuplicateTrackFilter) Check(ctx context.Context, candidate track.Track, fc *Context) Result {
	if fc == nil {
		return Accept()
	}
	for _, queued := range fc.Queued {
		if queued.ID == candidate.ID || isRemaster(queued, candidate) {
			return Reject("duplicate_track")
		}
	}
	return Accept()
}

var (
	remasterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*-?\s*\d{4}\s+remaster(ed)?`),          // "- 2011 Remaster"
		regexp.MustCompile(`\s*\(remaster(ed)?\s*\d{0,4}\)`),         // "(Remastered 2023)"
		regexp.MustCompile(`\s*\[remaster(ed)?\s*\d{0,4}\]`),         // "[Remastered]"
		regexp.MustCompile(`\s*-?\s*\bremaster(ed)?\b(\s+version)?`), // "- Remastered"
		regexp.MustCompile(`\s*\(.*?remaster.*?\)`),                  // "(Any Remaster text)"
		regexp.MustCompile(`\s*\[.*?remaster.*?\]`),                  // "[Any Remaster text]"
	}
	// Bracketed forms go first so the dash forms never leave "()" behind.
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*[(\[][^)\]]*\bversion[)\]]`), // "(Single Version)"
		regexp.MustCompile(`\s*[(\[][^)\]]*\bedit[)\]]`),    // "(Radio Edit)"
		regexp.MustCompile(`\s*[(\[]live\b[^)\]]*[)\]]`),    // "(Live)", "(Live at Wembley)"
		regexp.MustCompile(`\s+-\s*live\b.*$`),              // "- Live"
		regexp.MustCompile(`\s+-\s*radio\s+edit\b.*$`),      // "- Radio Edit"
		regexp.MustCompile(`\s+-\s*single\s+version\b.*$`),  // "- Single Version"
	}
	spaces = regexp.MustCompile(`\s+`)
)

// isRemaster reports whether two tracks are versions of the same song by the same artist.
func isRemaster(a, b track.Track) bool {
	if normalizeTrackName(a.Title) != normalizeTrackName(b.Title) {
		return false
	}
	return isSameArtist(a, b)
}

// normalizeTrackName removes remaster information and version details.
func normalizeTrackName(name string) string {
	normalized := strings.ToLower(name)

	for _, pattern := range remasterPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	for _, pattern := range versionPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}

	normalized = strings.TrimSpace(normalized)
	normalized = spaces.ReplaceAllString(normalized, " ")
	return strings.TrimRight(normalized, " -")
}

// isSameArtist compares artist identifiers when both are known, names otherwise.
func isSameArtist(a, b track.Track) bool {
	if a.ArtistID != "" && b.ArtistID != "" {
		return a.ArtistID == b.ArtistID
	}
	if a.Artist == "" || b.Artist == "" {
		return false
	}
	return strings.EqualFold(a.Artist, b.Artist)
}

func init() {
	Register("duplicate_track_filter", func() Filter {
		return NewDuplicateTrackFilter()
	})
}
