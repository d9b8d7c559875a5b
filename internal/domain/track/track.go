// Package track provides the Track domain entity.
package track

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSuffix is used when the catalog does not report a file suffix.
const DefaultSuffix = "mp3"

// Track represents a playable catalog item.
// Identity is the ID only; every other field is descriptive metadata.
type Track struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Artist      string        `json:"artist,omitempty"`
	ArtistID    string        `json:"artist_id,omitempty"`
	Album       string        `json:"album,omitempty"`
	AlbumID     string        `json:"album_id,omitempty"`
	TrackNumber int           `json:"track_number,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	CoverArt    string        `json:"cover_art,omitempty"` // Catalog cover art reference
	Suffix      string        `json:"suffix,omitempty"`    // File suffix, e.g. "mp3", "flac"
	Size        int64         `json:"size,omitempty"`      // File size in bytes
	BitRate     int           `json:"bit_rate,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
}

// Key returns the identity of the track for use as a map key.
func (t Track) Key() string {
	return t.ID
}

// Equal reports whether both tracks share the same identity.
func (t Track) Equal(other Track) bool {
	return t.ID == other.ID
}

// FileSuffix returns the file suffix, falling back to DefaultSuffix.
func (t Track) FileSuffix() string {
	s := strings.TrimPrefix(strings.TrimSpace(t.Suffix), ".")
	if s == "" {
		return DefaultSuffix
	}
	return strings.ToLower(s)
}

// FileName returns the local file name for the track: "{id}.{suffix}".
func (t Track) FileName() string {
	return t.ID + "." + t.FileSuffix()
}

// DisplayName returns "Artist - Title", or the title alone when the artist is unknown.
func (t Track) DisplayName() string {
	if t.Artist == "" {
		return t.Title
	}
	return fmt.Sprintf("%s - %s", t.Artist, t.Title)
}

// Index returns the position of the track with the given ID, or -1.
func Index(tracks []Track, id string) int {
	for i, t := range tracks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// IDs returns the identities of the given tracks in order.
func IDs(tracks []Track) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}
