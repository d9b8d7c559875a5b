package subsonic

import (
	"fmt"
	"time"

	"github.com/osa030/sonicbox/internal/domain/track"
)

// APIError represents an error response from the Subsonic API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("subsonic API error %d: %s", e.Code, e.Message)
}

// HTTPError represents a non-200 HTTP response from the server.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("subsonic HTTP error %d", e.StatusCode)
}

// envelope is the outer JSON object of every Subsonic response.
type envelope struct {
	Response response `json:"subsonic-response"`
}

type response struct {
	Status      string      `json:"status"`
	Version     string      `json:"version"`
	Error       *APIError   `json:"error,omitempty"`
	RandomSongs *songList   `json:"randomSongs,omitempty"`
	Search      *searchList `json:"searchResult3,omitempty"`
	Song        *song       `json:"song,omitempty"`
}

type songList struct {
	Song []song `json:"song"`
}

type searchList struct {
	Song []song `json:"song"`
}

// song is the Subsonic "child" element for audio entries.
type song struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Album       string `json:"album"`
	AlbumID     string `json:"albumId"`
	Artist      string `json:"artist"`
	ArtistID    string `json:"artistId"`
	Track       int    `json:"track"`
	Duration    int    `json:"duration"` // seconds
	CoverArt    string `json:"coverArt"`
	Suffix      string `json:"suffix"`
	BitRate     int    `json:"bitRate"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

func (s song) toTrack() track.Track {
	return track.Track{
		ID:          s.ID,
		Title:       s.Title,
		Artist:      s.Artist,
		ArtistID:    s.ArtistID,
		Album:       s.Album,
		AlbumID:     s.AlbumID,
		TrackNumber: s.Track,
		Duration:    time.Duration(s.Duration) * time.Second,
		CoverArt:    s.CoverArt,
		Suffix:      s.Suffix,
		Size:        s.Size,
		BitRate:     s.BitRate,
		ContentType: s.ContentType,
	}
}

func toTracks(songs []song) []track.Track {
	tracks := make([]track.Track, 0, len(songs))
	for _, s := range songs {
		if s.ID == "" {
			continue
		}
		tracks = append(tracks, s.toTrack())
	}
	return tracks
}
