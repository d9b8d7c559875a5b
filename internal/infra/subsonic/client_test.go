package subsonic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:  serverURL,
		Username: "alice",
		Password: "sesame",
	})
	require.NoError(t, err)
	c.salt = func() string { return "c19b2d" }
	c.retryDelay = time.Millisecond
	return c
}

func TestToken(t *testing.T) {
	// Example from the Subsonic API documentation
	assert.Equal(t, "26719a1196d2a940705a59634eb18eab", Token("sesame", "c19b2d"))
}

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "scheme added", input: "music.example.com", expected: "https://music.example.com"},
		{name: "http kept", input: "http://10.0.0.2:4533/", expected: "http://10.0.0.2:4533"},
		{name: "sub path kept", input: "https://example.com/navidrome/", expected: "https://example.com/navidrome"},
		{name: "missing host", input: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := parseBaseURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u.String())
		})
	}
}

func TestStreamURL(t *testing.T) {
	c, err := New(Config{
		BaseURL:    "https://music.example.com/",
		Username:   "alice",
		Password:   "sesame",
		MaxBitRate: 320,
		Format:     "mp3",
	})
	require.NoError(t, err)
	c.salt = func() string { return "c19b2d" }

	raw, err := c.StreamURL("song-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/rest/stream", u.Path)
	q := u.Query()
	assert.Equal(t, "song-1", q.Get("id"))
	assert.Equal(t, "alice", q.Get("u"))
	assert.Equal(t, "26719a1196d2a940705a59634eb18eab", q.Get("t"))
	assert.Equal(t, "c19b2d", q.Get("s"))
	assert.Equal(t, APIVersion, q.Get("v"))
	assert.Equal(t, DefaultClientName, q.Get("c"))
	assert.Equal(t, "json", q.Get("f"))
	assert.Equal(t, "320", q.Get("maxBitRate"))
	assert.Equal(t, "mp3", q.Get("format"))
}

func TestURLBuilders_NotConfigured(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, c.Configured())

	_, err = c.StreamURL("x")
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = c.DownloadURL("x")
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = c.CoverArtURL("x", 300)
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = c.RandomTracks(context.Background(), 10)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestRandomTracks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/getRandomSongs", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("size"))

		response := `{
			"subsonic-response": {
				"status": "ok",
				"version": "1.16.1",
				"randomSongs": {
					"song": [
						{"id": "1", "title": "First", "artist": "A", "album": "X", "duration": 185, "suffix": "flac", "size": 1024, "coverArt": "al-1", "track": 3},
						{"id": "2", "title": "Second"}
					]
				}
			}
		}`
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, response)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	tracks, err := c.RandomTracks(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	assert.Equal(t, "1", tracks[0].ID)
	assert.Equal(t, "First", tracks[0].Title)
	assert.Equal(t, 185*time.Second, tracks[0].Duration)
	assert.Equal(t, "flac", tracks[0].Suffix)
	assert.Equal(t, int64(1024), tracks[0].Size)
	assert.Equal(t, "al-1", tracks[0].CoverArt)
	assert.Equal(t, 3, tracks[0].TrackNumber)
	assert.Equal(t, "2", tracks[1].ID)
}

func TestFetch_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"subsonic-response": {"status": "failed", "error": {"code": 40, "message": "Wrong username or password"}}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	err := c.Ping(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 40, apiErr.Code)
	assert.Equal(t, "Wrong username or password", apiErr.Message)
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"subsonic-response": {"status": "ok"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	err := c.Ping(context.Background())

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/search3", r.URL.Path)
		assert.Equal(t, "blue monday", r.URL.Query().Get("query"))
		fmt.Fprint(w, `{"subsonic-response": {"status": "ok", "searchResult3": {"song": [{"id": "9", "title": "Blue Monday", "artist": "New Order"}]}}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	tracks, err := c.Search(context.Background(), "blue monday", 5)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "New Order", tracks[0].Artist)

	_, err = c.Search(context.Background(), "  ", 5)
	assert.Error(t, err)
}

func TestFetchCoverArt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/getCoverArt", r.URL.Path)
		assert.Equal(t, "600", r.URL.Query().Get("size"))
		if r.URL.Query().Get("id") == "missing" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"subsonic-response": {"status": "failed", "error": {"code": 70, "message": "not found"}}}`)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	data, contentType, err := c.FetchCoverArt(context.Background(), "al-1", 600)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	_, _, err = c.FetchCoverArt(context.Background(), "missing", 600)
	assert.Error(t, err)
}
