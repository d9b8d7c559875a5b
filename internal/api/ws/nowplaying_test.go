package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/sonicbox/internal/app/nowplaying"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func newServer(t *testing.T) (*Feed, *httptest.Server) {
	feed := NewFeed()
	server := httptest.NewServer(feed)
	t.Cleanup(func() {
		feed.Close()
		server.Close()
	})
	return feed, server
}

func TestFeed_LatestOnConnectThenUpdates(t *testing.T) {
	feed, server := newServer(t)

	require.NoError(t, feed.Update(nowplaying.Snapshot{
		TrackID:     "1",
		Title:       "Le Freak",
		Artist:      "CHIC",
		Duration:    3 * time.Minute,
		Playing:     true,
		Artwork:     []byte{0xff, 0xd8},
		ArtworkType: "image/jpeg",
	}))

	conn := dial(t, server)
	first := readFrame(t, conn)
	assert.Equal(t, "1", first["track_id"])
	assert.Equal(t, "Le Freak", first["title"])
	assert.Equal(t, true, first["playing"])
	assert.Equal(t, "data:image/jpeg;base64,/9g=", first["artwork"])
	assert.NotContains(t, first, "cleared")

	require.NoError(t, feed.Update(nowplaying.Snapshot{TrackID: "1", Title: "Le Freak", Elapsed: time.Second}))
	second := readFrame(t, conn)
	assert.Equal(t, float64(time.Second), second["elapsed"])
	assert.NotContains(t, second, "artwork")
	assert.Equal(t, 1, feed.ClientCount())
}

func TestFeed_Clear(t *testing.T) {
	feed, server := newServer(t)
	require.NoError(t, feed.Update(nowplaying.Snapshot{TrackID: "1", Title: "One"}))

	conn := dial(t, server)
	readFrame(t, conn)

	require.NoError(t, feed.Clear())
	assert.Equal(t, map[string]any{"cleared": true}, readFrame(t, conn))

	// nothing is replayed once cleared
	late := dial(t, server)
	require.NoError(t, feed.Update(nowplaying.Snapshot{TrackID: "2", Title: "Two"}))
	assert.Equal(t, "2", readFrame(t, late)["track_id"])
}

func TestFeed_Disconnect(t *testing.T) {
	feed, server := newServer(t)
	require.NoError(t, feed.Update(nowplaying.Snapshot{TrackID: "1"}))

	conn := dial(t, server)
	readFrame(t, conn)
	require.Equal(t, 1, feed.ClientCount())

	conn.Close()
	assert.Eventually(t, func() bool { return feed.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFeed_CloseRejectsClients(t *testing.T) {
	feed, server := newServer(t)
	feed.Close()

	conn := dial(t, server)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.NoError(t, feed.Update(nowplaying.Snapshot{TrackID: "1"}))
}
