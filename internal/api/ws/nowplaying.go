// Package ws serves the now-playing feed over websocket.
package ws

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/nowplaying"
)

// Path is where the feed is mounted.
const Path = "/ws/nowplaying"

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 1024
)

var upgrader = websocket.Upgrader{
	// overlays are served from arbitrary local origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is one JSON message of the feed.
type frame struct {
	*nowplaying.Snapshot
	Artwork string `json:"artwork,omitempty"` // data URL
	Cleared bool   `json:"cleared,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed is a now-playing surface that pushes snapshots to websocket clients.
// A client receives the latest snapshot on connect, then every update.
type Feed struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	latest  []byte
	closed  bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{clients: make(map[*client]struct{})}
}

var _ nowplaying.Surface = (*Feed)(nil)

// Update broadcasts s to every client.
func (f *Feed) Update(s nowplaying.Snapshot) error {
	fr := frame{Snapshot: &s}
	if s.HasArtwork() {
		fr.Artwork = "data:" + s.ArtworkType + ";base64," + base64.StdEncoding.EncodeToString(s.Artwork)
	}
	data, err := json.Marshal(fr)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = data
	f.broadcastLocked(data)
	return nil
}

// Clear tells every client nothing is playing.
func (f *Feed) Clear() error {
	data, err := json.Marshal(frame{Cleared: true})
	if err != nil {
		return errors.Wrap(err, "failed to marshal clear frame")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = nil
	f.broadcastLocked(data)
	return nil
}

func (f *Feed) broadcastLocked(data []byte) {
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			zlog.Debug().Msgf("ws: client too slow, frame dropped remote=%s", c.conn.RemoteAddr())
		}
	}
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// ServeHTTP upgrades the request and streams frames until the client leaves.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	if f.latest != nil {
		c.send <- f.latest
	}
	f.mu.Unlock()

	zlog.Info().Msgf("ws: client connected remote=%s", conn.RemoteAddr())
	go f.writePump(c)
	f.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (f *Feed) readPump(c *client) {
	defer func() {
		f.remove(c)
		c.conn.Close()
		zlog.Info().Msgf("ws: client disconnected remote=%s", c.conn.RemoteAddr())
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zlog.Warn().Err(err).Msg("ws: read failed")
			}
			return
		}
	}
}

func (f *Feed) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and refuses new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}
