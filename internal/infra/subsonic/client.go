// Package subsonic provides a client for Subsonic-compatible music servers.
package subsonic

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/sonicbox/internal/domain/track"
)

const (
	// APIVersion is the Subsonic REST API version sent with every request.
	APIVersion = "1.16.1"
	// DefaultClientName identifies this client to the server.
	DefaultClientName = "sonicbox"

	saltLength   = 12
	saltAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrNotConfigured is returned when no server identity is configured.
var ErrNotConfigured = errors.New("subsonic server is not configured")

// Config represents Subsonic client configuration.
type Config struct {
	BaseURL           string
	Username          string
	Password          string
	ClientName        string
	MaxBitRate        int    // 0 means no limit
	Format            string // optional transcoding format for streams, e.g. "mp3"
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables throttling
}

// Client is a Subsonic API client.
// A client built from an empty configuration is valid; every call reports ErrNotConfigured.
type Client struct {
	baseURL    *url.URL
	username   string
	password   string
	clientName string
	maxBitRate int
	format     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	salt       func() string
}

// New creates a new Subsonic client.
func New(cfg Config) (*Client, error) {
	c := &Client{
		username:   cfg.Username,
		password:   cfg.Password,
		clientName: cfg.ClientName,
		maxBitRate: cfg.MaxBitRate,
		format:     cfg.Format,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
		salt:       generateSalt,
	}
	if c.clientName == "" {
		c.clientName = DefaultClientName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.httpClient = &http.Client{Timeout: timeout}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if strings.TrimSpace(cfg.BaseURL) == "" {
		return c, nil
	}
	u, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	c.baseURL = u
	return c, nil
}

// parseBaseURL normalises a server address: https is assumed when no scheme is given
// and a trailing slash is dropped.
func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	raw = strings.TrimRight(raw, "/")

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid subsonic url %q", raw)
	}
	if u.Host == "" {
		return nil, errors.Newf("invalid subsonic url %q: missing host", raw)
	}
	return u, nil
}

// Configured reports whether a server identity is present.
func (c *Client) Configured() bool {
	return c.baseURL != nil && c.username != ""
}

// Ping checks connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.fetch(ctx, "ping", nil)
	return err
}

// RandomTracks returns up to count random tracks from the catalog.
func (c *Client) RandomTracks(ctx context.Context, count int) ([]track.Track, error) {
	if count <= 0 {
		count = 10
	}
	if count > 500 {
		count = 500
	}

	params := url.Values{}
	params.Set("size", strconv.Itoa(count))
	resp, err := c.fetch(ctx, "getRandomSongs", params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get random songs")
	}
	if resp.RandomSongs == nil {
		return []track.Track{}, nil
	}
	return toTracks(resp.RandomSongs.Song), nil
}

// Search returns tracks matching the query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]track.Track, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search query is required")
	}
	if limit <= 0 {
		limit = 20
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("songCount", strconv.Itoa(limit))
	params.Set("artistCount", "0")
	params.Set("albumCount", "0")
	resp, err := c.fetch(ctx, "search3", params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search")
	}
	if resp.Search == nil {
		return []track.Track{}, nil
	}
	return toTracks(resp.Search.Song), nil
}

// GetTrack retrieves a single track by ID.
func (c *Client) GetTrack(ctx context.Context, id string) (track.Track, error) {
	if id == "" {
		return track.Track{}, errors.New("track id is required")
	}

	params := url.Values{}
	params.Set("id", id)
	resp, err := c.fetch(ctx, "getSong", params)
	if err != nil {
		return track.Track{}, errors.Wrapf(err, "failed to get song %s", id)
	}
	if resp.Song == nil || resp.Song.ID == "" {
		return track.Track{}, errors.Newf("song %s not found", id)
	}
	return resp.Song.toTrack(), nil
}

// StreamURL returns the streaming endpoint for a track.
func (c *Client) StreamURL(id string) (string, error) {
	params := url.Values{}
	params.Set("id", id)
	if c.maxBitRate > 0 {
		params.Set("maxBitRate", strconv.Itoa(c.maxBitRate))
	}
	if c.format != "" {
		params.Set("format", c.format)
	}
	return c.buildURL("stream", params)
}

// DownloadURL returns the original-file download endpoint for a track.
func (c *Client) DownloadURL(id string) (string, error) {
	params := url.Values{}
	params.Set("id", id)
	return c.buildURL("download", params)
}

// CoverArtURL returns the cover art endpoint for a cover reference.
func (c *Client) CoverArtURL(ref string, size int) (string, error) {
	params := url.Values{}
	params.Set("id", ref)
	if size > 0 {
		params.Set("size", strconv.Itoa(size))
	}
	return c.buildURL("getCoverArt", params)
}

// FetchCoverArt downloads cover art and returns its bytes and content type.
func (c *Client) FetchCoverArt(ctx context.Context, ref string, size int) ([]byte, string, error) {
	reqURL, err := c.CoverArtURL(ref, size)
	if err != nil {
		return nil, "", err
	}

	var data []byte
	var contentType string
	err = c.retry(ctx, func() error {
		resp, err := c.do(ctx, reqURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &HTTPError{StatusCode: resp.StatusCode}
		}
		contentType = resp.Header.Get("Content-Type")
		// Servers answer with a JSON error envelope when the cover does not exist.
		if strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/xml") {
			return errors.Newf("cover art %s not found", ref)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "failed to read cover art")
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to fetch cover art")
	}
	return data, contentType, nil
}

// buildURL builds an authenticated REST endpoint URL.
func (c *Client) buildURL(endpoint string, params url.Values) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/rest/" + endpoint

	q := c.authParams()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// authParams returns the token authentication parameters with a fresh salt.
func (c *Client) authParams() url.Values {
	salt := c.salt()
	q := url.Values{}
	q.Set("u", c.username)
	q.Set("t", Token(c.password, salt))
	q.Set("s", salt)
	q.Set("v", APIVersion)
	q.Set("c", c.clientName)
	q.Set("f", "json")
	return q
}

// fetch calls a JSON endpoint and unwraps the response envelope.
func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values) (*response, error) {
	var result *response
	err := c.retry(ctx, func() error {
		// a new salt per attempt
		reqURL, err := c.buildURL(endpoint, params)
		if err != nil {
			return err
		}

		resp, err := c.do(ctx, reqURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &HTTPError{StatusCode: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "failed to read response body")
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return errors.Wrap(err, "failed to parse response")
		}
		if env.Response.Error != nil {
			return env.Response.Error
		}
		if env.Response.Status != "ok" {
			return errors.Newf("unexpected response status %q", env.Response.Status)
		}
		result = &env.Response
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// do sends a throttled GET request.
func (c *Client) do(ctx context.Context, reqURL string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	return resp, nil
}

// retry retries an operation with linear backoff.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			zlog.Debug().Err(err).Msgf("subsonic: retrying request attempt=%d", i+1)
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "retry aborted")
			case <-time.After(c.retryDelay * time.Duration(i+1)):
			}
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Token returns the Subsonic authentication token md5(password+salt) as lowercase hex.
func Token(password, salt string) string {
	sum := md5.Sum([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

func generateSalt() string {
	b := make([]byte, saltLength)
	for i := range b {
		b[i] = saltAlphabet[rand.IntN(len(saltAlphabet))]
	}
	return string(b)
}
