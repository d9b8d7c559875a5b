// Package audio plays local files and remote streams on the default output device.
package audio

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/sonicbox/internal/app/playback"
)

// resampleQuality trades CPU for fidelity when the file rate differs from the device rate.
const resampleQuality = 4

// ErrUnsupportedFormat is returned for files no decoder understands.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Output serialises access to the streamers the device is pulling from.
type Output interface {
	Lock()
	Unlock()
}

type speakerOutput struct{}

func (speakerOutput) Lock()   { speaker.Lock() }
func (speakerOutput) Unlock() { speaker.Unlock() }

// Config represents audio output configuration.
type Config struct {
	SampleRate int
	BufferSize time.Duration
	HTTPClient *http.Client // used for remote streams
}

// Backend opens media sessions on a shared mixer.
type Backend struct {
	sampleRate beep.SampleRate
	out        Output
	mixer      *beep.Mixer
	httpClient *http.Client
}

var _ playback.Backend = (*Backend)(nil)

// NewBackend initialises the speaker and starts feeding it from an empty mixer.
func NewBackend(cfg Config) (*Backend, error) {
	b := newBackend(cfg, speakerOutput{})
	if err := speaker.Init(b.sampleRate, b.sampleRate.N(cfg.BufferSize)); err != nil {
		return nil, errors.Wrap(err, "failed to initialise audio output")
	}
	speaker.Play(b.mixer)
	zlog.Info().Msgf("audio: output ready sample_rate=%d buffer=%s", int(b.sampleRate), cfg.BufferSize)
	return b, nil
}

func newBackend(cfg Config, out Output) *Backend {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Backend{
		sampleRate: beep.SampleRate(cfg.SampleRate),
		out:        out,
		mixer:      &beep.Mixer{},
		httpClient: cfg.HTTPClient,
	}
}

// Open starts loading location in the background. The session starts paused;
// cb.OnReady fires once decoding has begun.
func (b *Backend) Open(location string, cb playback.Callbacks) (playback.Session, error) {
	remote := isRemote(location)
	if !remote {
		if _, err := formatOf(location, ""); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{backend: b, cb: cb, cancel: cancel}
	go s.load(ctx, location, remote)
	return s, nil
}

// session is one decoded item on the mixer.
type session struct {
	backend *Backend
	cb      playback.Callbacks
	cancel  context.CancelFunc

	// guarded by backend.out
	closed   bool
	ready    bool
	ctrl     *beep.Ctrl
	streamer beep.StreamSeekCloser
	format   beep.Format
	body     io.Closer
}

func (s *session) load(ctx context.Context, location string, remote bool) {
	body, format, err := s.backend.openSource(ctx, location, remote)
	if err != nil {
		s.failed(err)
		return
	}

	streamer, decoded, err := decode(format, body)
	if err != nil {
		body.Close()
		s.failed(errors.Wrapf(err, "failed to decode %s", format))
		return
	}

	var stream beep.Streamer = streamer
	if decoded.SampleRate != s.backend.sampleRate {
		stream = beep.Resample(resampleQuality, decoded.SampleRate, s.backend.sampleRate, streamer)
	}
	ctrl := &beep.Ctrl{Streamer: stream, Paused: true}

	out := s.backend.out
	out.Lock()
	if s.closed {
		out.Unlock()
		streamer.Close()
		body.Close()
		return
	}
	s.ctrl = ctrl
	s.streamer = streamer
	s.format = decoded
	s.body = body
	s.ready = true
	s.backend.mixer.Add(beep.Seq(ctrl, beep.Callback(s.ended)))
	out.Unlock()

	var duration time.Duration
	if n := streamer.Len(); n > 0 {
		duration = decoded.SampleRate.D(n)
	}
	zlog.Debug().Msgf("audio: opened format=%s rate=%d duration=%s", format, int(decoded.SampleRate), duration)
	if s.cb.OnReady != nil {
		s.cb.OnReady(duration)
	}
}

// ended runs on the device goroutine with the output locked.
func (s *session) ended() {
	if s.closed {
		return
	}
	if err := s.streamer.Err(); err != nil {
		go s.failed(errors.Wrap(err, "stream error"))
		return
	}
	if s.cb.OnEnded != nil {
		go s.cb.OnEnded()
	}
}

func (s *session) failed(err error) {
	s.backend.out.Lock()
	closed := s.closed
	s.backend.out.Unlock()
	if closed {
		return
	}
	zlog.Debug().Err(err).Msg("audio: session failed")
	if s.cb.OnFailed != nil {
		s.cb.OnFailed(err)
	}
}

func (s *session) Play() error {
	return s.setPaused(false)
}

func (s *session) Pause() error {
	return s.setPaused(true)
}

func (s *session) setPaused(paused bool) error {
	s.backend.out.Lock()
	defer s.backend.out.Unlock()
	if s.closed {
		return errors.New("session is closed")
	}
	if !s.ready {
		return errors.New("session is not ready")
	}
	s.ctrl.Paused = paused
	return nil
}

// Seek fails on remote streams whose body cannot seek.
func (s *session) Seek(pos time.Duration) error {
	s.backend.out.Lock()
	defer s.backend.out.Unlock()
	if s.closed || !s.ready {
		return errors.New("session is not ready")
	}
	n := s.format.SampleRate.N(pos)
	if l := s.streamer.Len(); l > 0 && n >= l {
		n = l - 1
	}
	if n < 0 {
		n = 0
	}
	return errors.Wrap(s.streamer.Seek(n), "seek failed")
}

func (s *session) Position() time.Duration {
	s.backend.out.Lock()
	defer s.backend.out.Unlock()
	if !s.ready {
		return 0
	}
	return s.format.SampleRate.D(s.streamer.Position())
}

// Close detaches the session from the mixer and releases the decoder.
func (s *session) Close() error {
	s.cancel()

	s.backend.out.Lock()
	if s.closed {
		s.backend.out.Unlock()
		return nil
	}
	s.closed = true
	ready := s.ready
	if ready {
		// the mixer drops the sequence on its next pull
		s.ctrl.Streamer = nil
	}
	s.backend.out.Unlock()

	if !ready {
		return nil
	}
	err := s.streamer.Close()
	s.body.Close()
	return err
}

// openSource opens the file or stream and reports its container format.
func (b *Backend) openSource(ctx context.Context, location string, remote bool) (io.ReadCloser, string, error) {
	if !remote {
		format, err := formatOf(location, "")
		if err != nil {
			return nil, "", err
		}
		f, err := os.Open(location)
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to open file")
		}
		return f, format, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create request")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to open stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", errors.Newf("stream returned status %d", resp.StatusCode)
	}
	format, err := formatOf(location, resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return nil, "", err
	}
	return resp.Body, format, nil
}

func decode(format string, rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	switch format {
	case "mp3":
		return mp3.Decode(rc)
	case "flac":
		return flac.Decode(rc)
	case "wav":
		return wav.Decode(rc)
	case "ogg":
		return vorbis.Decode(rc)
	default:
		return nil, beep.Format{}, errors.Wrap(ErrUnsupportedFormat, format)
	}
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

var (
	extFormats = map[string]string{
		".mp3":  "mp3",
		".flac": "flac",
		".wav":  "wav",
		".wave": "wav",
		".ogg":  "ogg",
		".oga":  "ogg",
	}
	mimeFormats = map[string]string{
		"audio/mpeg":      "mp3",
		"audio/mp3":       "mp3",
		"audio/flac":      "flac",
		"audio/x-flac":    "flac",
		"audio/wav":       "wav",
		"audio/wave":      "wav",
		"audio/x-wav":     "wav",
		"audio/ogg":       "ogg",
		"audio/vorbis":    "ogg",
		"application/ogg": "ogg",
	}
)

// formatOf picks a decoder from the file extension, or for streams from the
// content type, then the requested transcoding format, then mp3.
func formatOf(location, contentType string) (string, error) {
	if !isRemote(location) {
		ext := strings.ToLower(filepath.Ext(location))
		if f, ok := extFormats[ext]; ok {
			return f, nil
		}
		return "", errors.Wrapf(ErrUnsupportedFormat, "file %s", filepath.Base(location))
	}

	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if f, ok := mimeFormats[mediaType]; ok {
			return f, nil
		}
	}
	if u, err := url.Parse(location); err == nil {
		if f, ok := extFormats["."+strings.ToLower(u.Query().Get("format"))]; ok {
			return f, nil
		}
	}
	return "mp3", nil
}
