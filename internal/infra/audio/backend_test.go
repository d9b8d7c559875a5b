package audio

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/sonicbox/internal/app/playback"
)

// wavBytes renders frames of 16-bit stereo PCM at rate.
func wavBytes(rate, frames int) []byte {
	const channels, bits = 2, 16
	blockAlign := channels * bits / 8
	dataSize := frames * blockAlign

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

type fakeOutput struct {
	mu sync.Mutex
}

func (o *fakeOutput) Lock()   { o.mu.Lock() }
func (o *fakeOutput) Unlock() { o.mu.Unlock() }

type recorder struct {
	ready  chan time.Duration
	ended  chan struct{}
	failed chan error
}

func newRecorder() *recorder {
	return &recorder{
		ready:  make(chan time.Duration, 1),
		ended:  make(chan struct{}, 1),
		failed: make(chan error, 1),
	}
}

func (r *recorder) callbacks() playback.Callbacks {
	return playback.Callbacks{
		OnReady:  func(d time.Duration) { r.ready <- d },
		OnEnded:  func() { r.ended <- struct{}{} },
		OnFailed: func(err error) { r.failed <- err },
	}
}

func newTestBackend() (*Backend, *fakeOutput) {
	out := &fakeOutput{}
	return newBackend(Config{SampleRate: 44100}, out), out
}

// pull plays n frames the way the speaker would.
func pull(b *Backend, out *fakeOutput, n int) {
	buf := make([][2]float64, 512)
	for n > 0 {
		chunk := min(n, len(buf))
		out.Lock()
		b.mixer.Stream(buf[:chunk])
		out.Unlock()
		n -= chunk
	}
}

func writeWav(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, wavBytes(44100, frames), 0o644))
	return path
}

func TestBackend_PlaysFileToEnd(t *testing.T) {
	b, out := newTestBackend()
	rec := newRecorder()

	s, err := b.Open(writeWav(t, 4410), rec.callbacks())
	require.NoError(t, err)

	select {
	case d := <-rec.ready:
		assert.Equal(t, 100*time.Millisecond, d)
	case err := <-rec.failed:
		t.Fatalf("open failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}

	// paused until Play
	pull(b, out, 1000)
	assert.Equal(t, time.Duration(0), s.Position())

	require.NoError(t, s.Play())
	pull(b, out, 2205)
	assert.Equal(t, 50*time.Millisecond, s.Position())

	require.NoError(t, s.Pause())
	pull(b, out, 1000)
	assert.Equal(t, 50*time.Millisecond, s.Position())

	require.NoError(t, s.Seek(80*time.Millisecond))
	assert.Equal(t, 80*time.Millisecond, s.Position())

	require.NoError(t, s.Play())
	pull(b, out, 5000)
	select {
	case <-rec.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("end of track not reported")
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestBackend_CloseSuppressesEnd(t *testing.T) {
	b, out := newTestBackend()
	rec := newRecorder()

	s, err := b.Open(writeWav(t, 441), rec.callbacks())
	require.NoError(t, err)
	<-rec.ready
	require.NoError(t, s.Play())
	require.NoError(t, s.Close())

	pull(b, out, 2000)
	select {
	case <-rec.ended:
		t.Fatal("closed session reported end")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Error(t, s.Play())
}

func TestBackend_RemoteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wavBytes(22050, 2205))
	}))
	defer srv.Close()

	b, _ := newTestBackend()

	rec := newRecorder()
	_, err := b.Open(srv.URL+"/rest/stream?id=1", rec.callbacks())
	require.NoError(t, err)
	select {
	case d := <-rec.ready:
		assert.Equal(t, 100*time.Millisecond, d, "duration uses the file rate")
	case err := <-rec.failed:
		t.Fatalf("open failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never became ready")
	}

	rec = newRecorder()
	_, err = b.Open(srv.URL+"/rest/stream?id=missing", rec.callbacks())
	require.NoError(t, err)
	select {
	case err := <-rec.failed:
		assert.Contains(t, err.Error(), "404")
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestBackend_OpenErrors(t *testing.T) {
	b, _ := newTestBackend()

	_, err := b.Open("/music/cover.jpg", newRecorder().callbacks())
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	rec := newRecorder()
	_, err = b.Open(filepath.Join(t.TempDir(), "gone.mp3"), rec.callbacks())
	require.NoError(t, err)
	select {
	case err := <-rec.failed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		location    string
		contentType string
		want        string
	}{
		{"/music/a.MP3", "", "mp3"},
		{"/music/a.flac", "", "flac"},
		{"/music/a.oga", "", "ogg"},
		{"https://h/rest/stream?id=1", "audio/flac; charset=binary", "flac"},
		{"https://h/rest/stream?id=1", "audio/x-wav", "wav"},
		{"https://h/rest/stream?id=1&format=ogg", "application/octet-stream", "ogg"},
		{"https://h/rest/stream?id=1", "", "mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.location+tt.contentType, func(t *testing.T) {
			got, err := formatOf(tt.location, tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
