package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/voice"
)

type fakeSource struct {
	audio    []byte
	startErr error
	readErr  error
}

func (f fakeSource) Start(context.Context) (io.ReadCloser, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	var r io.Reader = bytes.NewReader(f.audio)
	if f.readErr != nil {
		r = io.MultiReader(r, &failingReader{err: f.readErr})
	}
	return io.NopCloser(r), nil
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }

// listenServer fakes the provider: it collects audio until CloseStream, then
// answers with the scripted messages and closes normally.
type listenServer struct {
	*httptest.Server

	mu       sync.Mutex
	received int
	auth     string
	query    string
	replies  []string
}

func newListenServer(t *testing.T, replies ...string) *listenServer {
	t.Helper()
	s := &listenServer{replies: replies}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.query = r.URL.RawQuery
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				s.mu.Lock()
				s.received += len(payload)
				s.mu.Unlock()
				continue
			}
			if strings.Contains(string(payload), "CloseStream") {
				break
			}
		}

		for _, reply := range s.replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestRecognizer(t *testing.T, url string, source AudioSource) *Recognizer {
	t.Helper()
	r, err := New(Config{URL: url, APIKey: "secret", Lang: "en-US"}, source, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r
}

func TestListenReturnsFinalTranscript(t *testing.T) {
	srv := newListenServer(t,
		`not json`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.3}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hello there ","confidence":0.92}]}}`,
	)
	audio := bytes.Repeat([]byte{1, 2}, chunkSize)
	r := newTestRecognizer(t, srv.URL, fakeSource{audio: audio})

	u, err := r.Listen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, voice.Utterance{Transcript: "hello there", Confidence: 0.92}, u)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, len(audio), srv.received)
	assert.Equal(t, "Token secret", srv.auth)
	assert.Contains(t, srv.query, "language=en-US")
	assert.Contains(t, srv.query, "model=nova-2")
}

func TestListenNoSpeech(t *testing.T) {
	srv := newListenServer(t)
	r := newTestRecognizer(t, srv.URL, fakeSource{audio: []byte{0, 0}})

	_, err := r.Listen(context.Background())
	assert.Equal(t, voice.CodeNoSpeech, voice.RecognitionCode(err))
}

func TestListenProviderError(t *testing.T) {
	srv := newListenServer(t, `{"type":"Error","message":"quota exceeded"}`)
	r := newTestRecognizer(t, srv.URL, fakeSource{})

	_, err := r.Listen(context.Background())
	assert.Equal(t, voice.CodeNetwork, voice.RecognitionCode(err))
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestListenUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()
	r := newTestRecognizer(t, srv.URL, fakeSource{})

	_, err := r.Listen(context.Background())
	assert.Equal(t, voice.CodeNotAllowed, voice.RecognitionCode(err))
}

func TestListenCaptureFailures(t *testing.T) {
	srv := newListenServer(t)

	t.Run("start", func(t *testing.T) {
		r := newTestRecognizer(t, srv.URL, fakeSource{startErr: errors.New("no such device")})
		_, err := r.Listen(context.Background())
		assert.Equal(t, voice.CodeAudioCapture, voice.RecognitionCode(err))
	})

	t.Run("read", func(t *testing.T) {
		r := newTestRecognizer(t, srv.URL, fakeSource{audio: []byte{1, 2, 3, 4}, readErr: errors.New("device unplugged")})
		_, err := r.Listen(context.Background())
		assert.Equal(t, voice.CodeAudioCapture, voice.RecognitionCode(err))
		assert.ErrorContains(t, err, "device unplugged")
	})
}

type blockingSource struct{}

func (blockingSource) Start(ctx context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.Close()
	}()
	return pr, nil
}

func TestListenHonorsContext(t *testing.T) {
	srv := newListenServer(t)
	r := newTestRecognizer(t, srv.URL, blockingSource{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Listen(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, fakeSource{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestBuildListenURL(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		prefix   string
		contains []string
	}{
		{
			name:     "https becomes wss",
			cfg:      Config{URL: "https://api.deepgram.com/v1/", Model: "nova-2"},
			prefix:   "wss://api.deepgram.com/v1/listen?",
			contains: []string{"encoding=linear16", "sample_rate=16000", "channels=1", "model=nova-2"},
		},
		{
			name:     "http becomes ws",
			cfg:      Config{URL: "http://localhost:8080", Model: "m", Lang: "en-US", SampleRate: 8000, Channels: 2},
			prefix:   "ws://localhost:8080/listen?",
			contains: []string{"language=en-US", "sample_rate=8000", "channels=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildListenURL(tt.cfg)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, tt.prefix), got)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
		})
	}

	_, err := buildListenURL(Config{URL: ":// bad"})
	assert.Error(t, err)
}

func TestFFmpegArgs(t *testing.T) {
	args := FFmpegSource{InputFormat: "alsa", InputDevice: "hw:0"}.args()
	assert.Equal(t, []string{
		"-nostdin", "-hide_banner", "-loglevel", "warning",
		"-f", "alsa", "-i", "hw:0",
		"-ac", "1", "-ar", "16000",
		"-f", "s16le", "-",
	}, args)
}

func TestFFmpegMissingBinary(t *testing.T) {
	_, err := FFmpegSource{Command: "definitely-not-ffmpeg"}.Start(context.Background())
	assert.Error(t, err)
}
