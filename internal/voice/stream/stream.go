// Package stream recognizes speech by streaming microphone audio over a
// websocket to a Deepgram-compatible /listen endpoint.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"VoiceChat/internal/voice"
)

const chunkSize = 3200 // 100ms of 16kHz mono s16le

// Config controls the listen endpoint
type Config struct {
	URL        string // http(s) or ws(s) base, /listen is appended
	APIKey     string
	Model      string
	Lang       string
	SampleRate int
	Channels   int
}

// Recognizer opens one websocket stream per Listen call
type Recognizer struct {
	cfg    Config
	source AudioSource
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New creates a Recognizer reading audio from source
func New(cfg Config, source AudioSource, logger *slog.Logger) (*Recognizer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("audio source is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("stream recognizer API key is not configured")
	}
	if cfg.URL == "" {
		cfg.URL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Recognizer{
		cfg:    cfg,
		source: source,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

// Listen streams audio until the provider reports a final transcript.
func (r *Recognizer) Listen(ctx context.Context) (voice.Utterance, error) {
	wsURL, err := buildListenURL(r.cfg)
	if err != nil {
		return voice.Utterance{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, resp, err := r.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if ctx.Err() != nil {
			return voice.Utterance{}, ctx.Err()
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return voice.Utterance{}, voice.NewRecognitionError(voice.CodeNotAllowed, err)
		}
		return voice.Utterance{}, voice.NewRecognitionError(voice.CodeNetwork,
			fmt.Errorf("failed to connect to listen websocket: %w", err))
	}
	defer conn.Close()

	audio, err := r.source.Start(ctx)
	if err != nil {
		return voice.Utterance{}, voice.NewRecognitionError(voice.CodeAudioCapture, err)
	}
	defer func() {
		if err := audio.Close(); err != nil {
			r.logger.Debug("audio source close", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	pumpErr := make(chan error, 1)
	go func() {
		err := pump(conn, audio)
		pumpErr <- err
		var capErr *captureError
		if errors.As(err, &capErr) {
			_ = conn.Close()
		}
	}()

	u, err := readFinal(conn)
	if err == nil {
		r.logger.Debug("utterance recognized", "transcript", u.Transcript, "confidence", u.Confidence)
		return u, nil
	}
	if ctx.Err() != nil {
		return voice.Utterance{}, ctx.Err()
	}

	select {
	case perr := <-pumpErr:
		var capErr *captureError
		if errors.As(perr, &capErr) {
			return voice.Utterance{}, voice.NewRecognitionError(voice.CodeAudioCapture, capErr.err)
		}
	default:
	}
	return voice.Utterance{}, err
}

type captureError struct {
	err error
}

func (e *captureError) Error() string { return e.err.Error() }

// pump forwards audio to the socket and asks the provider to flush once the
// source is exhausted.
func pump(conn *websocket.Conn, audio io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return fmt.Errorf("failed to send audio: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &captureError{err: err}
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

// readFinal returns the first non-empty final transcript. A normal close
// before any transcript means nothing was said.
func readFinal(conn *websocket.Conn) (voice.Utterance, error) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				return voice.Utterance{}, voice.NewRecognitionError(voice.CodeNoSpeech, nil)
			}
			return voice.Utterance{}, voice.NewRecognitionError(voice.CodeNetwork,
				fmt.Errorf("failed to read provider event: %w", err))
		}

		var response listenResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "provider returned an unknown error"
			}
			return voice.Utterance{}, voice.NewRecognitionError(voice.CodeNetwork, errors.New(message))
		}

		if !response.IsFinal && !response.SpeechFinal {
			continue
		}
		if u, ok := response.utterance(); ok {
			return u, nil
		}
	}
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

func (r listenResponse) utterance() (voice.Utterance, bool) {
	if len(r.Channel.Alternatives) == 0 {
		return voice.Utterance{}, false
	}
	best := r.Channel.Alternatives[0]
	text := strings.TrimSpace(best.Transcript)
	if text == "" {
		return voice.Utterance{}, false
	}
	return voice.Utterance{Transcript: text, Confidence: best.Confidence}, true
}

func buildListenURL(cfg Config) (string, error) {
	base := strings.TrimSpace(cfg.URL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid listen URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(orDefault(cfg.SampleRate, 16000)))
	query.Set("channels", strconv.Itoa(orDefault(cfg.Channels, 1)))
	query.Set("interim_results", "false")
	query.Set("smart_format", "true")
	if cfg.Lang != "" {
		query.Set("language", cfg.Lang)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
