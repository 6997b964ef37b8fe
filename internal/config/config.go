package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	RecognizerConsole = "console"
	RecognizerStream  = "stream"
)

const (
	DefaultAPIURL     = "http://localhost:8001"
	DefaultStorageKey = "aba_session_id"
)

// Config holds application configuration
type Config struct {
	APIURL     string
	Timeout    time.Duration // per-attempt request timeout
	MaxRetries int           // total attempts per request
	RetryDelay time.Duration // base delay, multiplied by the attempt index
	Debug      bool
	LogDir     string
	DBPath     string

	Features     Features
	Speech       Speech
	Session      Session
	Connectivity Connectivity
}

// Features toggles optional client behavior
type Features struct {
	VoiceRecognition   bool
	SpeechSynthesis    bool
	SessionPersistence bool
	OfflineDetection   bool
	Notifications      bool
}

// Speech holds recognition and synthesis settings
type Speech struct {
	Lang                string
	ConfidenceThreshold float64
	Rate                float64
	Pitch               float64
	Volume              float64
	Recognizer          string // console|stream
	SynthCommand        string // external TTS command, empty disables speaking
	Stream              Stream
}

// Stream configures the websocket streaming recognizer
type Stream struct {
	URL           string
	APIKey        string
	Model         string
	FFmpegCommand string
	InputFormat   string
	InputDevice   string
	SampleRate    int
	Channels      int
}

// Session configures session persistence
type Session struct {
	StorageKey string
}

// Connectivity configures the online/offline probe
type Connectivity struct {
	Interval time.Duration
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		APIURL:     DefaultAPIURL,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
		LogDir:     "logs",
		DBPath:     "voicechat.db",
		Features: Features{
			VoiceRecognition:   true,
			SpeechSynthesis:    true,
			SessionPersistence: true,
			OfflineDetection:   true,
			Notifications:      true,
		},
		Speech: Speech{
			Lang:                "en-US",
			ConfidenceThreshold: 0.5,
			Rate:                0.9,
			Pitch:               1.0,
			Volume:              1.0,
			Recognizer:          RecognizerConsole,
			SynthCommand:        "espeak",
			Stream: Stream{
				URL:           "https://api.deepgram.com/v1",
				Model:         "nova-2",
				FFmpegCommand: "ffmpeg",
				InputFormat:   "pulse",
				InputDevice:   "default",
				SampleRate:    16000,
				Channels:      1,
			},
		},
		Session: Session{
			StorageKey: DefaultStorageKey,
		},
		Connectivity: Connectivity{
			Interval: 15 * time.Second,
		},
	}
}

type fileConfig struct {
	APIURL     string `toml:"api_url"`
	Timeout    string `toml:"timeout"`
	MaxRetries int    `toml:"max_retries"`
	RetryDelay string `toml:"retry_delay"`
	Debug      bool   `toml:"debug"`
	LogDir     string `toml:"log_dir"`
	DBPath     string `toml:"db_path"`

	Features struct {
		VoiceRecognition   bool `toml:"voice_recognition"`
		SpeechSynthesis    bool `toml:"speech_synthesis"`
		SessionPersistence bool `toml:"session_persistence"`
		OfflineDetection   bool `toml:"offline_detection"`
		Notifications      bool `toml:"notifications"`
	} `toml:"features"`

	Speech struct {
		Lang                string  `toml:"lang"`
		ConfidenceThreshold float64 `toml:"confidence_threshold"`
		Rate                float64 `toml:"rate"`
		Pitch               float64 `toml:"pitch"`
		Volume              float64 `toml:"volume"`
		Recognizer          string  `toml:"recognizer"`
		SynthCommand        string  `toml:"synth_command"`

		Stream struct {
			URL           string `toml:"url"`
			APIKey        string `toml:"api_key"`
			Model         string `toml:"model"`
			FFmpegCommand string `toml:"ffmpeg_command"`
			InputFormat   string `toml:"input_format"`
			InputDevice   string `toml:"input_device"`
			SampleRate    int    `toml:"sample_rate"`
			Channels      int    `toml:"channels"`
		} `toml:"stream"`
	} `toml:"speech"`

	Session struct {
		StorageKey string `toml:"storage_key"`
	} `toml:"session"`

	Connectivity struct {
		Interval string `toml:"interval"`
	} `toml:"connectivity"`
}

// LoadFile overlays the keys defined in a TOML file onto cfg.
func LoadFile(path string, cfg Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("api_url") {
		cfg.APIURL = strings.TrimSpace(raw.APIURL)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("retry_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse retry_delay: %w", err)
		}
		cfg.RetryDelay = d
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("log_dir") {
		cfg.LogDir = strings.TrimSpace(raw.LogDir)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}

	if meta.IsDefined("features", "voice_recognition") {
		cfg.Features.VoiceRecognition = raw.Features.VoiceRecognition
	}
	if meta.IsDefined("features", "speech_synthesis") {
		cfg.Features.SpeechSynthesis = raw.Features.SpeechSynthesis
	}
	if meta.IsDefined("features", "session_persistence") {
		cfg.Features.SessionPersistence = raw.Features.SessionPersistence
	}
	if meta.IsDefined("features", "offline_detection") {
		cfg.Features.OfflineDetection = raw.Features.OfflineDetection
	}
	if meta.IsDefined("features", "notifications") {
		cfg.Features.Notifications = raw.Features.Notifications
	}

	if meta.IsDefined("speech", "lang") {
		cfg.Speech.Lang = strings.TrimSpace(raw.Speech.Lang)
	}
	if meta.IsDefined("speech", "confidence_threshold") {
		cfg.Speech.ConfidenceThreshold = raw.Speech.ConfidenceThreshold
	}
	if meta.IsDefined("speech", "rate") {
		cfg.Speech.Rate = raw.Speech.Rate
	}
	if meta.IsDefined("speech", "pitch") {
		cfg.Speech.Pitch = raw.Speech.Pitch
	}
	if meta.IsDefined("speech", "volume") {
		cfg.Speech.Volume = raw.Speech.Volume
	}
	if meta.IsDefined("speech", "recognizer") {
		cfg.Speech.Recognizer = strings.TrimSpace(raw.Speech.Recognizer)
	}
	if meta.IsDefined("speech", "synth_command") {
		cfg.Speech.SynthCommand = strings.TrimSpace(raw.Speech.SynthCommand)
	}

	stream := raw.Speech.Stream
	if meta.IsDefined("speech", "stream", "url") {
		cfg.Speech.Stream.URL = strings.TrimSpace(stream.URL)
	}
	if meta.IsDefined("speech", "stream", "api_key") {
		cfg.Speech.Stream.APIKey = strings.TrimSpace(stream.APIKey)
	}
	if meta.IsDefined("speech", "stream", "model") {
		cfg.Speech.Stream.Model = strings.TrimSpace(stream.Model)
	}
	if meta.IsDefined("speech", "stream", "ffmpeg_command") {
		cfg.Speech.Stream.FFmpegCommand = strings.TrimSpace(stream.FFmpegCommand)
	}
	if meta.IsDefined("speech", "stream", "input_format") {
		cfg.Speech.Stream.InputFormat = strings.TrimSpace(stream.InputFormat)
	}
	if meta.IsDefined("speech", "stream", "input_device") {
		cfg.Speech.Stream.InputDevice = strings.TrimSpace(stream.InputDevice)
	}
	if meta.IsDefined("speech", "stream", "sample_rate") {
		cfg.Speech.Stream.SampleRate = stream.SampleRate
	}
	if meta.IsDefined("speech", "stream", "channels") {
		cfg.Speech.Stream.Channels = stream.Channels
	}

	if meta.IsDefined("session", "storage_key") {
		cfg.Session.StorageKey = strings.TrimSpace(raw.Session.StorageKey)
	}
	if meta.IsDefined("connectivity", "interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Connectivity.Interval))
		if err != nil {
			return Config{}, fmt.Errorf("parse connectivity.interval: %w", err)
		}
		cfg.Connectivity.Interval = d
	}

	return cfg, nil
}

// ApplyEnv overlays VOICECHAT_* environment variables onto cfg.
func ApplyEnv(cfg Config) (Config, error) {
	cfg.APIURL = envOrDefault("VOICECHAT_API_URL", cfg.APIURL)
	cfg.LogDir = envOrDefault("VOICECHAT_LOG_DIR", cfg.LogDir)
	cfg.DBPath = envOrDefault("VOICECHAT_DB_PATH", cfg.DBPath)
	cfg.Session.StorageKey = envOrDefault("VOICECHAT_SESSION_KEY", cfg.Session.StorageKey)
	cfg.Speech.Lang = envOrDefault("VOICECHAT_LANG", cfg.Speech.Lang)
	cfg.Speech.Recognizer = envOrDefault("VOICECHAT_RECOGNIZER", cfg.Speech.Recognizer)
	cfg.Speech.SynthCommand = envOrDefault("VOICECHAT_SYNTH_COMMAND", cfg.Speech.SynthCommand)
	cfg.Speech.Stream.URL = envOrDefault("VOICECHAT_STREAM_URL", cfg.Speech.Stream.URL)
	cfg.Speech.Stream.APIKey = firstNonEmpty(os.Getenv("VOICECHAT_STREAM_API_KEY"), os.Getenv("DEEPGRAM_API_KEY"), cfg.Speech.Stream.APIKey)

	var err error
	if cfg.Timeout, err = parseDurationEnv("VOICECHAT_TIMEOUT", cfg.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = parseDurationEnv("VOICECHAT_RETRY_DELAY", cfg.RetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = parseIntEnv("VOICECHAT_MAX_RETRIES", cfg.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = parseBoolEnv("VOICECHAT_DEBUG", cfg.Debug); err != nil {
		return Config{}, err
	}
	if cfg.Features.SessionPersistence, err = parseBoolEnv("VOICECHAT_SESSION_PERSISTENCE", cfg.Features.SessionPersistence); err != nil {
		return Config{}, err
	}
	if cfg.Features.SpeechSynthesis, err = parseBoolEnv("VOICECHAT_SPEECH_SYNTHESIS", cfg.Features.SpeechSynthesis); err != nil {
		return Config{}, err
	}
	if cfg.Features.OfflineDetection, err = parseBoolEnv("VOICECHAT_OFFLINE_DETECTION", cfg.Features.OfflineDetection); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.Speech.ConfidenceThreshold < 0 || c.Speech.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be within [0,1], got %v", c.Speech.ConfidenceThreshold)
	}
	switch c.Speech.Recognizer {
	case RecognizerConsole, RecognizerStream:
	default:
		return fmt.Errorf("unknown recognizer: %s", c.Speech.Recognizer)
	}
	if c.Features.SessionPersistence && strings.TrimSpace(c.Session.StorageKey) == "" {
		return fmt.Errorf("session storage key is required when persistence is enabled")
	}
	if c.Features.OfflineDetection && c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity interval must be positive, got %s", c.Connectivity.Interval)
	}
	return nil
}

// Endpoint joins the API URL with a path.
func (c Config) Endpoint(path string) string {
	return strings.TrimRight(c.APIURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
