package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/config"
	"VoiceChat/internal/connectivity"
	"VoiceChat/internal/dispatch"
	"VoiceChat/internal/fetch"
	"VoiceChat/internal/session"
	"VoiceChat/internal/store"
	"VoiceChat/internal/telemetry"
	"VoiceChat/internal/ui"
	"VoiceChat/internal/voice"
	"VoiceChat/internal/voice/command"
	"VoiceChat/internal/voice/console"
	"VoiceChat/internal/voice/stream"
	"VoiceChat/internal/voicebot"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the TOML file, the environment and flags.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("voicechat", flag.ContinueOnError)

	var (
		configPath string
		apiURL     string
		recognizer string
		dbPath     string
		logDir     string
		noSpeak    bool
		debug      bool
	)
	fs.StringVar(&configPath, "config", "", "Path to a TOML config file")
	fs.StringVar(&apiURL, "api-url", "", "Agent backend base URL")
	fs.StringVar(&recognizer, "recognizer", "", "Speech input (console|stream)")
	fs.StringVar(&dbPath, "db", "", "SQLite database for the session id and transcript")
	fs.StringVar(&logDir, "log-dir", "", "Directory for log, trace and metric files")
	fs.BoolVar(&noSpeak, "no-speak", false, "Disable spoken replies")
	fs.BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath, cfg); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.ApplyEnv(cfg)
	if err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL = apiURL
		case "recognizer":
			cfg.Speech.Recognizer = recognizer
		case "db":
			cfg.DBPath = dbPath
		case "log-dir":
			cfg.LogDir = logDir
		case "no-speak":
			cfg.Features.SpeechSynthesis = !noSpeak
		case "debug":
			cfg.Debug = debug
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	var kv session.Store = store.NewMemory()
	var transcript voicebot.Transcript
	if cfg.Features.SessionPersistence {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		kv = db
		transcript = db
	}

	fetcher, err := fetch.New(fetch.Options{
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		Logger:      logger,
		Tracer:      tracer,
		Meter:       meter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize http client: %w", err)
	}

	sessions, err := session.NewManager(kv, fetcher, session.Config{
		NewSessionURL: cfg.Endpoint(agentapi.PathNewSession),
		StorageKey:    cfg.Session.StorageKey,
		MaxAttempts:   cfg.MaxRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}

	dispatcher, err := dispatch.New(sessions, fetcher, dispatch.Config{
		AgentURL:    cfg.Endpoint(agentapi.PathAgent),
		MaxAttempts: cfg.MaxRetries,
	}, logger, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	recognizer, err := newRecognizer(cfg, in, out, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize speech recognition: %w", err)
	}
	if c, ok := recognizer.(io.Closer); ok {
		defer c.Close()
	}
	synthesizer, err := newSynthesizer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize speech synthesis: %w", err)
	}

	bot, err := voicebot.New(voicebot.Deps{
		Sessions:    sessions,
		Sender:      dispatcher,
		Recognizer:  recognizer,
		Synthesizer: synthesizer,
		Renderer:    ui.NewTerminal(out, cfg.Features.Notifications),
		Transcript:  transcript,
		Logger:      logger,
		Tracer:      tracer,
		Meter:       meter,
	}, voicebot.Options{
		ConfidenceThreshold: cfg.Speech.ConfidenceThreshold,
		MaxRetries:          cfg.MaxRetries,
		ReconnectInterval:   cfg.Connectivity.Interval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize voice bot: %w", err)
	}

	if cfg.Features.OfflineDetection {
		monitor, err := connectivity.New(connectivity.Config{
			URL:      cfg.APIURL,
			Interval: cfg.Connectivity.Interval,
			Timeout:  cfg.Timeout,
		}, bot.SetOnline, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize connectivity monitor: %w", err)
		}
		if err := monitor.Start(ctx); err != nil {
			return err
		}
		defer monitor.Stop()
	}

	logger.Info("voice chat starting", "api_url", cfg.APIURL, "recognizer", cfg.Speech.Recognizer)
	if err := bot.Init(ctx); err != nil {
		logger.Warn("starting without a session", "error", err)
	}
	return bot.Run(ctx)
}

func newRecognizer(cfg config.Config, in io.Reader, out io.Writer, logger *slog.Logger) (voice.Recognizer, error) {
	if !cfg.Features.VoiceRecognition || cfg.Speech.Recognizer == config.RecognizerConsole {
		return console.New(in, out, "> "), nil
	}
	sc := cfg.Speech.Stream
	return stream.New(stream.Config{
		URL:        sc.URL,
		APIKey:     sc.APIKey,
		Model:      sc.Model,
		Lang:       cfg.Speech.Lang,
		SampleRate: sc.SampleRate,
		Channels:   sc.Channels,
	}, stream.FFmpegSource{
		Command:     sc.FFmpegCommand,
		InputFormat: sc.InputFormat,
		InputDevice: sc.InputDevice,
		SampleRate:  sc.SampleRate,
		Channels:    sc.Channels,
	}, logger)
}

func newSynthesizer(cfg config.Config, logger *slog.Logger) (voice.Synthesizer, error) {
	if !cfg.Features.SpeechSynthesis || cfg.Speech.SynthCommand == "" {
		return voice.Silent{}, nil
	}
	return command.New(cfg.Speech.SynthCommand, command.Options{
		Lang:   cfg.Speech.Lang,
		Rate:   cfg.Speech.Rate,
		Pitch:  cfg.Speech.Pitch,
		Volume: cfg.Speech.Volume,
	}, logger)
}
