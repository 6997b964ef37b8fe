package voicebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/dispatch"
	"VoiceChat/internal/session"
	"VoiceChat/internal/store"
	"VoiceChat/internal/ui"
	"VoiceChat/internal/voice"
)

// ErrBusy is returned when a message is sent while another exchange is in flight.
var ErrBusy = errors.New("an exchange is already in progress")

// Sessions is the part of the session manager the bot drives directly
type Sessions interface {
	Ensure(ctx context.Context) (session.Session, error)
	Renew(ctx context.Context) (session.Session, error)
	Discard(ctx context.Context)
	Current() string
}

// Sender delivers one user message to the agent
type Sender interface {
	Send(ctx context.Context, text string) (agentapi.Reply, error)
}

// Transcript records rendered messages
type Transcript interface {
	AppendMessage(ctx context.Context, msg store.Message) error
}

// Deps are the collaborators of a Bot. Transcript, Tracer and Meter are optional.
type Deps struct {
	Sessions    Sessions
	Sender      Sender
	Recognizer  voice.Recognizer
	Synthesizer voice.Synthesizer
	Renderer    ui.Renderer
	Transcript  Transcript
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter
}

// Options tunes client behavior
type Options struct {
	ConfidenceThreshold float64
	MaxRetries          int
	// ReconnectInterval is how long Run waits while offline before trying to
	// reach the backend on its own.
	ReconnectInterval time.Duration
}

// Bot is the voice chat client: it owns the client state and turns
// utterances into agent exchanges.
type Bot struct {
	sessions   Sessions
	sender     Sender
	recognizer voice.Recognizer
	synth      voice.Synthesizer
	ui         ui.Renderer
	transcript Transcript
	logger     *slog.Logger
	tracer     trace.Tracer
	exchanges  metric.Int64Counter
	opts       Options

	mu         sync.Mutex
	processing bool
	online     bool
	retryCount int
	wake       chan struct{}
}

// New creates a Bot
func New(deps Deps, opts Options) (*Bot, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Sessions == nil || deps.Sender == nil || deps.Renderer == nil {
		return nil, fmt.Errorf("sessions, sender and renderer are required")
	}
	if deps.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = voice.Silent{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("voicechat/voicebot")
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter("voicechat/voicebot")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 15 * time.Second
	}

	exchanges, err := deps.Meter.Int64Counter(
		"agent.exchanges",
		metric.WithDescription("Completed agent exchanges by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange counter: %w", err)
	}

	return &Bot{
		sessions:   deps.Sessions,
		sender:     deps.Sender,
		recognizer: deps.Recognizer,
		synth:      deps.Synthesizer,
		ui:         deps.Renderer,
		transcript: deps.Transcript,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		exchanges:  exchanges,
		opts:       opts,
		online:     true,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Init restores the saved session or creates a new one. Failure is rendered
// and marks the client offline.
func (b *Bot) Init(ctx context.Context) error {
	b.ui.SetStatus(StatusConnecting, ui.LevelInfo)

	sess, err := b.sessions.Ensure(ctx)
	if err != nil {
		b.logger.Error("failed to init session", "error", err)
		b.ui.SetStatus(StatusConnectFailed, ui.LevelError)
		b.addMessage(ctx, ui.RoleAgent, MsgConnectFailed)
		b.setOnline(false)
		return err
	}

	if sess.Origin == session.OriginRestored {
		b.ui.SetStatus(StatusRestored, ui.LevelSuccess)
	} else {
		b.ui.SetStatus(StatusConnected, ui.LevelSuccess)
	}
	if sess.Origin == session.OriginCreated && !b.Online() {
		// reaching /new-session proves the backend is back
		b.setOnline(true)
	}
	b.ui.SetStatus(StatusReady, ui.LevelReady)
	return nil
}

// HandleUtterance sends confident utterances; anything at or below the
// threshold only updates the status.
func (b *Bot) HandleUtterance(ctx context.Context, u voice.Utterance) error {
	b.logger.Debug("utterance", "transcript", u.Transcript, "confidence", u.Confidence)
	if u.Confidence <= b.opts.ConfidenceThreshold {
		b.ui.SetStatus(StatusNotUnderstood, ui.LevelWarning)
		return nil
	}
	b.addMessage(ctx, ui.RoleUser, u.Transcript)
	_, err := b.SendMessage(ctx, u.Transcript)
	return err
}

// SendMessage runs one exchange with the agent. Failures are rendered as an
// agent message and returned.
func (b *Bot) SendMessage(ctx context.Context, text string) (agentapi.Reply, error) {
	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		return agentapi.Reply{}, ErrBusy
	}
	b.processing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.processing = false
		b.mu.Unlock()
	}()

	ctx, span := b.tracer.Start(ctx, "voicebot.exchange")
	defer span.End()

	b.ui.SetStatus(StatusProcessing, ui.LevelProcessing)

	reply, err := b.sender.Send(ctx, text)
	if err != nil {
		kind := dispatch.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		b.exchanges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind.String())))

		b.mu.Lock()
		b.retryCount++
		retryCount := b.retryCount
		online := b.online
		b.mu.Unlock()

		b.logger.Error("exchange failed", "kind", kind.String(), "retry_count", retryCount, "error", err)
		b.addMessage(ctx, ui.RoleAgent, FailureMessage(err, online, retryCount, b.opts.MaxRetries))
		b.ui.SetStatus(StatusRetry, ui.LevelError)
		return agentapi.Reply{}, err
	}

	b.exchanges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	b.addMessage(ctx, ui.RoleAgent, reply.Text)
	b.speak(ctx, reply.Text)

	b.mu.Lock()
	b.retryCount = 0
	b.mu.Unlock()

	if reply.End {
		b.logger.Info("agent ended the conversation", "session_id", b.sessions.Current())
		b.sessions.Discard(ctx)
		b.ui.Notify(NoticeConversationEnd, ui.LevelInfo)
	}
	b.ui.SetStatus(StatusReady, ui.LevelReady)
	return reply, nil
}

// HandleRecognitionError shows why listening failed.
func (b *Bot) HandleRecognitionError(err error) {
	b.logger.Warn("speech recognition error", "code", voice.RecognitionCode(err), "error", err)
	if voice.RecognitionCode(err) == voice.CodeNotAllowed {
		b.ui.Notify(NoticeMicPermission, ui.LevelError)
	}
	b.ui.SetStatus(RecognitionMessage(err), ui.LevelError)
}

// SetOnline reacts to connectivity changes. Coming back online creates a
// session if none is held.
func (b *Bot) SetOnline(ctx context.Context, online bool) {
	b.setOnline(online)
	if !online {
		return
	}
	b.ui.Notify(NoticeRestored, ui.LevelSuccess)
	if b.sessions.Current() == "" {
		_ = b.Init(ctx)
	}
}

func (b *Bot) setOnline(online bool) {
	b.mu.Lock()
	b.online = online
	b.mu.Unlock()

	b.ui.SetConnection(online)
	if !online {
		b.ui.Notify(NoticeOffline, ui.LevelWarning)
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Online reports the connection state
func (b *Bot) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// RetryCount returns the number of consecutive failed exchanges
func (b *Bot) RetryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryCount
}

func (b *Bot) speak(ctx context.Context, text string) {
	if err := b.synth.Cancel(); err != nil {
		b.logger.Warn("failed to cancel speech", "error", err)
	}
	if err := b.synth.Speak(ctx, text); err != nil {
		b.logger.Warn("failed to speak reply", "error", err)
	}
}

func (b *Bot) addMessage(ctx context.Context, role ui.Role, text string) {
	b.ui.AddMessage(role, text)
	if b.transcript == nil {
		return
	}
	msg := store.Message{
		SessionID: b.sessions.Current(),
		Role:      string(role),
		Content:   text,
		Timestamp: time.Now(),
	}
	if err := b.transcript.AppendMessage(ctx, msg); err != nil {
		b.logger.Warn("failed to save message", "error", err)
	}
}
