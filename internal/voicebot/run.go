package voicebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"VoiceChat/internal/ui"
	"VoiceChat/internal/voice"
)

// Run listens for utterances until the recognizer is exhausted, a quit
// command arrives or ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	defer func() {
		if err := b.synth.Cancel(); err != nil {
			b.logger.Warn("failed to cancel speech on exit", "error", err)
		}
	}()

	b.ui.Print("=== Voice Chat ===")
	if id := b.sessions.Current(); id != "" {
		b.ui.Print("Session: " + id)
	}
	b.ui.Print("Speak or type a message. Type /help for commands, /quit to exit")
	b.ui.Print("")

	for ctx.Err() == nil {
		if !b.Online() {
			b.ui.Notify(NoticeOfflineListen, ui.LevelError)
			b.waitForConnection(ctx)
			continue
		}

		b.ui.SetStatus(StatusListening, ui.LevelListening)
		u, err := b.recognizer.Listen(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				break
			}
			if code := voice.RecognitionCode(err); code != "" {
				b.HandleRecognitionError(err)
				if code == voice.CodeNotAllowed || code == voice.CodeAudioCapture || code == voice.CodeNetwork {
					sleepCtx(ctx, b.opts.ReconnectInterval)
				}
				continue
			}
			b.logger.Error("recognizer failed", "error", err)
			return fmt.Errorf("failed to listen: %w", err)
		}

		if strings.HasPrefix(u.Transcript, "/") {
			if b.handleCommand(ctx, u.Transcript) {
				break
			}
			continue
		}

		if err := b.HandleUtterance(ctx, u); err != nil {
			b.logger.Debug("exchange ended with error", "error", err)
		}
	}

	b.ui.Print("Goodbye!")
	return nil
}

// waitForConnection blocks until SetOnline(true) or the reconnect interval
// elapses, in which case the backend is tried directly.
func (b *Bot) waitForConnection(ctx context.Context) {
	timer := time.NewTimer(b.opts.ReconnectInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-b.wake:
	case <-timer.C:
		if b.sessions.Current() == "" {
			_ = b.Init(ctx)
		}
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// handleCommand runs a slash command and reports whether to quit.
func (b *Bot) handleCommand(ctx context.Context, cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true

	case "/new-session":
		sess, err := b.sessions.Renew(ctx)
		if err != nil {
			b.logger.Error("command error", "command", parts[0], "error", err)
			b.ui.Print(fmt.Sprintf("Error: %v", err))
			return false
		}
		b.mu.Lock()
		b.retryCount = 0
		b.mu.Unlock()
		b.ui.Print("Started new session: " + sess.ID)

	case "/status":
		id := b.sessions.Current()
		if id == "" {
			id = "(none)"
		}
		connection := "online"
		if !b.Online() {
			connection = "offline"
		}
		b.ui.Print(fmt.Sprintf("Session: %s\nConnection: %s\nFailed attempts: %d", id, connection, b.RetryCount()))

	case "/help":
		b.ui.Print(strings.Join([]string{
			"Available commands:",
			"  /quit, /exit   - Exit the client",
			"  /new-session   - Start a new conversation",
			"  /status        - Show session and connection state",
			"  /help          - Show this help message",
		}, "\n"))

	default:
		b.ui.Print("Unknown command: " + parts[0] + " (type /help)")
	}
	return false
}
