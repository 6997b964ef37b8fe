// Package command speaks text through an external TTS program such as espeak.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Options maps speech settings onto the TTS program
type Options struct {
	Lang   string
	Rate   float64 // 1.0 is the program's normal speed
	Pitch  float64 // 1.0 is the normal pitch
	Volume float64 // 0..1
}

// espeak defaults that correspond to a factor of 1.0
const (
	baseWordsPerMinute = 175
	basePitch          = 50
	baseAmplitude      = 100
)

// Synthesizer runs one TTS process per utterance. Starting a new utterance or
// calling Cancel stops the one currently playing.
type Synthesizer struct {
	command string
	opts    Options
	logger  *slog.Logger
	args    func(text string) []string

	mu      sync.Mutex
	current *exec.Cmd
	stopped map[*exec.Cmd]bool
}

// New creates a Synthesizer for command (default "espeak").
func New(command string, opts Options, logger *slog.Logger) (*Synthesizer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if command == "" {
		command = "espeak"
	}
	s := &Synthesizer{
		command: command,
		opts:    opts,
		logger:  logger,
		stopped: make(map[*exec.Cmd]bool),
	}
	s.args = s.espeakArgs
	return s, nil
}

func (s *Synthesizer) espeakArgs(text string) []string {
	args := []string{
		"-s", strconv.Itoa(scale(baseWordsPerMinute, s.opts.Rate)),
		"-p", strconv.Itoa(clamp(scale(basePitch, s.opts.Pitch), 0, 99)),
		"-a", strconv.Itoa(clamp(scale(baseAmplitude, s.opts.Volume), 0, 200)),
	}
	if s.opts.Lang != "" {
		args = append(args, "-v", strings.ToLower(s.opts.Lang))
	}
	return append(args, "--", text)
}

func scale(base int, factor float64) int {
	if factor <= 0 {
		factor = 1
	}
	return int(math.Round(float64(base) * factor))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Speak cancels any ongoing speech and blocks until text has been spoken.
// A cancelled utterance is not an error.
func (s *Synthesizer) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := s.Cancel(); err != nil {
		s.logger.Warn("failed to cancel previous speech", "error", err)
	}

	cmd := exec.CommandContext(ctx, s.command, s.args(text)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.mu.Lock()
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", s.command, err)
	}
	s.current = cmd
	s.mu.Unlock()

	err := cmd.Wait()

	s.mu.Lock()
	stopped := s.stopped[cmd]
	delete(s.stopped, cmd)
	if s.current == cmd {
		s.current = nil
	}
	s.mu.Unlock()

	if err == nil || stopped || ctx.Err() != nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with %d: %s", s.command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	return fmt.Errorf("failed to run %s: %w", s.command, err)
}

// Cancel stops the utterance currently being spoken, if any.
func (s *Synthesizer) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.Process == nil {
		return nil
	}
	s.stopped[s.current] = true
	err := s.current.Process.Kill()
	s.current = nil
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop speech: %w", err)
	}
	return nil
}
