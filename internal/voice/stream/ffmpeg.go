package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AudioSource produces raw little-endian 16-bit PCM
type AudioSource interface {
	Start(ctx context.Context) (io.ReadCloser, error)
}

// FFmpegSource captures the microphone through ffmpeg
type FFmpegSource struct {
	Command     string
	InputFormat string // e.g. pulse, alsa, avfoundation
	InputDevice string
	SampleRate  int
	Channels    int
}

// startupGrace is how long ffmpeg must survive before capture counts as started.
const startupGrace = 250 * time.Millisecond

func (f FFmpegSource) args() []string {
	format := f.InputFormat
	if format == "" {
		format = "pulse"
	}
	device := f.InputDevice
	if device == "" {
		device = "default"
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", device,
		"-ac", strconv.Itoa(orDefault(f.Channels, 1)),
		"-ar", strconv.Itoa(orDefault(f.SampleRate, 16000)),
		"-f", "s16le",
		"-",
	}
}

// Start launches ffmpeg and returns its stdout. Closing the reader stops the process.
func (f FFmpegSource) Start(ctx context.Context) (io.ReadCloser, error) {
	command := f.Command
	if command == "" {
		command = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, command, f.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(startupGrace):
	}

	return &capture{stdout: stdout, process: cmd.Process, waitErr: waitErr}, nil
}

type capture struct {
	stdout  io.ReadCloser
	process *os.Process
	waitErr <-chan error

	once sync.Once
	err  error
}

func (c *capture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Close interrupts ffmpeg, killing it if it does not exit promptly.
func (c *capture) Close() error {
	c.once.Do(func() {
		_ = c.process.Signal(os.Interrupt)

		var err error
		select {
		case err = <-c.waitErr:
		case <-time.After(time.Second):
			_ = c.process.Kill()
			err = <-c.waitErr
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.err = err
		}
	})
	return c.err
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
