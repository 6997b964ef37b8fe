// Package console recognizes typed lines as utterances.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"VoiceChat/internal/voice"
)

// Recognizer reads one utterance per non-empty input line
type Recognizer struct {
	lines  chan lineResult
	done   chan struct{}
	exited chan struct{}
	out    io.Writer
	prompt string

	closeOnce sync.Once
}

type lineResult struct {
	text string
	err  error
}

// New starts reading lines from in. When out is non-nil, prompt is written to
// it before each Listen.
func New(in io.Reader, out io.Writer, prompt string) *Recognizer {
	r := &Recognizer{
		lines:  make(chan lineResult, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		out:    out,
		prompt: prompt,
	}
	go r.readLoop(in)
	return r
}

func (r *Recognizer) readLoop(in io.Reader) {
	defer close(r.exited)
	defer close(r.lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !r.send(lineResult{text: scanner.Text()}) {
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	r.send(lineResult{err: err})
}

func (r *Recognizer) send(line lineResult) bool {
	select {
	case r.lines <- line:
		return true
	case <-r.done:
		return false
	}
}

// Close stops delivering lines. The reader goroutine exits once its pending
// read returns.
func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// Listen blocks for the next non-empty line. Typed input is always certain.
func (r *Recognizer) Listen(ctx context.Context) (voice.Utterance, error) {
	if r.out != nil && r.prompt != "" {
		fmt.Fprint(r.out, r.prompt)
	}

	for {
		select {
		case <-ctx.Done():
			return voice.Utterance{}, ctx.Err()
		case line, ok := <-r.lines:
			if !ok {
				return voice.Utterance{}, io.EOF
			}
			if line.err != nil {
				if line.err == io.EOF {
					return voice.Utterance{}, io.EOF
				}
				return voice.Utterance{}, voice.NewRecognitionError(voice.CodeAudioCapture, line.err)
			}
			text := strings.TrimSpace(line.text)
			if text == "" {
				continue
			}
			return voice.Utterance{Transcript: text, Confidence: 1.0}, nil
		}
	}
}
