// Package voice defines the speech capabilities the chat client depends on.
package voice

import (
	"context"
	"errors"
	"fmt"
)

// Utterance is one recognized speech segment
type Utterance struct {
	Transcript string
	Confidence float64 // 0..1
}

// Recognizer turns speech into text. Listen blocks until one utterance is
// recognized; io.EOF means no more input will arrive.
type Recognizer interface {
	Listen(ctx context.Context) (Utterance, error)
}

// Synthesizer speaks text aloud
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
	Cancel() error
}

// Recognition error codes
const (
	CodeNoSpeech     = "no-speech"
	CodeAudioCapture = "audio-capture"
	CodeNotAllowed   = "not-allowed"
	CodeNetwork      = "network"
	CodeAborted      = "aborted"
)

// RecognitionError reports a failed recognition attempt
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition error %s: %v", e.Code, e.Err)
	}
	return "recognition error " + e.Code
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// NewRecognitionError builds a RecognitionError with the given code.
func NewRecognitionError(code string, err error) *RecognitionError {
	return &RecognitionError{Code: code, Err: err}
}

// RecognitionCode extracts the code of a RecognitionError, or "" if err is not one.
func RecognitionCode(err error) string {
	var recErr *RecognitionError
	if errors.As(err, &recErr) {
		return recErr.Code
	}
	return ""
}

// Silent is a Synthesizer that does nothing; used when speech output is disabled.
type Silent struct{}

func (Silent) Speak(context.Context, string) error { return nil }
func (Silent) Cancel() error                        { return nil }
