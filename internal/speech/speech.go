// Package speech turns answers into audio and spoken questions into text.
package speech

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisabled is returned by Disabled for every call.
var ErrDisabled = errors.New("speech: disabled")

// ServiceError reports a failed call to a remote speech service. StatusCode
// is zero when no HTTP response was received.
type ServiceError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Service, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return e.Service + ": " + e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Synthesizer renders text as compressed audio (MP3).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Recognizer transcribes a recorded question. It never returns a Go error;
// every outcome is a tagged Transcript.
type Recognizer interface {
	Recognize(ctx context.Context, audio Audio) Transcript
}

// Disabled stands in for both services when none is configured.
type Disabled struct{}

func (Disabled) Synthesize(context.Context, string, string) ([]byte, error) {
	return nil, ErrDisabled
}

func (Disabled) Recognize(_ context.Context, audio Audio) Transcript {
	if len(audio.Data) == 0 {
		return Transcript{Status: StatusEmptyAudio}
	}
	return Transcript{Status: StatusUnavailable, Err: ErrDisabled}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
