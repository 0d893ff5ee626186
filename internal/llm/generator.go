// Package llm holds the text-generation clients used to answer questions
// about a deck: the Anthropic Messages API over plain HTTP and Google Gemini
// through the genai SDK.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
)

// DefaultMaxTokens is the output budget used when a request leaves it unset.
const DefaultMaxTokens = 1000

// ErrStreamConsumed is yielded when a fragment sequence is ranged over a
// second time. Streams are backed by a single HTTP response and cannot be
// replayed.
var ErrStreamConsumed = errors.New("llm: stream already consumed")

// ErrEmptyResponse means the model returned no text at all.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is a single-turn, user-role prompt.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature *float32
}

func (r Request) maxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float32) *float32 { return &t }

// Generator produces a complete answer or a lazy sequence of text fragments.
//
// A Stream sequence issues its remote call when first ranged over, yields
// fragments in arrival order and ends after the model signals completion.
// On failure it yields a single non-nil error and stops.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
	Model() string
}

// ServiceError reports a failed call to a remote model. StatusCode is zero
// when the request never got an HTTP response.
type ServiceError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

// once makes seq single-use; later iterations yield ErrStreamConsumed.
func once(seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
