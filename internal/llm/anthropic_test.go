package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseBody(events ...[2]string) string {
	var sb strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&sb, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
	return sb.String()
}

func delta(text string) [2]string {
	b, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
	return [2]string{"content_block_delta", string(b)}
}

func TestAnthropicGenerate(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Paris"},{"type":"text","text":" is the capital."}]}`)
	}))
	defer srv.Close()

	c := NewAnthropic("secret", "claude-test", WithBaseURL(srv.URL+"/"))
	text, err := c.Generate(context.Background(), Request{Prompt: "capital?", Temperature: Temperature(0.2)})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", text)

	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-6)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "capital?", got.Messages[0].Content)
}

func TestAnthropicGenerateStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	_, err := NewAnthropic("k", "m", WithBaseURL(srv.URL)).Generate(context.Background(), Request{Prompt: "q"})
	var se *ServiceError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "overloaded_error: Overloaded", se.Message)
	assert.Equal(t, "anthropic", se.Provider)
}

func TestAnthropicGenerateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewAnthropic("k", "m", WithBaseURL(url)).Generate(context.Background(), Request{Prompt: "q"})
	var se *ServiceError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Zero(t, se.StatusCode)
	assert.Error(t, se.Err)
}

func TestAnthropicGenerateEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[]}`)
	}))
	defer srv.Close()

	_, err := NewAnthropic("k", "m", WithBaseURL(srv.URL)).Generate(context.Background(), Request{Prompt: "q"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicStreamYieldsTextDeltas(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			[2]string{"message_start", `{"type":"message_start","message":{"id":"m1"}}`},
			[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			[2]string{"ping", `{"type":"ping"}`},
			delta("Hello"),
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`},
			delta(", "),
			delta("world"),
			[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`},
			[2]string{"message_stop", `{"type":"message_stop"}`},
		))
	}))
	defer srv.Close()

	seq := NewAnthropic("k", "m", WithBaseURL(srv.URL)).Stream(context.Background(), Request{Prompt: "hi"})
	assert.Zero(t, calls.Load(), "stream must be lazy")

	var frags []string
	for frag, err := range seq {
		require.NoError(t, err)
		frags = append(frags, frag)
	}
	assert.Equal(t, []string{"Hello", ", ", "world"}, frags)

	// A second pass does not replay or re-request.
	var again []error
	for frag, err := range seq {
		assert.Empty(t, frag)
		again = append(again, err)
	}
	require.Len(t, again, 1)
	assert.ErrorIs(t, again[0], ErrStreamConsumed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			delta("partial"),
			[2]string{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
			delta("never"),
		))
	}))
	defer srv.Close()

	var frags []string
	var streamErr error
	for frag, err := range NewAnthropic("k", "m", WithBaseURL(srv.URL)).Stream(context.Background(), Request{Prompt: "hi"}) {
		if err != nil {
			streamErr = err
			continue
		}
		frags = append(frags, frag)
	}
	assert.Equal(t, []string{"partial"}, frags)
	var se *ServiceError
	require.True(t, errors.As(streamErr, &se), "got %v", streamErr)
	assert.Equal(t, "overloaded_error: Overloaded", se.Message)
}

func TestAnthropicStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(delta("half")))
	}))
	defer srv.Close()

	var streamErr error
	for _, err := range NewAnthropic("k", "m", WithBaseURL(srv.URL)).Stream(context.Background(), Request{Prompt: "hi"}) {
		if err != nil {
			streamErr = err
		}
	}
	var se *ServiceError
	require.True(t, errors.As(streamErr, &se))
	assert.Contains(t, se.Message, "message_stop")
}

func TestAnthropicStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	var errs []error
	for frag, err := range NewAnthropic("k", "m", WithBaseURL(srv.URL)).Stream(context.Background(), Request{Prompt: "hi"}) {
		assert.Empty(t, frag)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	var se *ServiceError
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "nope", se.Message)
}

func TestAnthropicStreamStopsWhenConsumerBreaks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(delta("a"), delta("b"), delta("c"), [2]string{"message_stop", `{}`}))
	}))
	defer srv.Close()

	var frags []string
	for frag, err := range NewAnthropic("k", "m", WithBaseURL(srv.URL)).Stream(context.Background(), Request{Prompt: "hi"}) {
		require.NoError(t, err)
		frags = append(frags, frag)
		if len(frags) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, frags)
}

func TestServiceErrorMessage(t *testing.T) {
	tests := []struct {
		err  *ServiceError
		want string
	}{
		{&ServiceError{Provider: "anthropic", StatusCode: 500, Message: "boom"}, "anthropic: status 500: boom"},
		{&ServiceError{Provider: "gemini", StatusCode: 404}, "gemini: status 404"},
		{&ServiceError{Provider: "anthropic", Err: errors.New("dial tcp")}, "anthropic: dial tcp"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
