package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

const (
	DefaultAnthropicURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	providerAnthropic   = "anthropic"
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type AnthropicOption func(*Anthropic)

// WithBaseURL points the client at another Messages API host.
func WithBaseURL(u string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) { a.httpClient = c }
}

func NewAnthropic(apiKey, model string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultAnthropicURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Anthropic) Model() string { return a.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *anthropicError `json:"error"`
}

type anthropicDelta struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicErrorEvent struct {
	Error anthropicError `json:"error"`
}

// Generate returns the concatenated text blocks of a non-streaming reply.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ServiceError{Provider: providerAnthropic, Err: fmt.Errorf("read response: %w", err)}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", &ServiceError{Provider: providerAnthropic, Err: fmt.Errorf("decode response: %w", err)}
	}
	if apiResp.Error != nil {
		return "", &ServiceError{
			Provider:   providerAnthropic,
			StatusCode: resp.StatusCode,
			Message:    apiResp.Error.Type + ": " + apiResp.Error.Message,
		}
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &ServiceError{Provider: providerAnthropic, Err: ErrEmptyResponse}
	}
	return sb.String(), nil
}

// Stream yields text deltas from a streaming reply. Events other than
// text deltas, errors and message_stop are skipped.
func (a *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return once(func(yield func(string, error) bool) {
		resp, err := a.post(ctx, req, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", &ServiceError{Provider: providerAnthropic, Err: fmt.Errorf("read stream: %w", err)})
				return
			}
			switch ev.Type {
			case "content_block_delta":
				var d anthropicDelta
				if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
					yield("", &ServiceError{Provider: providerAnthropic, Err: fmt.Errorf("decode delta: %w", err)})
					return
				}
				if d.Delta.Type != "text_delta" || d.Delta.Text == "" {
					continue
				}
				if !yield(d.Delta.Text, nil) {
					return
				}
			case "error":
				var e anthropicErrorEvent
				msg := truncate(ev.Data, 200)
				if json.Unmarshal([]byte(ev.Data), &e) == nil && e.Error.Message != "" {
					msg = e.Error.Type + ": " + e.Error.Message
				}
				yield("", &ServiceError{Provider: providerAnthropic, StatusCode: resp.StatusCode, Message: msg})
				return
			case "message_stop":
				return
			}
		}
		yield("", &ServiceError{Provider: providerAnthropic, Message: "stream ended before message_stop"})
	})
}

func (a *Anthropic) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       a.model,
		MaxTokens:   req.maxTokens(),
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Provider: providerAnthropic, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		msg := truncate(strings.TrimSpace(string(respBody)), 200)
		var apiResp anthropicResponse
		if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Error != nil {
			msg = apiResp.Error.Type + ": " + apiResp.Error.Message
		}
		return nil, &ServiceError{Provider: providerAnthropic, StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Close releases idle connections.
func (a *Anthropic) Close() {
	a.httpClient.CloseIdleConnections()
}
