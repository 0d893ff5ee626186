package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultVoice    = "alloy"
	maxAudioBytes   = 16 << 20
	serviceSynth    = "speech synthesis"
	serviceRecogn   = "speech recognition"
	defaultTTSModel = "tts-1"
	defaultSTTModel = "whisper-1"
)

// HTTPClient talks to an OpenAI-compatible audio API: /v1/audio/speech for
// synthesis and /v1/audio/transcriptions for recognition.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	ttsModel   string
	sttModel   string
	voice      string
	httpClient *http.Client
}

type HTTPOption func(*HTTPClient)

func WithModels(tts, stt string) HTTPOption {
	return func(c *HTTPClient) {
		if tts != "" {
			c.ttsModel = tts
		}
		if stt != "" {
			c.sttModel = stt
		}
	}
}

// WithDefaultVoice sets the voice used when Synthesize gets an empty one.
func WithDefaultVoice(v string) HTTPOption {
	return func(c *HTTPClient) {
		if v != "" {
			c.voice = v
		}
	}
}

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		ttsModel:   defaultTTSModel,
		sttModel:   defaultSTTModel,
		voice:      DefaultVoice,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize returns MP3 bytes for text.
func (c *HTTPClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("speech: nothing to synthesize")
	}
	if voice == "" {
		voice = c.voice
	}
	body, err := json.Marshal(speechRequest{
		Model:          c.ttsModel,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, serviceSynth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, &ServiceError{Service: serviceSynth, Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(audio) == 0 {
		return nil, &ServiceError{Service: serviceSynth, StatusCode: resp.StatusCode, Message: "empty audio"}
	}
	return audio, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Recognize uploads audio as multipart form data. Auth failures, throttling,
// server errors and transport errors mean the service is unavailable; any
// other rejection, or an empty transcription, means the audio could not be
// understood.
func (c *HTTPClient) Recognize(ctx context.Context, audio Audio) Transcript {
	if len(audio.Data) == 0 {
		return Transcript{Status: StatusEmptyAudio}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.sttModel); err != nil {
		return unavailable(err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return unavailable(err)
	}
	fw, err := mw.CreateFormFile("file", audio.filename())
	if err != nil {
		return unavailable(err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return unavailable(err)
	}
	if err := mw.Close(); err != nil {
		return unavailable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return unavailable(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req, serviceRecogn)
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) && se.StatusCode != 0 && !serviceDown(se.StatusCode) {
			return Transcript{Status: StatusUnintelligible}
		}
		return unavailable(err)
	}
	defer resp.Body.Close()

	var out transcriptionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return unavailable(&ServiceError{Service: serviceRecogn, Err: fmt.Errorf("decode response: %w", err)})
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Transcript{Status: StatusUnintelligible}
	}
	return Transcript{Status: StatusOK, Text: text}
}

func (c *HTTPClient) do(req *http.Request, service string) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServiceError{Service: service, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &ServiceError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(body)), 200),
		}
	}
	return resp, nil
}

func serviceDown(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func unavailable(err error) Transcript {
	return Transcript{Status: StatusUnavailable, Err: err}
}
