package llm

import (
	"context"
	"errors"
	"iter"
	"net/http"

	"google.golang.org/genai"
)

const providerGemini = "gemini"

// NewGenAIClient builds a Gemini API client. baseURL and hc may be empty/nil.
// The client is shared by the Gemini generator and the Gemini recognizer.
func NewGenAIClient(ctx context.Context, apiKey, baseURL string, hc *http.Client) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("missing Gemini API key")
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	return genai.NewClient(ctx, cfg)
}

// Gemini generates through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(client *genai.Client, model string) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{client: client, model: model}
}

func (g *Gemini) Model() string { return g.model }

func (g *Gemini) config(req Request) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.maxTokens()),
		Temperature:     req.Temperature,
	}
}

func (g *Gemini) contents(req Request) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
}

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	res, err := g.client.Models.GenerateContent(ctx, g.model, g.contents(req), g.config(req))
	if err != nil {
		return "", geminiError(err)
	}
	text := res.Text()
	if text == "" {
		return "", &ServiceError{Provider: providerGemini, Err: ErrEmptyResponse}
	}
	return text, nil
}

func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return once(func(yield func(string, error) bool) {
		for chunk, err := range g.client.Models.GenerateContentStream(ctx, g.model, g.contents(req), g.config(req)) {
			if err != nil {
				yield("", geminiError(err))
				return
			}
			text := chunk.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	})
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{
			Provider:   providerGemini,
			StatusCode: apiErr.Code,
			Message:    truncate(apiErr.Message, 200),
			Err:        err,
		}
	}
	return &ServiceError{Provider: providerGemini, Err: err}
}
