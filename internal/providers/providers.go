// Package providers wires the configured remote services into the
// interfaces the tutor and the HTTP layer consume.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/dgallion1/doubtsolve/internal/config"
	"github.com/dgallion1/doubtsolve/internal/llm"
	"github.com/dgallion1/doubtsolve/internal/speech"
)

// Set is everything remote a front end needs.
type Set struct {
	Generator   llm.Generator
	Stats       *llm.Stats
	Synthesizer speech.Synthesizer
	Recognizer  speech.Recognizer

	closers []func()
}

// Build constructs the services named by cfg. cfg should already be
// validated.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*Set, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	set := &Set{Stats: llm.NewStats(cfg.StatsWindow)}

	var gclient *genai.Client
	genaiClient := func() (*genai.Client, error) {
		if gclient != nil {
			return gclient, nil
		}
		c, err := llm.NewGenAIClient(ctx, cfg.GeminiAPIKey, cfg.GeminiBaseURL, nil)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		gclient = c
		return c, nil
	}

	var gen llm.Generator
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		a := llm.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, llm.WithBaseURL(cfg.AnthropicBaseURL))
		set.closers = append(set.closers, a.Close)
		gen = a
	case config.ProviderGemini:
		c, err := genaiClient()
		if err != nil {
			return nil, err
		}
		gen = llm.NewGemini(c, cfg.GeminiModel)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
	set.Generator = llm.Measure(gen, set.Stats)

	switch cfg.SpeechProvider {
	case config.ProviderOpenAI:
		c := speech.NewHTTPClient(cfg.SpeechBaseURL, cfg.SpeechAPIKey,
			speech.WithModels(cfg.TTSModel, cfg.STTModel),
			speech.WithDefaultVoice(cfg.Voice))
		set.Synthesizer = c
		set.Recognizer = c
	case config.ProviderGemini:
		c, err := genaiClient()
		if err != nil {
			return nil, err
		}
		set.Synthesizer = speech.Disabled{}
		set.Recognizer = speech.NewGeminiRecognizer(c, cfg.GeminiModel)
	case config.ProviderNone, "":
		set.Synthesizer = speech.Disabled{}
		set.Recognizer = speech.Disabled{}
	default:
		return nil, fmt.Errorf("unknown speech provider %q", cfg.SpeechProvider)
	}

	log.Info("providers ready",
		"llm", cfg.LLMProvider,
		"model", gen.Model(),
		"speech", cfg.SpeechProvider,
	)
	return set, nil
}

// Close releases idle connections held by the clients.
func (s *Set) Close() {
	for _, c := range s.closers {
		c()
	}
}
