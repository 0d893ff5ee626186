package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the environment variable pointing at an optional TOML file.
// Values are resolved as environment > file > defaults.
const FileEnv = "DOUBTSOLVE_CONFIG"

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

type Config struct {
	Port string `toml:"port"`

	// Auth and browser access
	APIKey         string   `toml:"api_key"`
	AllowedOrigins []string `toml:"allowed_origins"`

	// Text generation
	LLMProvider      string  `toml:"llm_provider"`
	AnthropicAPIKey  string  `toml:"anthropic_api_key"`
	AnthropicModel   string  `toml:"anthropic_model"`
	AnthropicBaseURL string  `toml:"anthropic_base_url"`
	GeminiAPIKey     string  `toml:"gemini_api_key"`
	GeminiModel      string  `toml:"gemini_model"`
	GeminiBaseURL    string  `toml:"gemini_base_url"`
	MaxTokens        int     `toml:"max_tokens"`
	Temperature      float64 `toml:"temperature"`

	// Speech: "openai" (any OpenAI-compatible audio API), "gemini" for
	// recognition only, or "none".
	SpeechProvider string `toml:"speech_provider"`
	SpeechBaseURL  string `toml:"speech_base_url"`
	SpeechAPIKey   string `toml:"speech_api_key"`
	TTSModel       string `toml:"tts_model"`
	STTModel       string `toml:"stt_model"`
	Voice          string `toml:"voice"`

	// Sessions
	ContextSize     int           `toml:"context_size"`
	ReferenceBudget int           `toml:"reference_budget"`
	MaxSessions     int           `toml:"max_sessions"`
	SessionTTL      time.Duration `toml:"-"`
	CleanupInterval time.Duration `toml:"-"`

	// Per-session model call limit
	RatePerMinute float64 `toml:"rate_per_minute"`
	RateBurst     int     `toml:"rate_burst"`

	// Upload limits
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
	MaxAudioBytes  int64 `toml:"max_audio_bytes"`

	// PDF
	PDFFallbackPdftotext bool   `toml:"pdf_fallback_pdftotext"`
	PdftoppmPath         string `toml:"pdftoppm_path"`
	RasterDPI            int    `toml:"raster_dpi"`

	StatsWindow time.Duration `toml:"-"`
}

// durations are written as Go duration strings ("30m") in the file.
type durations struct {
	SessionTTL      string `toml:"session_ttl"`
	CleanupInterval string `toml:"cleanup_interval"`
	StatsWindow     string `toml:"stats_window"`
}

func defaults() Config {
	return Config{
		Port: "8090",

		LLMProvider:      ProviderAnthropic,
		AnthropicModel:   "claude-sonnet-4-5-20250929",
		AnthropicBaseURL: "https://api.anthropic.com",
		GeminiModel:      "gemini-2.5-flash",
		MaxTokens:        1000,
		Temperature:      0.2,

		SpeechProvider: ProviderNone,
		SpeechBaseURL:  "https://api.openai.com",
		TTSModel:       "tts-1",
		STTModel:       "whisper-1",
		Voice:          "alloy",

		ContextSize:     5,
		ReferenceBudget: 60000,
		MaxSessions:     100,
		SessionTTL:      2 * time.Hour,
		CleanupInterval: time.Minute,

		RatePerMinute: 20,
		RateBurst:     5,

		MaxUploadBytes: 52428800, // 50MB
		MaxAudioBytes:  10485760, // 10MB

		PDFFallbackPdftotext: true,
		PdftoppmPath:         "pdftoppm",
		RasterDPI:            110,

		StatsWindow: time.Hour,
	}
}

// Load resolves configuration from defaults, the optional TOML file named by
// DOUBTSOLVE_CONFIG, then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = envOr("PORT", cfg.Port)

	cfg.APIKey = envOr("DOUBTSOLVE_API_KEY", cfg.APIKey)
	cfg.AllowedOrigins = envList("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.LLMProvider = strings.ToLower(envOr("LLM_PROVIDER", cfg.LLMProvider))
	cfg.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envOr("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.AnthropicBaseURL = envOr("ANTHROPIC_BASE_URL", cfg.AnthropicBaseURL)
	cfg.GeminiAPIKey = envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", cfg.GeminiAPIKey))
	cfg.GeminiModel = envOr("GEMINI_MODEL", cfg.GeminiModel)
	cfg.GeminiBaseURL = envOr("GEMINI_BASE_URL", cfg.GeminiBaseURL)
	cfg.MaxTokens = envInt("MAX_TOKENS", cfg.MaxTokens)
	cfg.Temperature = envFloat("TEMPERATURE", cfg.Temperature)

	cfg.SpeechProvider = strings.ToLower(envOr("SPEECH_PROVIDER", cfg.SpeechProvider))
	cfg.SpeechBaseURL = envOr("SPEECH_BASE_URL", cfg.SpeechBaseURL)
	cfg.SpeechAPIKey = envOr("SPEECH_API_KEY", envOr("OPENAI_API_KEY", cfg.SpeechAPIKey))
	cfg.TTSModel = envOr("TTS_MODEL", cfg.TTSModel)
	cfg.STTModel = envOr("STT_MODEL", cfg.STTModel)
	cfg.Voice = envOr("TTS_VOICE", cfg.Voice)

	cfg.ContextSize = envInt("CONTEXT_SIZE", cfg.ContextSize)
	cfg.ReferenceBudget = envInt("REFERENCE_BUDGET", cfg.ReferenceBudget)
	cfg.MaxSessions = envInt("MAX_SESSIONS", cfg.MaxSessions)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.CleanupInterval = envDuration("SESSION_CLEANUP_INTERVAL", cfg.CleanupInterval)

	cfg.RatePerMinute = envFloat("RATE_PER_MINUTE", cfg.RatePerMinute)
	cfg.RateBurst = envInt("RATE_BURST", cfg.RateBurst)

	cfg.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.MaxAudioBytes = envInt64("MAX_AUDIO_BYTES", cfg.MaxAudioBytes)

	cfg.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", cfg.PDFFallbackPdftotext)
	cfg.PdftoppmPath = envOr("PDFTOPPM_PATH", cfg.PdftoppmPath)
	cfg.RasterDPI = envInt("RASTER_DPI", cfg.RasterDPI)

	cfg.StatsWindow = envDuration("LLM_STATS_WINDOW", cfg.StatsWindow)

	cfg.clamp()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var d durations
	if err := toml.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session_ttl", d.SessionTTL, &c.SessionTTL},
		{"cleanup_interval", d.CleanupInterval, &c.CleanupInterval},
		{"stats_window", d.StatsWindow, &c.StatsWindow},
	} {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, f.key, err)
		}
		*f.dst = v
	}
	return nil
}

// clamp replaces nonsensical numbers with defaults.
func (c *Config) clamp() {
	def := defaults()
	if c.ContextSize <= 0 {
		c.ContextSize = def.ContextSize
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.Temperature < 0 {
		c.Temperature = def.Temperature
	}
	if c.MaxSessions < 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = def.SessionTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = def.MaxAudioBytes
	}
	if c.RasterDPI <= 0 {
		c.RasterDPI = def.RasterDPI
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = def.StatsWindow
	}
}

// Validate checks that the selected providers have credentials.
func (c Config) Validate() error {
	switch c.LLMProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=%s", ProviderAnthropic)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=%s", ProviderGemini)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.SpeechProvider {
	case ProviderNone:
	case ProviderOpenAI:
		if c.SpeechBaseURL == "" {
			return fmt.Errorf("SPEECH_BASE_URL is required when SPEECH_PROVIDER=%s", ProviderOpenAI)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when SPEECH_PROVIDER=%s", ProviderGemini)
		}
	default:
		return fmt.Errorf("unknown SPEECH_PROVIDER %q", c.SpeechProvider)
	}

	if c.Temperature > 1 {
		return fmt.Errorf("TEMPERATURE must be between 0 and 1, got %g", c.Temperature)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
