// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type LLMProvider string

const (
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderOpenAI    LLMProvider = "openai"
)

type EmbedderKind string

const (
	EmbedderMock   EmbedderKind = "mock"
	EmbedderOpenAI EmbedderKind = "openai"
	EmbedderONNX   EmbedderKind = "onnx"
)

type Config struct {
	// Server
	Port           string   `env:"PORT" envDefault:"8080"`
	HealthGRPCAddr string   `env:"HEALTH_GRPC_ADDR"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Auth
	JWTSecret string `env:"JWT_SECRET,required"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// LLM settings
	LLMProvider     LLMProvider `env:"LLM_PROVIDER" envDefault:"anthropic"`
	AnthropicAPIKey string      `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string      `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-20250514"`
	MaxTokens       int64       `env:"MAX_TOKENS" envDefault:"4096"`
	OpenAIAPIKey    string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string      `env:"OPENAI_BASE_URL"`
	OpenAIModel     string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH"`

	// Embeddings
	Embedder            EmbedderKind `env:"EMBEDDER" envDefault:"mock"`
	EmbeddingModel      string       `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int          `env:"EMBEDDING_DIMENSIONS" envDefault:"384"`
	EmbedCacheSize      int64        `env:"EMBED_CACHE_SIZE" envDefault:"10000"`
	ONNXModelPath       string       `env:"ONNX_MODEL_PATH"`
	ONNXTokenizerPath   string       `env:"ONNX_TOKENIZER_PATH"`
	ONNXLibraryPath     string       `env:"ONNX_LIBRARY_PATH"`

	// Storage
	DBPath    string `env:"DB_PATH" envDefault:"data/recall.db"`
	VectorDir string `env:"VECTOR_DIR" envDefault:"data/vectors"`

	// Memory
	STMWindow         int           `env:"STM_WINDOW" envDefault:"10"`
	LTMTopK           int           `env:"LTM_TOP_K" envDefault:"3"`
	LTMMinSimilarity  float64       `env:"LTM_MIN_SIMILARITY" envDefault:"0.2"`
	ContextBudget     int           `env:"CONTEXT_BUDGET" envDefault:"24000"`
	MaxMessageChars   int           `env:"MAX_MESSAGE_CHARS" envDefault:"8000"`
	CompletionTimeout time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"60s"`
	TurnTimeout       time.Duration `env:"TURN_TIMEOUT" envDefault:"2m"`

	// Background writer
	WriterQueueSize   int           `env:"WRITER_QUEUE_SIZE" envDefault:"256"`
	WriterWorkers     int           `env:"WRITER_WORKERS" envDefault:"4"`
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 5m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"2m"`

	// Rate limiting
	RateLimit  int           `env:"RATE_LIMIT" envDefault:"20"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
}

// Load reads .env when present, parses the environment and validates it.
func Load() (*Config, error) {
	// Optional; system env vars win over the file
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for provider %s", c.LLMProvider)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider %s", c.LLMProvider)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.Embedder {
	case EmbedderMock:
	case EmbedderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for embedder %s", c.Embedder)
		}
	case EmbedderONNX:
		if c.ONNXModelPath == "" || c.ONNXTokenizerPath == "" {
			return fmt.Errorf("ONNX_MODEL_PATH and ONNX_TOKENIZER_PATH are required for embedder %s", c.Embedder)
		}
	default:
		return fmt.Errorf("unknown EMBEDDER %q", c.Embedder)
	}

	if c.LTMTopK < 3 || c.LTMTopK > 5 {
		return fmt.Errorf("LTM_TOP_K must be between 3 and 5, got %d", c.LTMTopK)
	}
	if c.LTMMinSimilarity < 0 || c.LTMMinSimilarity > 1 {
		return fmt.Errorf("LTM_MIN_SIMILARITY must be within [0, 1], got %g", c.LTMMinSimilarity)
	}
	if c.STMWindow < 0 {
		return fmt.Errorf("STM_WINDOW must not be negative, got %d", c.STMWindow)
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"EMBEDDING_DIMENSIONS", int64(c.EmbeddingDimensions)},
		{"CONTEXT_BUDGET", int64(c.ContextBudget)},
		{"MAX_MESSAGE_CHARS", int64(c.MaxMessageChars)},
		{"MAX_TOKENS", c.MaxTokens},
		{"COMPLETION_TIMEOUT", int64(c.CompletionTimeout)},
		{"TURN_TIMEOUT", int64(c.TurnTimeout)},
		{"WRITER_QUEUE_SIZE", int64(c.WriterQueueSize)},
		{"WRITER_WORKERS", int64(c.WriterWorkers)},
		{"RATE_LIMIT", int64(c.RateLimit)},
		{"RATE_WINDOW", int64(c.RateWindow)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.TurnTimeout < c.CompletionTimeout {
		return fmt.Errorf("TURN_TIMEOUT (%s) must not be shorter than COMPLETION_TIMEOUT (%s)", c.TurnTimeout, c.CompletionTimeout)
	}
	return nil
}
