// Package openai embeds text through the OpenAI embeddings API
// (or any compatible endpoint).
package openai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/becomeliminal/nim-recall/core"
)

// Config configures the OpenAI embedder.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint (OpenRouter, local gateways).
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests shortened vectors. Required: the index checks it.
	Dimensions int
}

// Embedder generates embeddings with go-openai.
type Embedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// New creates a new OpenAI embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("Dimensions is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Embedder{
		client:     openai.NewClientWithConfig(config),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed converts text to embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &core.EmbeddingError{Err: core.ErrEmptyText}
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, &core.EmbeddingError{Err: fmt.Errorf("create embeddings: %w", err)}
	}
	if len(resp.Data) == 0 {
		return nil, &core.EmbeddingError{Err: fmt.Errorf("no embedding returned")}
	}

	vec := resp.Data[0].Embedding
	if len(vec) != e.dimensions {
		return nil, &core.EmbeddingError{Err: fmt.Errorf("got %d dimensions, expected %d", len(vec), e.dimensions)}
	}

	log.Printf("[EMBED] model=%s tokens=%d", e.model, resp.Usage.TotalTokens)
	return vec, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
