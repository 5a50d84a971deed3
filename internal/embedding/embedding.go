package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"label-rag/internal/config"
	"label-rag/internal/models"
)

// Provider names accepted in embed_llm.provider.
const (
	ProviderOpenAI        = "openai"
	ProviderOllama        = "ollama"
	ProviderChromemOllama = "chromem-ollama"
	ProviderChromemOpenAI = "chromem-openai"
	ProviderHashing       = "hashing"
)

// New builds the embedder described by cfg.
func New(cfg *config.EmbedConfig) (embeddings.Embedder, error) {
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Str("base_url", cfg.BaseURL).Msg("Creating embedder")

	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewEmbedder(cfg.Key, cfg.BaseURL, cfg.Model, cfg.BatchSize)
	case ProviderOllama:
		return NewOllamaEmbedder(cfg)
	case ProviderChromemOllama:
		return NewChromemEmbedder(chromem.NewEmbeddingFuncOllama(cfg.Model, cfg.BaseURL)), nil
	case ProviderChromemOpenAI:
		return NewChromemEmbedder(chromem.NewEmbeddingFuncOpenAI(cfg.Key, chromem.EmbeddingModelOpenAI(cfg.Model))), nil
	case ProviderHashing:
		return NewHashingEmbedder(cfg.Dimension), nil
	default:
		return nil, models.ConfigurationError("embedding.New", fmt.Sprintf("unknown embedding provider %q", cfg.Provider), nil)
	}
}

// NewEmbedder creates an embedder backed by an OpenAI-compatible endpoint.
func NewEmbedder(key, baseURL, embeddingModel string, batchSize int) (*embeddings.EmbedderImpl, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(key, "Bearer ")),
		openai.WithEmbeddingModel(embeddingModel),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, models.ConfigurationError("embedding.NewEmbedder", "failed to initialize openai client", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batchSize))
	if err != nil {
		return nil, models.ConfigurationError("embedding.NewEmbedder", "failed to create embedder", err)
	}
	return embedder, nil
}

// new ollama embedder
func NewOllamaEmbedder(cfg *config.EmbedConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, models.ConfigurationError("embedding.NewOllamaEmbedder", "failed to initialize ollama client", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, models.ConfigurationError("embedding.NewOllamaEmbedder", "failed to create embedder", err)
	}
	return embedder, nil
}

// ChromemEmbedder adapts a chromem-go embedding function to the langchaingo Embedder interface.
type ChromemEmbedder struct {
	fn chromem.EmbeddingFunc
}

func NewChromemEmbedder(fn chromem.EmbeddingFunc) *ChromemEmbedder {
	return &ChromemEmbedder{fn: fn}
}

func (c *ChromemEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := c.fn(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed document %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *ChromemEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.fn(ctx, text)
}
