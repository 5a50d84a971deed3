package llmservice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"label-rag/internal/config"
	"label-rag/internal/models"
)

// Client calls a chat model through langchaingo.
type Client struct {
	llm        llms.Model
	cfg        config.LLMConfig
	httpClient *http.Client
}

// NewClient builds the model named by cfg.Provider (openai-compatible or ollama).
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Str("base_url", cfg.BaseURL).Msg("Creating llm client")

	var (
		llm llms.Model
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		llm, err = openai.New(
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		)
	case "ollama":
		llm, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	default:
		return nil, models.ConfigurationError("llmservice.NewClient", fmt.Sprintf("unknown llm provider %q", cfg.Provider), nil)
	}
	if err != nil {
		return nil, models.ConfigurationError("llmservice.NewClient", "failed to initialize llm", err)
	}
	return NewWithModel(llm, cfg), nil
}

// NewWithModel wraps an existing model.
func NewWithModel(llm llms.Model, cfg *config.LLMConfig) *Client {
	return &Client{
		llm:        llm,
		cfg:        *cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Messages builds the chat messages for one call. With merge_system_prompt the
// instruction is prepended to the user message for models lacking a system role.
func (c *Client) Messages(system, prompt string) []llms.MessageContent {
	if c.cfg.MergeSystemPrompt {
		return []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeHuman, system+"\n\n"+prompt),
		}
	}
	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
}

// Generate returns the model's answer. Failures and empty responses are
// ExternalCallErrors; the call is bounded by the configured timeout.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	const op = "llmservice.Generate"
	if c.cfg.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSecs)*time.Second)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, c.Messages(system, prompt),
		llms.WithTemperature(c.cfg.Temperature),
		llms.WithMaxTokens(c.cfg.MaxTokens),
		llms.WithTopP(c.cfg.TopP),
	)
	if err != nil {
		return "", models.ExternalCallError(op, "model "+c.cfg.Model, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", models.ExternalCallError(op, "empty response from "+c.cfg.Model, nil)
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", models.ExternalCallError(op, "empty answer from "+c.cfg.Model, nil)
	}
	log.Debug().Dur("elapsed", time.Since(start)).Int("chars", len(text)).Msg("Generated answer")
	return text, nil
}

// Ping checks the model server is reachable: GET {base_url}/models for
// openai-compatible servers, {base_url}/api/tags for ollama.
func (c *Client) Ping(ctx context.Context) error {
	const op = "llmservice.Ping"
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/models"
	if strings.EqualFold(c.cfg.Provider, "ollama") {
		url = strings.TrimRight(c.cfg.BaseURL, "/") + "/api/tags"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ConfigurationError(op, "bad base url", err)
	}
	if c.cfg.Key != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(c.cfg.Key, "Bearer "))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ExternalCallError(op, "llm server unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return models.ExternalCallError(op, fmt.Sprintf("llm server returned %d", resp.StatusCode), nil)
	}
	return nil
}
