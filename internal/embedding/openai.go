package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int

	// Timeout bounds the underlying HTTP client (default: 10s).
	// Per-call deadlines come from the caller's context.
	Timeout time.Duration
}

// OpenAIEmbedder calls /embeddings through the go-openai SDK.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	logger    *zap.Logger
}

// NewOpenAIEmbedder validates cfg and builds the SDK client.
func NewOpenAIEmbedder(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// Self-hosted OpenAI-compatible servers accept any key.
		apiKey = "unused"
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		logger:    logger.Named("embedding"),
	}, nil
}

// Embed returns the embedding of text, checked against the configured dimension.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			e.logger.Warn("embedding provider error",
				zap.Int("status", apiErr.HTTPStatusCode),
				zap.String("error_message", apiErr.Message),
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("%w: provider returned %d embeddings for 1 input", ErrEmbedding, len(resp.Data))
	}

	vec := resp.Data[0].Embedding
	if err := CheckVector(vec, e.dimension); err != nil {
		return nil, err
	}

	e.logger.Debug("embedding completed",
		zap.String("model", e.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return vec, nil
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}
