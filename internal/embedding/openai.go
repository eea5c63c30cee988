package embedding

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// OpenAIClient generates embeddings through the OpenAI embeddings API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIClient builds a client. An empty baseURL uses the public API.
func NewOpenAIClient(apiKey, baseURL, model string, dim int) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}
}

// Chat exposes the underlying client so the summarizer can share it.
func (c *OpenAIClient) Chat() *openai.Client { return c.client }

// Generate creates an embedding for the given text
func (c *OpenAIClient) Generate(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	}
	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrEmbeddingUnavailable, err),
			"failed to call openai embeddings", goerr.V("model", c.model))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.Wrap(models.ErrEmbeddingUnavailable, "no embeddings returned", goerr.V("model", c.model))
	}
	return checkDim(resp.Data[0].Embedding, c.dim, c.model)
}
