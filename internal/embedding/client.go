// Package embedding turns text into vectors for similarity retrieval.
package embedding

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// DefaultTimeout bounds a single embedding round trip.
const DefaultTimeout = 30 * time.Second

// Client handles communication with Ollama for embeddings
type Client struct {
	api   *api.Client
	model string
	dim   int
}

// NewClient creates a new Ollama embedding client. dim > 0 rejects vectors
// of any other length.
func NewClient(baseURL, model string, dim int) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid ollama url", goerr.V("url", baseURL))
	}
	httpClient := &http.Client{Timeout: DefaultTimeout}
	return &Client{api: api.NewClient(u, httpClient), model: model, dim: dim}, nil
}

// API exposes the underlying Ollama client so the summarizer can share it.
func (c *Client) API() *api.Client { return c.api }

// Generate creates an embedding for the given text
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.model,
		Input: text,
	})
	if err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrEmbeddingUnavailable, err),
			"failed to call ollama embed", goerr.V("model", c.model))
	}
	if len(resp.Embeddings) == 0 {
		return nil, goerr.Wrap(models.ErrEmbeddingUnavailable, "no embeddings returned", goerr.V("model", c.model))
	}
	return checkDim(resp.Embeddings[0], c.dim, c.model)
}

// Ping checks that the Ollama server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.Heartbeat(ctx); err != nil {
		return goerr.Wrap(models.Classify(models.ErrEmbeddingUnavailable, err), "ollama heartbeat failed")
	}
	return nil
}

func checkDim(v []float32, dim int, model string) ([]float32, error) {
	if dim > 0 && len(v) != dim {
		return nil, goerr.Wrap(models.Classify(models.ErrEmbeddingUnavailable, models.ErrDimensionMismatch),
			"embedding model returned unexpected dimension",
			goerr.V("model", model), goerr.V("got", len(v)), goerr.V("want", dim))
	}
	return v, nil
}
