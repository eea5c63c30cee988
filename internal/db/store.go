// Package db provides the component store backends: an embedded DuckDB file,
// Postgres with pgvector, and an in-process map. Every backend also serves
// as the vector retriever and the append-only feedback log.
package db

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/config"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// DefaultQueryLimit caps Query when the caller gives no limit.
const DefaultQueryLimit = 100

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, id string) (models.Component, error)
	Put(ctx context.Context, c models.Component) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, params models.QueryParams) ([]models.Component, error)
	Count(ctx context.Context, params models.QueryParams) (int, error)

	Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error)

	AppendFeedback(ctx context.Context, ev models.FeedbackEvent) error
	ListFeedback(ctx context.Context, componentIDs []string) (map[string][]models.FeedbackEvent, error)
	ListAgentFeedback(ctx context.Context, agentID string) ([]models.FeedbackEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendDuckDB:
		return NewDuckStore(DuckOptions{
			Path:           cfg.DuckDBPath,
			EmbeddingDim:   cfg.EmbeddingDim,
			MaxConns:       cfg.MaxConns,
			AcquireTimeout: cfg.AcquireTimeout,
		})
	case config.BackendPostgres:
		return NewPostgresStore(ctx, PostgresOptions{
			URL:            cfg.PostgresURL,
			EmbeddingDim:   cfg.EmbeddingDim,
			MaxConns:       cfg.MaxConns,
			AcquireTimeout: cfg.AcquireTimeout,
		})
	case config.BackendMemory:
		return NewMemoryStore(cfg.EmbeddingDim), nil
	}
	return nil, goerr.New("unknown store backend", goerr.V("backend", cfg.Backend))
}

// bound applies the pool wait bound unless the caller already set a deadline.
func bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func unavailable(err error, msg string, values ...goerr.Option) error {
	return goerr.Wrap(models.Classify(models.ErrStoreUnavailable, err), msg, values...)
}

func checkComponent(c *models.Component, dim int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Content == "" {
		return goerr.Wrap(models.ErrInvalidComponent, "content is required", goerr.V("id", c.ID))
	}
	return checkDim(c.Embedding, dim)
}

func checkDim(embedding []float32, dim int) error {
	if len(embedding) > 0 && dim > 0 && len(embedding) != dim {
		return goerr.Wrap(models.ErrDimensionMismatch, "embedding has wrong dimension",
			goerr.V("got", len(embedding)), goerr.V("want", dim))
	}
	return nil
}

func orderClause(o models.Order) string {
	switch o {
	case models.OrderUpdatedDesc:
		return "updated_at DESC, id ASC"
	case models.OrderRelevanceDesc:
		return "base_relevance DESC, created_at DESC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

func limitOf(p models.QueryParams) int {
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultQueryLimit
}

func kindStrings(kinds []models.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// vectorLiteral renders an embedding as "[a,b,c]", the text form accepted by
// both DuckDB array casts and pgvector.
func vectorLiteral(v []float32) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func clampSimilarity(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// cosine returns the cosine similarity of a and b, 0 for mismatched or zero
// vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
