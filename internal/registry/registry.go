// Package registry guards component registration against conflicting ids and
// serves lookups through a transient read cache over the component store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// Store is the component persistence the registry reads and writes.
type Store interface {
	Get(ctx context.Context, id string) (models.Component, error)
	Put(ctx context.Context, c models.Component) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, params models.QueryParams) ([]models.Component, error)
	Count(ctx context.Context, params models.QueryParams) (int, error)
	Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error)
}

// Embedder computes component embeddings on write.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Outcome tells the caller what Register did.
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Registry registers and looks up components.
type Registry struct {
	store    Store
	embedder Embedder
	clock    func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	gen   uint64
	cache map[string]models.Component
}

// Option customizes a Registry.
type Option func(*Registry)

// WithEmbedder computes embeddings for components registered without one.
func WithEmbedder(e Embedder) Option {
	return func(r *Registry) { r.embedder = e }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  time.Now,
		logger: logging.Default(),
		cache:  make(map[string]models.Component),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores c. An unknown id is created. A known id with identical
// content, relevance, tags and metadata is a no-op. Any other difference is
// an update that keeps created_at; only a content change re-embeds. A known id owned by another agent or carrying another
// kind is rejected with ErrDuplicateComponent.
func (r *Registry) Register(ctx context.Context, c models.Component) (models.Component, Outcome, error) {
	now := r.clock().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if err := c.Validate(); err != nil {
		return models.Component{}, "", err
	}
	if c.Content == "" {
		return models.Component{}, "", goerr.Wrap(models.ErrInvalidComponent, "content is required", goerr.V("id", c.ID))
	}

	existing, err := r.store.Get(ctx, c.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		r.embed(ctx, &c)
		if err := r.write(ctx, c); err != nil {
			return models.Component{}, "", err
		}
		return c, Created, nil

	case err != nil:
		return models.Component{}, "", goerr.Wrap(err, "failed to check existing component", goerr.V("id", c.ID))
	}

	if existing.AgentID != c.AgentID || existing.Kind != c.Kind {
		return models.Component{}, "", goerr.Wrap(models.ErrDuplicateComponent, "id already registered with another owner or kind",
			goerr.V("id", c.ID),
			goerr.V("existing_agent", existing.AgentID), goerr.V("existing_kind", existing.Kind),
			goerr.V("agent", c.AgentID), goerr.V("kind", c.Kind))
	}
	if sameComponent(existing, c) {
		return existing, Unchanged, nil
	}

	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now
	if len(c.Embedding) == 0 {
		if existing.Content == c.Content {
			c.Embedding = existing.Embedding
		} else {
			r.embed(ctx, &c)
		}
	}
	if err := r.write(ctx, c); err != nil {
		return models.Component{}, "", err
	}
	return c, Updated, nil
}

func sameComponent(a, b models.Component) bool {
	return a.Content == b.Content &&
		a.BaseRelevance == b.BaseRelevance &&
		slices.Equal(a.Tags, b.Tags) &&
		sameJSON(a.Metadata, b.Metadata)
}

// sameJSON compares metadata by value; backends may reformat the text.
func sameJSON(a, b string) bool {
	if strings.TrimSpace(a) == strings.TrimSpace(b) {
		return true
	}
	var va, vb any
	if json.Unmarshal([]byte(a), &va) != nil || json.Unmarshal([]byte(b), &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// embed fills c.Embedding when an embedder is configured. Failure leaves the
// component without an embedding; it is then reachable by direct fetch only.
func (r *Registry) embed(ctx context.Context, c *models.Component) {
	if r.embedder == nil || len(c.Embedding) > 0 {
		return
	}
	v, err := r.embedder.Generate(ctx, c.Content)
	if err != nil {
		r.logger.Warn("storing component without embedding", "id", c.ID, "error", err)
		return
	}
	c.Embedding = v
}

func (r *Registry) write(ctx context.Context, c models.Component) error {
	defer r.invalidate()
	if err := r.store.Put(ctx, c); err != nil {
		return goerr.Wrap(err, "failed to store component", goerr.V("id", c.ID))
	}
	return nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	clear(r.cache)
}

// Lookup returns the component with id. A missing component is reported as
// found == false, not as an error.
func (r *Registry) Lookup(ctx context.Context, id string) (models.Component, bool, error) {
	r.mu.Lock()
	c, ok := r.cache[id]
	gen := r.gen
	r.mu.Unlock()
	if ok {
		return c, true, nil
	}

	c, err := r.store.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.Component{}, false, nil
	}
	if err != nil {
		return models.Component{}, false, goerr.Wrap(err, "failed to look up component", goerr.V("id", id))
	}

	r.mu.Lock()
	// a write since the read started makes c possibly stale
	if r.gen == gen {
		r.cache[id] = c
	}
	r.mu.Unlock()
	return c, true, nil
}

// ListByKind lists an agent's components of one kind, newest first.
func (r *Registry) ListByKind(ctx context.Context, agentID string, kind models.Kind) ([]models.Component, error) {
	if !kind.Valid() {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "unknown component kind", goerr.V("kind", kind))
	}
	return r.List(ctx, models.QueryParams{AgentID: agentID, Kinds: []models.Kind{kind}})
}

// List passes a query through to the store.
func (r *Registry) List(ctx context.Context, params models.QueryParams) ([]models.Component, error) {
	if params.AgentID == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	cs, err := r.store.Query(ctx, params)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list components", goerr.V("agent_id", params.AgentID))
	}
	return cs, nil
}

// Count reports how many of an agent's components match params.
func (r *Registry) Count(ctx context.Context, params models.QueryParams) (int, error) {
	if params.AgentID == "" {
		return 0, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	n, err := r.store.Count(ctx, params)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count components", goerr.V("agent_id", params.AgentID))
	}
	return n, nil
}

// Search limits.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// Search embeds query and returns the agent's most similar components, most
// similar first. It needs an embedder; without one it fails with
// ErrRetrieverUnavailable.
func (r *Registry) Search(ctx context.Context, agentID, query string, limit int) ([]models.SearchResult, error) {
	if agentID == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "query is required")
	}
	if limit < 0 {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "limit must not be negative", goerr.V("limit", limit))
	}
	if limit == 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)
	if r.embedder == nil {
		return nil, goerr.Wrap(models.ErrRetrieverUnavailable, "semantic search is not configured")
	}

	vec, err := r.embedder.Generate(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrEmbeddingUnavailable, err), "failed to embed query")
	}
	matches, err := r.store.Search(ctx, agentID, vec, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search components", goerr.V("agent_id", agentID))
	}

	out := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		c, ok, err := r.Lookup(ctx, m.ComponentID)
		if err != nil {
			return nil, err
		}
		// deleted between search and fetch
		if !ok {
			continue
		}
		out = append(out, models.SearchResult{Component: c, Similarity: m.Similarity})
	}
	return out, nil
}

// Remove deletes a component.
func (r *Registry) Remove(ctx context.Context, id string) error {
	defer r.invalidate()
	if err := r.store.Delete(ctx, id); err != nil {
		return goerr.Wrap(err, "failed to remove component", goerr.V("id", id))
	}
	return nil
}

// CacheSize reports the number of cached lookups.
func (r *Registry) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
