package db

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// MemoryStore keeps components and feedback in process memory. It backs
// tests and the "memory" backend; nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	dim        int
	components map[string]models.Component
	feedback   []models.FeedbackEvent
	closed     bool
}

// NewMemoryStore returns an empty store. dim <= 0 accepts any dimension.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{dim: dim, components: make(map[string]models.Component)}
}

func (m *MemoryStore) check() error {
	if m.closed {
		return goerr.Wrap(models.ErrStoreUnavailable, "memory store closed")
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Component, error) {
	if err := ctx.Err(); err != nil {
		return models.Component{}, unavailable(err, "get cancelled")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return models.Component{}, err
	}
	c, ok := m.components[id]
	if !ok {
		return models.Component{}, goerr.Wrap(models.ErrNotFound, "component not found", goerr.V("id", id))
	}
	return clone(c), nil
}

func (m *MemoryStore) Put(ctx context.Context, c models.Component) error {
	if err := checkComponent(&c, m.dim); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err, "put cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if prev, ok := m.components[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.components[c.ID] = clone(c)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "delete cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.components[id]; !ok {
		return goerr.Wrap(models.ErrNotFound, "component not found", goerr.V("id", id))
	}
	delete(m.components, id)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, params models.QueryParams) ([]models.Component, error) {
	if params.AgentID == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "query cancelled")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	var out []models.Component
	for _, c := range m.filter(params) {
		out = append(out, clone(c))
	}

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j], params.Order) })
	if limit := limitOf(params); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count ignores limit and order.
func (m *MemoryStore) Count(ctx context.Context, params models.QueryParams) (int, error) {
	if params.AgentID == "" {
		return 0, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err, "count cancelled")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	return len(m.filter(params)), nil
}

// filter must be called with the read lock held.
func (m *MemoryStore) filter(params models.QueryParams) []models.Component {
	kinds := make(map[models.Kind]bool, len(params.Kinds))
	for _, k := range params.Kinds {
		kinds[k] = true
	}
	var out []models.Component
	for _, c := range m.components {
		if c.AgentID != params.AgentID {
			continue
		}
		if len(kinds) > 0 && !kinds[c.Kind] {
			continue
		}
		if !c.HasTags(params.Tags) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// less mirrors orderClause of the SQL backends.
func less(a, b models.Component, order models.Order) bool {
	switch order {
	case models.OrderUpdatedDesc:
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	case models.OrderRelevanceDesc:
		if a.BaseRelevance != b.BaseRelevance {
			return a.BaseRelevance > b.BaseRelevance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}

func (m *MemoryStore) Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	if err := checkDim(embedding, m.dim); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err), "search cancelled")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, goerr.Wrap(models.ErrRetrieverUnavailable, "memory store closed")
	}

	type hit struct {
		id  string
		raw float64
	}
	var hits []hit
	for _, c := range m.components {
		if c.AgentID != agentID || len(c.Embedding) != len(embedding) {
			continue
		}
		hits = append(hits, hit{id: c.ID, raw: cosine(embedding, c.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].raw != hits[j].raw {
			return hits[i].raw > hits[j].raw
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	matches := make([]models.Match, len(hits))
	for i, h := range hits {
		matches[i] = models.Match{ComponentID: h.id, Similarity: clampSimilarity(h.raw)}
	}
	return matches, nil
}

func (m *MemoryStore) AppendFeedback(ctx context.Context, ev models.FeedbackEvent) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "append cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.feedback = append(m.feedback, ev)
	return nil
}

func (m *MemoryStore) ListFeedback(ctx context.Context, componentIDs []string) (map[string][]models.FeedbackEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "list cancelled")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(componentIDs))
	for _, id := range componentIDs {
		want[id] = true
	}
	out := make(map[string][]models.FeedbackEvent)
	for _, ev := range m.feedback {
		if want[ev.ComponentID] {
			out[ev.ComponentID] = append(out[ev.ComponentID], ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAgentFeedback(ctx context.Context, agentID string) ([]models.FeedbackEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "list cancelled")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []models.FeedbackEvent
	for _, ev := range m.feedback {
		if ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

// Close marks the store unavailable; later calls fail with ErrStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func clone(c models.Component) models.Component {
	c.Tags = append([]string(nil), c.Tags...)
	c.Embedding = append([]float32(nil), c.Embedding...)
	return c
}
