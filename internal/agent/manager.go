// Package agent is a convenience layer that records what an agent did and
// learned as components and reads its context back.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/assembler"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
	"github.com/HamiltonHausTech/ai-context-manager/internal/registry"
)

// Relevance of recorded task results.
const (
	SuccessRelevance = 0.7
	FailureRelevance = 0.4
)

// namespace scopes the name-based ids derived for caller supplied keys.
var namespace = uuid.MustParse("6f1d2c1e-5b7a-4c55-9a43-0d6c2f8e4a11")

// Registry is the component access the manager needs.
type Registry interface {
	Register(ctx context.Context, c models.Component) (models.Component, registry.Outcome, error)
	Lookup(ctx context.Context, id string) (models.Component, bool, error)
	List(ctx context.Context, params models.QueryParams) ([]models.Component, error)
	Count(ctx context.Context, params models.QueryParams) (int, error)
	Search(ctx context.Context, agentID, query string, limit int) ([]models.SearchResult, error)
}

// ContextAssembler builds contexts.
type ContextAssembler interface {
	Assemble(ctx context.Context, req assembler.Request) (*models.AssembledContext, error)
}

// Manager records components for one agent.
type Manager struct {
	agentID   string
	registry  Registry
	assembler ContextAssembler
	clock     func() time.Time
}

// NewManager returns a manager bound to agentID.
func NewManager(agentID string, reg Registry, asm ContextAssembler) (*Manager, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	if reg == nil || asm == nil {
		return nil, goerr.New("agent manager requires a registry and an assembler")
	}
	return &Manager{agentID: agentID, registry: reg, assembler: asm, clock: time.Now}, nil
}

// AgentID returns the agent the manager writes for.
func (m *Manager) AgentID() string { return m.agentID }

// ComponentID derives a stable component id from a caller supplied key, so
// repeated records with the same key update one component.
func (m *Manager) ComponentID(scope, key string) string {
	return uuid.NewSHA1(namespace, []byte(m.agentID+"/"+scope+"/"+key)).String()
}

// RecordTaskResult stores the outcome of a task. Successful tasks rank higher.
func (m *Manager) RecordTaskResult(ctx context.Context, taskID, name, result string, success bool) (models.Component, error) {
	if strings.TrimSpace(result) == "" {
		return models.Component{}, goerr.Wrap(models.ErrInvalidRequest, "task result is required", goerr.V("task_id", taskID))
	}

	status, relevance := "failure", FailureRelevance
	if success {
		status, relevance = "success", SuccessRelevance
	}
	content := result
	if name != "" {
		content = fmt.Sprintf("Task %s (%s): %s", name, status, result)
	}

	c := m.component(models.KindTaskSummary, "task", taskID, content, relevance)
	c.Tags = []string{"task", status}
	meta, err := json.Marshal(map[string]any{"task_id": taskID, "name": name, "success": success})
	if err != nil {
		return models.Component{}, goerr.Wrap(err, "failed to encode task metadata")
	}
	c.Metadata = string(meta)
	return m.register(ctx, c)
}

// RecordLearning stores a long-term learning. Importance is unbounded above;
// it maps onto base relevance as 1 - 0.4^importance, so importance 1 gives
// the kind default 0.6.
func (m *Manager) RecordLearning(ctx context.Context, learningID, content, source string, importance float64) (models.Component, error) {
	if strings.TrimSpace(content) == "" {
		return models.Component{}, goerr.Wrap(models.ErrInvalidRequest, "learning content is required", goerr.V("learning_id", learningID))
	}
	if importance < 0 || math.IsNaN(importance) || math.IsInf(importance, 0) {
		return models.Component{}, goerr.Wrap(models.ErrInvalidRequest, "importance must be a non-negative number",
			goerr.V("importance", importance))
	}

	c := m.component(models.KindLongTermMemory, "learning", learningID, content, ImportanceRelevance(importance))
	c.Tags = []string{"learning"}
	if source != "" {
		c.Tags = append(c.Tags, source)
		meta, err := json.Marshal(map[string]any{"source": source, "importance": importance})
		if err != nil {
			return models.Component{}, goerr.Wrap(err, "failed to encode learning metadata")
		}
		c.Metadata = string(meta)
	}
	return m.register(ctx, c)
}

// ImportanceRelevance maps a non-negative importance onto [0,1).
func ImportanceRelevance(importance float64) float64 {
	return 1 - math.Pow(0.4, importance)
}

// SetProfileFact upserts a user profile fact keyed by name.
func (m *Manager) SetProfileFact(ctx context.Context, name, value string) (models.Component, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(value) == "" {
		return models.Component{}, goerr.Wrap(models.ErrInvalidRequest, "profile fact needs a name and a value", goerr.V("name", name))
	}
	c := m.component(models.KindUserProfile, "profile", name, name+": "+value, models.KindUserProfile.DefaultBaseRelevance())
	c.Tags = []string{"profile", name}
	return m.register(ctx, c)
}

// SearchSimilar returns the agent's components closest to query.
func (m *Manager) SearchSimilar(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	return m.registry.Search(ctx, m.agentID, query, limit)
}

// GetContext assembles the agent's context and renders it as one string.
func (m *Manager) GetContext(ctx context.Context, query string, budget int) (string, *models.AssembledContext, error) {
	out, err := m.assembler.Assemble(ctx, assembler.Request{
		AgentID:     m.agentID,
		Query:       query,
		TokenBudget: budget,
	})
	if err != nil {
		return "", nil, err
	}
	return out.Render(), out, nil
}

func (m *Manager) component(kind models.Kind, scope, key, content string, relevance float64) models.Component {
	c := models.NewComponent(m.agentID, kind, content, m.clock().UTC())
	if key != "" {
		c.ID = m.ComponentID(scope, key)
	}
	c.BaseRelevance = relevance
	return c
}

func (m *Manager) register(ctx context.Context, c models.Component) (models.Component, error) {
	stored, _, err := m.registry.Register(ctx, c)
	if err != nil {
		return models.Component{}, goerr.Wrap(err, "failed to record component",
			goerr.V("agent_id", m.agentID), goerr.V("kind", c.Kind))
	}
	return stored, nil
}
