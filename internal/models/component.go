package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// Kind tags a component with its role in an agent's memory
type Kind string

const (
	KindTaskSummary    Kind = "task_summary"
	KindLongTermMemory Kind = "long_term_memory"
	KindUserProfile    Kind = "user_profile"
	KindOther          Kind = "other"
)

// Kinds lists every registered component kind in declaration order
var Kinds = []Kind{KindTaskSummary, KindLongTermMemory, KindUserProfile, KindOther}

// Valid reports whether k is one of the registered kinds
func (k Kind) Valid() bool {
	switch k {
	case KindTaskSummary, KindLongTermMemory, KindUserProfile, KindOther:
		return true
	}
	return false
}

// DefaultBaseRelevance is used when a component is created without an explicit relevance
func (k Kind) DefaultBaseRelevance() float64 {
	switch k {
	case KindUserProfile:
		return 0.8
	case KindLongTermMemory:
		return 0.6
	case KindTaskSummary:
		return 0.5
	default:
		return 0.3
	}
}

// ParseKind converts a user supplied string into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", goerr.Wrap(ErrInvalidComponent, "unknown component kind", goerr.V("kind", s))
	}
	return k, nil
}

// ParseKinds converts a list of strings, skipping empty entries
func ParseKinds(values []string) ([]Kind, error) {
	var kinds []Kind
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		k, err := ParseKind(v)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Component represents a unit of agent memory eligible for context assembly
type Component struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	Kind          Kind      `json:"kind"`
	Content       string    `json:"content"`
	Tags          []string  `json:"tags,omitempty"`
	Metadata      string    `json:"metadata,omitempty"` // JSON string
	Embedding     []float32 `json:"embedding,omitempty"`
	BaseRelevance float64   `json:"base_relevance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewComponent builds a component with a generated id, kind default relevance and timestamps
func NewComponent(agentID string, kind Kind, content string, now time.Time) Component {
	return Component{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		Kind:          kind,
		Content:       content,
		BaseRelevance: kind.DefaultBaseRelevance(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the invariants every stored component must satisfy
func (c *Component) Validate() error {
	if c.ID == "" {
		return goerr.Wrap(ErrInvalidComponent, "id is required")
	}
	if c.AgentID == "" {
		return goerr.Wrap(ErrInvalidComponent, "agent_id is required", goerr.V("id", c.ID))
	}
	if !c.Kind.Valid() {
		return goerr.Wrap(ErrInvalidComponent, "unknown component kind", goerr.V("id", c.ID), goerr.V("kind", c.Kind))
	}
	if c.BaseRelevance < 0 || c.BaseRelevance > 1 {
		return goerr.Wrap(ErrInvalidComponent, "base_relevance must be within [0,1]",
			goerr.V("id", c.ID), goerr.V("base_relevance", c.BaseRelevance))
	}
	return nil
}

// HasTags reports whether the component carries every one of the given tags
func (c *Component) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range c.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Order selects the sort key for component queries
type Order string

const (
	OrderCreatedDesc   Order = "created_at_desc"
	OrderUpdatedDesc   Order = "updated_at_desc"
	OrderRelevanceDesc Order = "base_relevance_desc"
)

// QueryParams defines parameters for listing components of an agent
type QueryParams struct {
	AgentID string   `json:"agent_id"`
	Kinds   []Kind   `json:"kinds,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Order   Order    `json:"order,omitempty"`
}

// Match is one vector retrieval hit
type Match struct {
	ComponentID string  `json:"component_id"`
	Similarity  float64 `json:"similarity"`
}

// SearchResult is a component returned by similarity search
type SearchResult struct {
	Component  Component `json:"component"`
	Similarity float64   `json:"similarity"`
}
