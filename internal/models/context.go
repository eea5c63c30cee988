package models

import (
	"strings"
	"time"
)

// DropReason explains why a candidate did not make it into the context
type DropReason string

const DropOverBudget DropReason = "over_budget"

// ScoredComponent is a candidate ranked during a single assembly call
type ScoredComponent struct {
	Component     Component `json:"component"`
	Similarity    float64   `json:"similarity"`
	FeedbackScore float64   `json:"feedback_score"`
	Recency       float64   `json:"recency"`
	CombinedScore float64   `json:"combined_score"`
}

// ContextEntry is one component as presented to the downstream model
type ContextEntry struct {
	ComponentID string  `json:"component_id"`
	Kind        Kind    `json:"kind"`
	Content     string  `json:"content,omitempty"`
	Tokens      int     `json:"tokens"`
	Score       float64 `json:"score"`
	Compressed  bool    `json:"compressed"`
}

// Compression records how a component was shrunk to fit
type Compression struct {
	ComponentID    string  `json:"component_id"`
	OriginalTokens int     `json:"original_tokens"`
	Tokens         int     `json:"tokens"`
	Ratio          float64 `json:"ratio"`
	Strategy       string  `json:"strategy"`
}

// Drop records a candidate that was left out
type Drop struct {
	ComponentID string     `json:"component_id"`
	Reason      DropReason `json:"reason"`
	Tokens      int        `json:"tokens"`
}

// Diagnostic is a structured note about a degraded dependency
type Diagnostic struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// AssembledContext is the result of one assembly request
type AssembledContext struct {
	AgentID     string         `json:"agent_id"`
	Query       string         `json:"query,omitempty"`
	TokenBudget int            `json:"token_budget"`
	TokensUsed  int            `json:"tokens_used"`
	Entries     []ContextEntry `json:"entries"`
	Included    []string       `json:"included"`
	Compressed  []Compression  `json:"compressed"`
	Dropped     []Drop         `json:"dropped"`
	Degraded    bool           `json:"degraded"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Render joins entry contents in presentation order
func (a *AssembledContext) Render() string {
	parts := make([]string, 0, len(a.Entries))
	for _, e := range a.Entries {
		parts = append(parts, e.Content)
	}
	return strings.Join(parts, "\n\n")
}
