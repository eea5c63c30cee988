package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HamiltonHausTech/ai-context-manager/internal/app"
	"github.com/HamiltonHausTech/ai-context-manager/internal/config"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
)

func newTestServer(t *testing.T, tweaks ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Store.EmbeddingDim = 4
	cfg.Embedding.Provider = config.ProviderNone
	cfg.Summarizer.Strategies = nil
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	a, err := app.New(context.Background(), cfg, app.Secrets{}, logging.Discard())
	gt.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return NewServer(a)
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, map[string]any) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	gt.NoError(t, err)
	gt.A(t, res.Content).Length(1)

	text, ok := res.Content[0].(mcp.TextContent)
	gt.True(t, ok)
	var out map[string]any
	if !res.IsError {
		gt.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	}
	return res, out
}

func TestToolsRoundTrip(t *testing.T) {
	s := newTestServer(t)

	res, out := call(t, s.handleAddComponent, map[string]any{
		"id":       "lesson-1",
		"agent_id": "agent",
		"kind":     "long_term_memory",
		"content":  "flaky tests usually mean shared state",
	})
	gt.False(t, res.IsError)
	gt.Equal(t, out["outcome"], "created")

	res, out = call(t, s.handleGetComponent, map[string]any{"id": "lesson-1"})
	gt.False(t, res.IsError)
	gt.Equal(t, out["kind"], "long_term_memory")

	res, out = call(t, s.handleRecordFeedback, map[string]any{"component_id": "lesson-1", "delta": 1})
	gt.False(t, res.IsError)
	gt.Number(t, out["score"].(float64)).GreaterOrEqual(0.99)

	res, out = call(t, s.handleAssemble, map[string]any{"agent_id": "agent", "token_budget": 50})
	gt.False(t, res.IsError)
	gt.S(t, out["rendered"].(string)).Contains("shared state")

	res, out = call(t, s.handleGetStatus, map[string]any{})
	gt.False(t, res.IsError)
	gt.Equal(t, out["store"], "ok")
}

func TestToolErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
	}{
		{name: "unknown kind", handler: s.handleAddComponent, args: map[string]any{"agent_id": "a", "kind": "x", "content": "c"}},
		{name: "missing component", handler: s.handleGetComponent, args: map[string]any{"id": "nope"}},
		{name: "feedback for missing component", handler: s.handleRecordFeedback, args: map[string]any{"component_id": "nope", "delta": 1}},
		{name: "zero budget", handler: s.handleAssemble, args: map[string]any{"agent_id": "a", "token_budget": 0}},
		{name: "search without embedder", handler: s.handleSearch, args: map[string]any{"agent_id": "a", "query": "q"}},
		{name: "search without agent", handler: s.handleSearch, args: map[string]any{"query": "q"}},
		{name: "goal without description", handler: s.handleAddGoal, args: map[string]any{"agent_id": "a", "goal_id": "g"}},
		{name: "progress missing", handler: s.handleGoalProgress, args: map[string]any{"agent_id": "a", "goal_id": "g"}},
		{name: "progress for unknown goal", handler: s.handleGoalProgress, args: map[string]any{"agent_id": "a", "goal_id": "g", "progress": 0.5}},
		{name: "stats without agent", handler: s.handleAgentStats, args: map[string]any{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, _ := call(t, tc.handler, tc.args)
			gt.True(t, res.IsError)
		})
	}
}

func TestFeedbackFromAnotherAgent(t *testing.T) {
	s := newTestServer(t)
	res, _ := call(t, s.handleAddComponent, map[string]any{
		"id": "secret-1", "agent_id": "alice", "kind": "long_term_memory", "content": "alice's private note",
	})
	gt.False(t, res.IsError)

	res, _ = call(t, s.handleRecordFeedback, map[string]any{"component_id": "secret-1", "agent_id": "mallory", "delta": -1})
	gt.True(t, res.IsError)
	gt.S(t, res.Content[0].(mcp.TextContent).Text).Contains("does not own")

	events, err := s.app.Store.ListAgentFeedback(context.Background(), "mallory")
	gt.NoError(t, err)
	gt.A(t, events).Length(0)

	res, out := call(t, s.handleRecordFeedback, map[string]any{"component_id": "secret-1", "agent_id": "alice", "delta": 0.5})
	gt.False(t, res.IsError)
	gt.Number(t, out["score"].(float64)).GreaterOrEqual(0.49)
}

func TestGoalAndStatsTools(t *testing.T) {
	s := newTestServer(t)

	res, out := call(t, s.handleAddGoal, map[string]any{
		"agent_id": "agent", "goal_id": "market", "description": "Analyze market trends", "priority": 2,
	})
	gt.False(t, res.IsError)
	gt.Equal(t, out["goal_id"], "market")

	res, _ = call(t, s.handleAddGoal, map[string]any{"agent_id": "agent", "goal_id": "docs", "description": "Write docs"})
	gt.False(t, res.IsError)

	res, out = call(t, s.handleGoalProgress, map[string]any{"agent_id": "agent", "goal_id": "docs", "progress": 1})
	gt.False(t, res.IsError)
	gt.Equal(t, out["progress"], 1.0)

	res, out = call(t, s.handleActiveGoals, map[string]any{"agent_id": "agent"})
	gt.False(t, res.IsError)
	gt.Equal(t, out["count"], 1.0)

	res, out = call(t, s.handleAgentStats, map[string]any{"agent_id": "agent"})
	gt.False(t, res.IsError)
	gt.Equal(t, out["total_goals"], 2.0)
	gt.Equal(t, out["completed_goals"], 1.0)

	res, out = call(t, s.handleGetStatus, map[string]any{"agent_id": "agent"})
	gt.False(t, res.IsError)
	gt.Equal(t, out["agent"].(map[string]any)["active_goals"], 1.0)
}

func TestSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
		}
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		v := []float32{0.01, 0.01, 0.01, 0.01}
		if strings.Contains(strings.ToLower(req.Input), "database") {
			v[0] = 1
		}
		if strings.Contains(strings.ToLower(req.Input), "privacy") {
			v[1] = 1
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "nomic-embed-text", "embeddings": [][]float32{v}})
	}))
	t.Cleanup(srv.Close)
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Embedding.Provider = config.ProviderOllama
		cfg.Embedding.URL = srv.URL
	})

	for _, content := range []string{"database indexes cut latency", "privacy review passed"} {
		res, _ := call(t, s.handleAddComponent, map[string]any{"agent_id": "agent", "kind": "task_summary", "content": content})
		gt.False(t, res.IsError)
	}

	res, out := call(t, s.handleSearch, map[string]any{"agent_id": "agent", "query": "privacy", "limit": 1})
	gt.False(t, res.IsError)
	gt.Equal(t, out["count"], 1.0)
	top := out["results"].([]any)[0].(map[string]any)
	gt.Equal(t, top["component"].(map[string]any)["content"], "privacy review passed")
}
