// Package mcp exposes the context manager as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/HamiltonHausTech/ai-context-manager/internal/api"
	"github.com/HamiltonHausTech/ai-context-manager/internal/app"
	"github.com/HamiltonHausTech/ai-context-manager/internal/assembler"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Server implements the MCP server
type Server struct {
	app       *app.App
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server
func NewServer(a *app.App) *Server {
	s := &Server{app: a}
	s.mcpServer = server.NewMCPServer(
		"AI Context Manager",
		Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func stringArray(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "add_component",
		Description: "Register a memory component for an agent. Re-adding the same id with new content updates it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id":             prop("string", "Stable id; generated when omitted"),
				"agent_id":       prop("string", "Owning agent"),
				"kind":           prop("string", "task_summary, long_term_memory, user_profile or other"),
				"content":        prop("string", "Text presented to the model"),
				"tags":           stringArray("Tags usable as assembly filters"),
				"metadata":       prop("object", "Arbitrary JSON metadata"),
				"base_relevance": prop("number", "Static importance in [0,1]; defaults per kind"),
			},
			Required: []string{"agent_id", "kind", "content"},
		},
	}, s.handleAddComponent)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_component",
		Description: "Fetch a component by id",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"id": prop("string", "Component id")},
			Required:   []string{"id"},
		},
	}, s.handleGetComponent)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "assemble_context",
		Description: "Select, rank and fit an agent's components into a token budget. Most calls only need agent_id, query and token_budget.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id":     prop("string", "Agent whose memory is assembled"),
				"query":        prop("string", "What the agent is working on; drives similarity retrieval"),
				"token_budget": prop("integer", "Maximum tokens of the assembled context"),
				"kinds":        stringArray("Only include these kinds"),
				"tags":         stringArray("Only include components carrying all of these tags"),
				"dry_run":      prop("boolean", "Plan without calling summarizers and omit content"),
			},
			Required: []string{"agent_id", "token_budget"},
		},
	}, s.handleAssemble)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "record_feedback",
		Description: "Record whether a component was useful. Positive deltas raise its ranking, negative ones lower it; the effect decays over time.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"component_id": prop("string", "Component the feedback is about"),
				"agent_id":     prop("string", "Agent giving feedback; must be the owner when given"),
				"delta":        prop("number", "Signal in [-1,1]"),
			},
			Required: []string{"component_id", "delta"},
		},
	}, s.handleRecordFeedback)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "search_components",
		Description: "Find an agent's components most similar to a query without assembling a context",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id": prop("string", "Agent whose components are searched"),
				"query":    prop("string", "Search text"),
				"limit":    prop("integer", "Maximum results, default 10"),
			},
			Required: []string{"agent_id", "query"},
		},
	}, s.handleSearch)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "add_goal",
		Description: "Add or replace a goal the agent is working toward. Higher priority goals rank higher in assembled context.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id":    prop("string", "Owning agent"),
				"goal_id":     prop("string", "Stable goal id"),
				"description": prop("string", "What the goal is"),
				"priority":    prop("number", "Positive priority, default 1"),
				"deadline":    prop("string", "Optional RFC 3339 deadline"),
				"tags":        stringArray("Extra tags"),
			},
			Required: []string{"agent_id", "goal_id", "description"},
		},
	}, s.handleAddGoal)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "update_goal_progress",
		Description: "Set a goal's progress in [0,1]; 1 completes it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id": prop("string", "Owning agent"),
				"goal_id":  prop("string", "Goal id"),
				"progress": prop("number", "Progress in [0,1]"),
			},
			Required: []string{"agent_id", "goal_id", "progress"},
		},
	}, s.handleGoalProgress)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_active_goals",
		Description: "List an agent's unfinished goals, highest priority first",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"agent_id": prop("string", "Owning agent")},
			Required:   []string{"agent_id"},
		},
	}, s.handleActiveGoals)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_agent_stats",
		Description: "Count an agent's components by kind, task outcome and goal state",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"agent_id": prop("string", "Agent id")},
			Required:   []string{"agent_id"},
		},
	}, s.handleAgentStats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_status",
		Description: "Store health, summarizer chain order and counters, assembly counters",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id": prop("string", "Also report this agent's component counts"),
			},
			Required: []string{},
		},
	}, s.handleGetStatus)
}

// parseParams converts MCP request arguments to a struct
func parseParams(args any, target any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAddComponent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params api.AddComponentRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	c, err := params.ToComponent(time.Now().UTC())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	stored, outcome, err := s.app.Registry.Register(ctx, c)
	if err != nil {
		s.app.Logger.Warn("add_component failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to register component: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"id":       stored.ID,
		"outcome":  outcome,
		"embedded": len(stored.Embedding) > 0,
	})
}

func (s *Server) handleGetComponent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	c, ok, err := s.app.Registry.Lookup(ctx, params.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get component: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("component %q not found", params.ID)), nil
	}
	c.Embedding = nil
	return jsonResult(c)
}

func (s *Server) handleAssemble(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var req assembler.Request
	if err := parseParams(request.Params.Arguments, &req); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	out, err := s.app.Assembler.Assemble(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to assemble context: %v", err)), nil
	}
	resp := api.AssembleResponse{AssembledContext: out}
	if !out.DryRun {
		resp.Rendered = out.Render()
	}
	return jsonResult(resp)
}

func (s *Server) handleRecordFeedback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params api.RecordFeedbackRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	c, ok, err := s.app.Registry.Lookup(ctx, params.ComponentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to look up component: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("component %q not found", params.ComponentID)), nil
	}
	agentID, err := params.AgentFor(c.AgentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ev, err := s.app.Ledger.Record(ctx, params.ComponentID, agentID, params.Delta, params.Timestamp)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record feedback: %v", err)), nil
	}
	score, err := s.app.Ledger.CurrentScore(ctx, params.ComponentID, time.Now().UTC())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute score: %v", err)), nil
	}
	return jsonResult(map[string]any{"event_id": ev.ID, "score": score})
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params api.SearchRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	m, err := s.app.Manager(params.AgentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := m.SearchSimilar(ctx, params.Query, params.Limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to search components: %v", err)), nil
	}
	for i := range results {
		results[i].Component.Embedding = nil
	}
	return jsonResult(map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleAddGoal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params api.AddGoalRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	m, err := s.app.Manager(params.AgentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	g, err := m.AddGoal(ctx, params.Goal())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add goal: %v", err)), nil
	}
	return jsonResult(g)
}

func (s *Server) handleGoalProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params api.GoalProgressRequest
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	progress, err := params.Value()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.app.Manager(params.AgentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	g, err := m.UpdateGoalProgress(ctx, params.GoalID, progress)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update goal: %v", err)), nil
	}
	return jsonResult(g)
}

func (s *Server) handleActiveGoals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	m, err := s.app.Manager(params.AgentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	goals, err := m.ActiveGoals(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list goals: %v", err)), nil
	}
	return jsonResult(map[string]any{"goals": goals, "count": len(goals)})
}

func (s *Server) handleAgentStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	st, err := s.app.AgentStats(ctx, params.AgentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count components: %v", err)), nil
	}
	return jsonResult(st)
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	store := "ok"
	if err := s.app.Ready(ctx); err != nil {
		store = err.Error()
	}
	resp := map[string]any{
		"status":     "operational",
		"version":    Version,
		"store":      store,
		"embedding":  s.app.EmbedderStatus(ctx),
		"summarizer": s.app.Chain.Status(),
		"assembler":  s.app.Assembler.MetricsSnapshot(),
	}
	if params.AgentID != "" {
		st, err := s.app.AgentStats(ctx, params.AgentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to count components: %v", err)), nil
		}
		resp["agent"] = st
	}
	return jsonResult(resp)
}

// Serve runs the MCP server over stdio
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for other transports such as SSE
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
