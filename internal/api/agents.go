package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/agent"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// SearchRequest asks for an agent's components most similar to a query
type SearchRequest struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

// AddGoalRequest is the request body for adding a goal
type AddGoalRequest struct {
	AgentID     string     `json:"agent_id,omitempty"`
	GoalID      string     `json:"goal_id"`
	Description string     `json:"description"`
	Priority    float64    `json:"priority,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// Goal converts the request into the agent layer's goal.
func (req AddGoalRequest) Goal() agent.Goal {
	return agent.Goal{
		ID:          req.GoalID,
		Description: req.Description,
		Priority:    req.Priority,
		Deadline:    req.Deadline,
		Tags:        req.Tags,
	}
}

// GoalProgressRequest is the request body for updating goal progress
type GoalProgressRequest struct {
	AgentID  string   `json:"agent_id,omitempty"`
	GoalID   string   `json:"goal_id,omitempty"`
	Progress *float64 `json:"progress"`
}

// Value returns the requested progress; it is required.
func (req GoalProgressRequest) Value() (float64, error) {
	if req.Progress == nil {
		return 0, goerr.Wrap(models.ErrInvalidRequest, "progress is required", goerr.V("goal_id", req.GoalID))
	}
	return *req.Progress, nil
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*agent.Manager, bool) {
	m, err := s.app.Manager(chi.URLParam(r, "agent_id"))
	if err != nil {
		s.fail(w, r, err, "invalid request")
		return nil, false
	}
	return m, true
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, goerr.Wrap(models.ErrInvalidRequest, "limit must be an integer", goerr.V("limit", v)), "invalid request")
			return
		}
		limit = n
	}

	results, err := m.SearchSimilar(r.Context(), q.Get("q"), limit)
	if err != nil {
		s.fail(w, r, err, "failed to search components")
		return
	}
	for i := range results {
		results[i].Component = public(results[i].Component)
	}
	successResponse(w, http.StatusOK, map[string]any{
		"agent_id": m.AgentID(),
		"query":    q.Get("q"),
		"results":  results,
		"count":    len(results),
	})
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	st, err := m.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err, "failed to count components")
		return
	}
	successResponse(w, http.StatusOK, st)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	goals, err := m.ActiveGoals(r.Context())
	if err != nil {
		s.fail(w, r, err, "failed to list goals")
		return
	}
	successResponse(w, http.StatusOK, map[string]any{
		"agent_id": m.AgentID(),
		"goals":    goals,
		"count":    len(goals),
	})
}

func (s *Server) handleAddGoal(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var req AddGoalRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	g, err := m.AddGoal(r.Context(), req.Goal())
	if err != nil {
		s.fail(w, r, err, "failed to add goal")
		return
	}
	successResponse(w, http.StatusCreated, g)
}

func (s *Server) handleGoalProgress(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var req GoalProgressRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	progress, err := req.Value()
	if err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	g, err := m.UpdateGoalProgress(r.Context(), chi.URLParam(r, "goal_id"), progress)
	if err != nil {
		s.fail(w, r, err, "failed to update goal")
		return
	}
	successResponse(w, http.StatusOK, g)
}
