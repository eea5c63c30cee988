package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/assembler"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
	"github.com/HamiltonHausTech/ai-context-manager/internal/registry"
)

// AddComponentRequest is the request body for registering a component
type AddComponentRequest struct {
	ID            string          `json:"id,omitempty"`
	AgentID       string          `json:"agent_id"`
	Kind          string          `json:"kind"`
	Content       string          `json:"content"`
	Tags          []string        `json:"tags,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	BaseRelevance *float64        `json:"base_relevance,omitempty"`
}

// RecordFeedbackRequest is the request body for recording feedback
type RecordFeedbackRequest struct {
	ComponentID string    `json:"component_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Delta       float64   `json:"delta"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// AgentFor resolves the agent recording feedback on a component owned by
// owner. Components are private to their agent, so a different agent_id is
// rejected.
func (req RecordFeedbackRequest) AgentFor(owner string) (string, error) {
	if req.AgentID == "" {
		return owner, nil
	}
	if req.AgentID != owner {
		return "", goerr.Wrap(models.ErrInvalidRequest, "feedback agent does not own the component",
			goerr.V("component_id", req.ComponentID), goerr.V("agent_id", req.AgentID))
	}
	return owner, nil
}

// AssembleResponse is the assembled context plus its rendered text
type AssembleResponse struct {
	*models.AssembledContext
	Rendered string `json:"rendered,omitempty"`
}

// ToComponent validates the request and builds the component to register.
func (req AddComponentRequest) ToComponent(now time.Time) (models.Component, error) {
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		return models.Component{}, err
	}
	c := models.NewComponent(req.AgentID, kind, req.Content, now)
	if req.ID != "" {
		c.ID = req.ID
	}
	c.Tags = req.Tags
	if len(req.Metadata) > 0 && string(req.Metadata) != "null" {
		if !json.Valid(req.Metadata) {
			return models.Component{}, goerr.Wrap(models.ErrInvalidComponent, "metadata must be valid JSON")
		}
		c.Metadata = string(req.Metadata)
	}
	if req.BaseRelevance != nil {
		c.BaseRelevance = *req.BaseRelevance
	}
	return c, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return goerr.Wrap(models.ErrInvalidRequest, "invalid request body", goerr.V("cause", err.Error()))
	}
	return nil
}

// asOf parses the optional as_of query parameter.
func asOf(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, goerr.Wrap(models.ErrInvalidRequest, "invalid as_of format, use RFC 3339", goerr.V("as_of", v))
	}
	return t, nil
}

// public drops the embedding from API output.
func public(c models.Component) models.Component {
	c.Embedding = nil
	return c
}

func (s *Server) handleAddComponent(w http.ResponseWriter, r *http.Request) {
	var req AddComponentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	c, err := req.ToComponent(time.Now().UTC())
	if err != nil {
		s.fail(w, r, err, "invalid component")
		return
	}

	stored, outcome, err := s.app.Registry.Register(r.Context(), c)
	if err != nil {
		s.fail(w, r, err, "failed to register component")
		return
	}

	code := http.StatusOK
	if outcome == registry.Created {
		code = http.StatusCreated
	}
	successResponse(w, code, map[string]any{
		"component": public(stored),
		"outcome":   outcome,
		"embedded":  len(stored.Embedding) > 0,
	})
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := models.QueryParams{
		AgentID: q.Get("agent_id"),
		Tags:    q["tag"],
		Order:   models.Order(q.Get("order")),
	}
	if params.AgentID == "" {
		s.fail(w, r, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required"), "invalid request")
		return
	}
	kinds, err := models.ParseKinds(q["kind"])
	if err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	params.Kinds = kinds
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, goerr.Wrap(models.ErrInvalidRequest, "limit must be a non-negative integer"), "invalid request")
			return
		}
		params.Limit = n
	}

	components, err := s.app.Registry.List(r.Context(), params)
	if err != nil {
		s.fail(w, r, err, "failed to list components")
		return
	}
	out := make([]models.Component, len(components))
	for i, c := range components {
		out[i] = public(c)
	}
	successResponse(w, http.StatusOK, map[string]any{
		"components": out,
		"count":      len(out),
	})
}

func (s *Server) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok, err := s.app.Registry.Lookup(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "failed to get component")
		return
	}
	if !ok {
		s.fail(w, r, goerr.Wrap(models.ErrNotFound, "no such component", goerr.V("id", id)), "component not found")
		return
	}
	successResponse(w, http.StatusOK, public(c))
}

func (s *Server) handleDeleteComponent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.app.Registry.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err, "failed to delete component")
		return
	}
	successResponse(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	at, err := asOf(r)
	if err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	score, err := s.app.Ledger.CurrentScore(r.Context(), id, at)
	if err != nil {
		s.fail(w, r, err, "failed to compute score")
		return
	}
	successResponse(w, http.StatusOK, map[string]any{
		"component_id": id,
		"score":        score,
		"as_of":        at,
	})
}

func (s *Server) handleRecordFeedback(w http.ResponseWriter, r *http.Request) {
	var req RecordFeedbackRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	if req.ComponentID == "" {
		s.fail(w, r, goerr.Wrap(models.ErrInvalidRequest, "component_id is required"), "invalid request")
		return
	}

	c, ok, err := s.app.Registry.Lookup(r.Context(), req.ComponentID)
	if err != nil {
		s.fail(w, r, err, "failed to look up component")
		return
	}
	if !ok {
		s.fail(w, r, goerr.Wrap(models.ErrNotFound, "no such component", goerr.V("id", req.ComponentID)), "component not found")
		return
	}
	agentID, err := req.AgentFor(c.AgentID)
	if err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}

	ev, err := s.app.Ledger.Record(r.Context(), req.ComponentID, agentID, req.Delta, req.Timestamp)
	if err != nil {
		s.fail(w, r, err, "failed to record feedback")
		return
	}
	score, err := s.app.Ledger.CurrentScore(r.Context(), req.ComponentID, time.Now().UTC())
	if err != nil {
		s.fail(w, r, err, "failed to compute score")
		return
	}
	successResponse(w, http.StatusCreated, map[string]any{
		"event": ev,
		"score": score,
	})
}

func (s *Server) handleFeedbackSummary(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	at, err := asOf(r)
	if err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	summary, err := s.app.Ledger.Summary(r.Context(), agentID, at)
	if err != nil {
		s.fail(w, r, err, "failed to summarize feedback")
		return
	}
	if summary == nil {
		summary = []models.FeedbackSummary{}
	}
	successResponse(w, http.StatusOK, map[string]any{
		"agent_id":   agentID,
		"as_of":      at,
		"components": summary,
	})
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var req assembler.Request
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "invalid request")
		return
	}
	out, err := s.app.Assembler.Assemble(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, "failed to assemble context")
		return
	}
	resp := AssembleResponse{AssembledContext: out}
	if !out.DryRun {
		resp.Rendered = out.Render()
	}
	successResponse(w, http.StatusOK, resp)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := "ok"
	if err := s.app.Ready(ctx); err != nil {
		store = err.Error()
	}
	resp := map[string]any{
		"status":     "operational",
		"store":      store,
		"backend":    s.app.Config.Store.Backend,
		"embedding":  s.app.EmbedderStatus(ctx),
		"summarizer": s.app.Chain.Status(),
		"assembler":  s.app.Assembler.MetricsSnapshot(),
	}
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		st, err := s.app.AgentStats(ctx, agentID)
		if err != nil {
			s.fail(w, r, err, "failed to count components")
			return
		}
		resp["agent"] = st
	}
	successResponse(w, http.StatusOK, resp)
}
