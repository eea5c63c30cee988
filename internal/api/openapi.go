package api

import (
	"net/http"
)

type object = map[string]any

func ref(name string) object {
	return object{"$ref": "#/components/schemas/" + name}
}

func jsonContent(schema object) object {
	return object{"application/json": object{"schema": schema}}
}

func operation(id, summary string, params []object, body object, okCode, okSchema string) object {
	op := object{
		"operationId": id,
		"summary":     summary,
		"responses": object{
			okCode: object{"description": "Success", "content": jsonContent(ref(okSchema))},
			"400":  object{"description": "Invalid request", "content": jsonContent(ref("Error"))},
			"503":  object{"description": "Component store unavailable", "content": jsonContent(ref("Error"))},
		},
	}
	if len(params) > 0 {
		op["parameters"] = params
	}
	if body != nil {
		op["requestBody"] = object{"required": true, "content": jsonContent(body)}
	}
	return op
}

func param(name, in, description string, required bool) object {
	return object{
		"name":        name,
		"in":          in,
		"required":    required,
		"description": description,
		"schema":      object{"type": "string"},
	}
}

func props(fields ...string) object {
	out := object{}
	for i := 0; i+1 < len(fields); i += 2 {
		out[fields[i]] = object{"type": fields[i+1]}
	}
	return out
}

// handleOpenAPISpec returns the OpenAPI 3.0 description of /api/v1.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	idParam := param("id", "path", "Component id", true)
	asOfParam := param("as_of", "query", "RFC 3339 instant; defaults to now", false)
	agentParam := param("agent_id", "path", "Agent id", true)

	spec := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "AI Context Manager API",
			"description": "Register agent memory components, record usefulness feedback and assemble token-budgeted context",
			"version":     "1.0.0",
		},
		"servers": []object{{"url": "http://localhost:" + s.port}},
		"paths": object{
			"/health": object{"get": operation("getHealth", "Liveness check", nil, nil, "200", "Status")},
			"/ready":  object{"get": operation("getReady", "Readiness check against the component store", nil, nil, "200", "Status")},
			"/api/v1/components": object{
				"post": operation("addComponent", "Register or update a component", nil, ref("AddComponentRequest"), "201", "RegisterResponse"),
				"get": operation("listComponents", "List an agent's components", []object{
					param("agent_id", "query", "Owning agent", true),
					param("kind", "query", "Repeatable kind filter", false),
					param("tag", "query", "Repeatable tag filter; all must match", false),
					param("limit", "query", "Maximum results", false),
					param("order", "query", "created_at_desc, updated_at_desc or base_relevance_desc", false),
				}, nil, "200", "ComponentList"),
			},
			"/api/v1/components/{id}": object{
				"get":    operation("getComponent", "Fetch one component", []object{idParam}, nil, "200", "Component"),
				"delete": operation("deleteComponent", "Delete a component; feedback history is kept", []object{idParam}, nil, "200", "Status"),
			},
			"/api/v1/components/{id}/score": object{
				"get": operation("getScore", "Decayed feedback score of a component", []object{idParam, asOfParam}, nil, "200", "Score"),
			},
			"/api/v1/feedback": object{
				"post": operation("recordFeedback", "Record a usefulness signal", nil, ref("RecordFeedbackRequest"), "201", "FeedbackResponse"),
			},
			"/api/v1/agents/{agent_id}/feedback": object{
				"get": operation("feedbackSummary", "Feedback report for an agent", []object{
					agentParam, asOfParam,
				}, nil, "200", "FeedbackSummary"),
			},
			"/api/v1/agents/{agent_id}/search": object{
				"get": operation("searchComponents", "Similarity search over an agent's components", []object{
					agentParam,
					param("q", "query", "Search text", true),
					param("limit", "query", "Maximum results, default 10", false),
				}, nil, "200", "SearchResults"),
			},
			"/api/v1/agents/{agent_id}/stats": object{
				"get": operation("agentStats", "Component counts by kind, task outcome and goal state", []object{agentParam}, nil, "200", "AgentStats"),
			},
			"/api/v1/agents/{agent_id}/goals": object{
				"get":  operation("listGoals", "Active goals, highest priority first", []object{agentParam}, nil, "200", "GoalList"),
				"post": operation("addGoal", "Add or replace a goal", []object{agentParam}, ref("AddGoalRequest"), "201", "Goal"),
			},
			"/api/v1/agents/{agent_id}/goals/{goal_id}/progress": object{
				"post": operation("updateGoalProgress", "Set goal progress; 1 completes the goal", []object{
					agentParam, param("goal_id", "path", "Goal id", true),
				}, ref("GoalProgressRequest"), "200", "Goal"),
			},
			"/api/v1/context": object{
				"post": operation("assembleContext", "Assemble a context within a token budget", nil, ref("AssembleRequest"), "200", "AssembledContext"),
			},
			"/api/v1/status": object{
				"get": operation("getStatus", "Store, embedding, summarizer chain and assembly counters", []object{
					param("agent_id", "query", "Also report this agent's component counts", false),
				}, nil, "200", "Status"),
			},
		},
		"components": object{
			"schemas": object{
				"Error":  object{"type": "object", "properties": props("error", "string")},
				"Status": object{"type": "object", "additionalProperties": true},
				"Component": object{
					"type": "object",
					"properties": props(
						"id", "string", "agent_id", "string", "kind", "string", "content", "string",
						"tags", "array", "metadata", "string", "base_relevance", "number",
						"created_at", "string", "updated_at", "string",
					),
				},
				"ComponentList": object{
					"type": "object",
					"properties": object{
						"components": object{"type": "array", "items": ref("Component")},
						"count":      object{"type": "integer"},
					},
				},
				"AddComponentRequest": object{
					"type":     "object",
					"required": []string{"agent_id", "kind", "content"},
					"properties": object{
						"id":             object{"type": "string"},
						"agent_id":       object{"type": "string"},
						"kind":           object{"type": "string", "enum": []string{"task_summary", "long_term_memory", "user_profile", "other"}},
						"content":        object{"type": "string"},
						"tags":           object{"type": "array", "items": object{"type": "string"}},
						"metadata":       object{"type": "object"},
						"base_relevance": object{"type": "number", "minimum": 0, "maximum": 1},
					},
				},
				"RegisterResponse": object{
					"type": "object",
					"properties": object{
						"component": ref("Component"),
						"outcome":   object{"type": "string", "enum": []string{"created", "updated", "unchanged"}},
						"embedded":  object{"type": "boolean"},
					},
				},
				"RecordFeedbackRequest": object{
					"type":       "object",
					"required":   []string{"component_id", "delta"},
					"properties": props("component_id", "string", "agent_id", "string", "delta", "number", "timestamp", "string"),
				},
				"FeedbackResponse": object{"type": "object", "additionalProperties": true},
				"Score":            object{"type": "object", "properties": props("component_id", "string", "score", "number", "as_of", "string")},
				"FeedbackSummary":  object{"type": "object", "additionalProperties": true},
				"AssembleRequest": object{
					"type":     "object",
					"required": []string{"agent_id", "token_budget"},
					"properties": object{
						"agent_id":     object{"type": "string"},
						"query":        object{"type": "string"},
						"token_budget": object{"type": "integer", "minimum": 1},
						"kinds":        object{"type": "array", "items": object{"type": "string"}},
						"tags":         object{"type": "array", "items": object{"type": "string"}},
						"dry_run":      object{"type": "boolean"},
					},
				},
				"AssembledContext": object{"type": "object", "additionalProperties": true},
				"SearchResults": object{
					"type": "object",
					"properties": object{
						"agent_id": object{"type": "string"},
						"query":    object{"type": "string"},
						"results": object{"type": "array", "items": object{
							"type": "object",
							"properties": object{
								"component":  ref("Component"),
								"similarity": object{"type": "number", "minimum": 0, "maximum": 1},
							},
						}},
						"count": object{"type": "integer"},
					},
				},
				"AgentStats": object{
					"type": "object",
					"properties": props(
						"agent_id", "string", "components", "integer", "by_kind", "object",
						"total_tasks", "integer", "successful_tasks", "integer", "failed_tasks", "integer",
						"total_goals", "integer", "active_goals", "integer", "completed_goals", "integer",
					),
				},
				"Goal": object{
					"type": "object",
					"properties": props(
						"goal_id", "string", "component_id", "string", "description", "string",
						"priority", "number", "progress", "number", "deadline", "string", "tags", "array",
						"created_at", "string", "updated_at", "string",
					),
				},
				"GoalList": object{
					"type": "object",
					"properties": object{
						"agent_id": object{"type": "string"},
						"goals":    object{"type": "array", "items": ref("Goal")},
						"count":    object{"type": "integer"},
					},
				},
				"AddGoalRequest": object{
					"type":     "object",
					"required": []string{"goal_id", "description"},
					"properties": object{
						"goal_id":     object{"type": "string"},
						"description": object{"type": "string"},
						"priority":    object{"type": "number", "minimum": 0},
						"deadline":    object{"type": "string", "format": "date-time"},
						"tags":        object{"type": "array", "items": object{"type": "string"}},
					},
				},
				"GoalProgressRequest": object{
					"type":       "object",
					"required":   []string{"progress"},
					"properties": object{"progress": object{"type": "number", "minimum": 0, "maximum": 1}},
				},
			},
		},
	}

	successResponse(w, http.StatusOK, spec)
}
