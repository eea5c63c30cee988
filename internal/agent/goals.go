package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// Goal tags. Every goal carries TagGoal and exactly one status tag.
const (
	TagGoal      = "goal"
	TagActive    = "active"
	TagCompleted = "completed"
)

// DefaultGoalPriority is used when a goal is added without a priority.
const DefaultGoalPriority = 1.0

// maxGoals bounds how many active goals are read back.
const maxGoals = 1000

// Goal is something the agent is working toward. Goals are stored as
// components of kind other so they take part in assembly like any memory.
type Goal struct {
	ID          string     `json:"goal_id"`
	ComponentID string     `json:"component_id,omitempty"`
	Description string     `json:"description"`
	Priority    float64    `json:"priority"`
	Progress    float64    `json:"progress"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Completed reports whether progress reached 1.
func (g Goal) Completed() bool { return g.Progress >= 1 }

// content is what the model sees when the goal is assembled.
func (g Goal) content() string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(g.Description)
	if g.Completed() {
		b.WriteString(" (completed)")
	} else {
		fmt.Fprintf(&b, " (%.0f%% complete)", g.Progress*100)
	}
	if g.Deadline != nil {
		b.WriteString(", due ")
		b.WriteString(g.Deadline.UTC().Format(time.DateOnly))
	}
	return b.String()
}

// AddGoal records a goal. Adding an existing goal id replaces it, progress
// included.
func (m *Manager) AddGoal(ctx context.Context, g Goal) (Goal, error) {
	g.ID = strings.TrimSpace(g.ID)
	if g.ID == "" || strings.TrimSpace(g.Description) == "" {
		return Goal{}, goerr.Wrap(models.ErrInvalidRequest, "goal needs an id and a description", goerr.V("goal_id", g.ID))
	}
	if g.Priority == 0 {
		g.Priority = DefaultGoalPriority
	}
	if g.Priority < 0 || math.IsNaN(g.Priority) || math.IsInf(g.Priority, 0) {
		return Goal{}, goerr.Wrap(models.ErrInvalidRequest, "priority must be a positive number",
			goerr.V("goal_id", g.ID), goerr.V("priority", g.Priority))
	}
	if err := checkProgress(g.Progress); err != nil {
		return Goal{}, err
	}
	return m.saveGoal(ctx, g)
}

// UpdateGoalProgress sets progress in [0,1]. A goal at 1 is completed and no
// longer listed by ActiveGoals.
func (m *Manager) UpdateGoalProgress(ctx context.Context, goalID string, progress float64) (Goal, error) {
	if err := checkProgress(progress); err != nil {
		return Goal{}, err
	}
	g, err := m.Goal(ctx, goalID)
	if err != nil {
		return Goal{}, err
	}
	g.Progress = progress
	return m.saveGoal(ctx, g)
}

// Goal reads one goal back.
func (m *Manager) Goal(ctx context.Context, goalID string) (Goal, error) {
	c, ok, err := m.registry.Lookup(ctx, m.ComponentID("goal", goalID))
	if err != nil {
		return Goal{}, err
	}
	if !ok || c.AgentID != m.agentID || !c.HasTags([]string{TagGoal}) {
		return Goal{}, goerr.Wrap(models.ErrNotFound, "goal not found", goerr.V("goal_id", goalID))
	}
	return decodeGoal(c)
}

// ActiveGoals lists unfinished goals, highest priority first.
func (m *Manager) ActiveGoals(ctx context.Context) ([]Goal, error) {
	cs, err := m.registry.List(ctx, models.QueryParams{
		AgentID: m.agentID,
		Kinds:   []models.Kind{models.KindOther},
		Tags:    []string{TagGoal, TagActive},
		Limit:   maxGoals,
	})
	if err != nil {
		return nil, err
	}
	goals := make([]Goal, 0, len(cs))
	for _, c := range cs {
		g, err := decodeGoal(c)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	sort.SliceStable(goals, func(i, j int) bool {
		if goals[i].Priority != goals[j].Priority {
			return goals[i].Priority > goals[j].Priority
		}
		if !goals[i].CreatedAt.Equal(goals[j].CreatedAt) {
			return goals[i].CreatedAt.Before(goals[j].CreatedAt)
		}
		return goals[i].ID < goals[j].ID
	})
	return goals, nil
}

func checkProgress(p float64) error {
	if p < 0 || p > 1 || math.IsNaN(p) {
		return goerr.Wrap(models.ErrInvalidRequest, "progress must be within [0,1]", goerr.V("progress", p))
	}
	return nil
}

// goalMeta is the metadata document of a goal component.
type goalMeta struct {
	GoalID      string     `json:"goal_id"`
	Description string     `json:"description"`
	Priority    float64    `json:"priority"`
	Progress    float64    `json:"progress"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

func (m *Manager) saveGoal(ctx context.Context, g Goal) (Goal, error) {
	c := m.component(models.KindOther, "goal", g.ID, g.content(), ImportanceRelevance(g.Priority))
	status := TagActive
	if g.Completed() {
		status = TagCompleted
	}
	c.Tags = []string{TagGoal, status}
	for _, t := range g.Tags {
		if t != "" && !slices.Contains(c.Tags, t) {
			c.Tags = append(c.Tags, t)
		}
	}

	meta, err := json.Marshal(goalMeta{
		GoalID:      g.ID,
		Description: g.Description,
		Priority:    g.Priority,
		Progress:    g.Progress,
		Deadline:    g.Deadline,
		Tags:        g.Tags,
	})
	if err != nil {
		return Goal{}, goerr.Wrap(err, "failed to encode goal metadata", goerr.V("goal_id", g.ID))
	}
	c.Metadata = string(meta)

	stored, err := m.register(ctx, c)
	if err != nil {
		return Goal{}, err
	}
	return decodeGoal(stored)
}

func decodeGoal(c models.Component) (Goal, error) {
	var meta goalMeta
	if err := json.Unmarshal([]byte(c.Metadata), &meta); err != nil {
		return Goal{}, goerr.Wrap(err, "invalid goal metadata", goerr.V("component_id", c.ID))
	}
	return Goal{
		ID:          meta.GoalID,
		ComponentID: c.ID,
		Description: meta.Description,
		Priority:    meta.Priority,
		Progress:    meta.Progress,
		Deadline:    meta.Deadline,
		Tags:        meta.Tags,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}, nil
}
