package agent

import (
	"context"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// Stats counts an agent's components.
type Stats struct {
	AgentID         string              `json:"agent_id"`
	Components      int                 `json:"components"`
	ByKind          map[models.Kind]int `json:"by_kind"`
	TotalTasks      int                 `json:"total_tasks"`
	SuccessfulTasks int                 `json:"successful_tasks"`
	FailedTasks     int                 `json:"failed_tasks"`
	TotalGoals      int                 `json:"total_goals"`
	ActiveGoals     int                 `json:"active_goals"`
	CompletedGoals  int                 `json:"completed_goals"`
}

// Stats counts the agent's components by kind, task outcome and goal state.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st := Stats{AgentID: m.agentID, ByKind: make(map[models.Kind]int, len(models.Kinds))}
	for _, k := range models.Kinds {
		n, err := m.count(ctx, []models.Kind{k})
		if err != nil {
			return Stats{}, err
		}
		st.ByKind[k] = n
		st.Components += n
	}
	st.TotalTasks = st.ByKind[models.KindTaskSummary]

	counts := []struct {
		dst  *int
		kind models.Kind
		tags []string
	}{
		{&st.SuccessfulTasks, models.KindTaskSummary, []string{"task", "success"}},
		{&st.FailedTasks, models.KindTaskSummary, []string{"task", "failure"}},
		{&st.TotalGoals, models.KindOther, []string{TagGoal}},
		{&st.ActiveGoals, models.KindOther, []string{TagGoal, TagActive}},
		{&st.CompletedGoals, models.KindOther, []string{TagGoal, TagCompleted}},
	}
	for _, c := range counts {
		n, err := m.count(ctx, []models.Kind{c.kind}, c.tags...)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}
	return st, nil
}

func (m *Manager) count(ctx context.Context, kinds []models.Kind, tags ...string) (int, error) {
	return m.registry.Count(ctx, models.QueryParams{AgentID: m.agentID, Kinds: kinds, Tags: tags})
}
