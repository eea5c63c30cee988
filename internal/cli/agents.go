package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/HamiltonHausTech/ai-context-manager/internal/agent"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

func recordGoalCommand() *cli.Command {
	var (
		cfg         globalConfig
		agentID     string
		goalID      string
		description string
		priority    float64
		deadline    string
		tags        []string
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
		&cli.StringFlag{Name: "id", Usage: "Goal id; repeated ids replace the goal", Required: true, Destination: &goalID},
		&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Required: true, Destination: &description},
		&cli.FloatFlag{Name: "priority", Usage: "Positive; 1 is ordinary", Value: agent.DefaultGoalPriority, Destination: &priority},
		&cli.StringFlag{Name: "deadline", Usage: "RFC 3339 or YYYY-MM-DD", Destination: &deadline},
		&cli.StringSliceFlag{Name: "tag", Usage: "Extra tag (repeatable)", Destination: &tags},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "goal",
		Usage: "Add or replace a goal",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			due, err := parseDeadline(deadline)
			if err != nil {
				return err
			}
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) (agent.Goal, error) {
				return m.AddGoal(ctx, agent.Goal{
					ID:          goalID,
					Description: description,
					Priority:    priority,
					Deadline:    due,
					Tags:        tags,
				})
			})
		},
	}
}

func parseDeadline(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, goerr.Wrap(models.ErrInvalidRequest, "deadline must be RFC 3339 or YYYY-MM-DD", goerr.V("deadline", v))
}

func recordProgressCommand() *cli.Command {
	var (
		cfg      globalConfig
		agentID  string
		goalID   string
		progress float64
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
		&cli.StringFlag{Name: "id", Usage: "Goal id", Required: true, Destination: &goalID},
		&cli.FloatFlag{Name: "progress", Usage: "In [0,1]; 1 completes the goal", Required: true, Destination: &progress},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "progress",
		Usage: "Update goal progress",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) (agent.Goal, error) {
				return m.UpdateGoalProgress(ctx, goalID, progress)
			})
		},
	}
}

func goalsCommand() *cli.Command {
	var (
		cfg     globalConfig
		agentID string
	)
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
	}, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "goals",
		Usage: "List active goals, highest priority first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) ([]agent.Goal, error) {
				return m.ActiveGoals(ctx)
			})
		},
	}
}

func searchCommand() *cli.Command {
	var (
		cfg     globalConfig
		agentID string
		limit   int64
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Destination: &limit},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Find an agent's components most similar to a query",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := c.Args().First()
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) ([]models.SearchResult, error) {
				results, err := m.SearchSimilar(ctx, query, int(limit))
				for i := range results {
					results[i].Component.Embedding = nil
				}
				return results, err
			})
		},
	}
}

func statsCommand() *cli.Command {
	var (
		cfg     globalConfig
		agentID string
	)
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
	}, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "stats",
		Usage: "Count an agent's components by kind, task outcome and goal state",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) (agent.Stats, error) {
				return m.Stats(ctx)
			})
		},
	}
}
