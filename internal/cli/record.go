package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/HamiltonHausTech/ai-context-manager/internal/agent"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// recordCommand groups the agent convenience writes.
func recordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Record task results, learnings, profile facts and goals for an agent",
		Commands: []*cli.Command{
			recordTaskCommand(),
			recordLearningCommand(),
			recordProfileCommand(),
			recordGoalCommand(),
			recordProgressCommand(),
		},
	}
}

// withManager runs fn against a manager for agentID and prints the result.
func withManager[T any](ctx context.Context, c *cli.Command, cfg *globalConfig, agentID string, fn func(context.Context, *agent.Manager) (T, error)) error {
	ctx, a, err := cfg.newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.Manager(agentID)
	if err != nil {
		return err
	}
	out, err := fn(ctx, m)
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

// stripped drops the embedding from printed components.
func stripped(comp models.Component, err error) (models.Component, error) {
	comp.Embedding = nil
	return comp, err
}

func recordTaskCommand() *cli.Command {
	var (
		cfg     globalConfig
		agentID string
		taskID  string
		name    string
		result  string
		failed  bool
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
		&cli.StringFlag{Name: "task", Usage: "Task id; repeated ids update one component", Destination: &taskID},
		&cli.StringFlag{Name: "name", Usage: "Task name", Destination: &name},
		&cli.StringFlag{Name: "result", Usage: "What happened", Required: true, Destination: &result},
		&cli.BoolFlag{Name: "failed", Usage: "Mark the task as failed", Destination: &failed},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "task",
		Usage: "Record a task result",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) (models.Component, error) {
				return stripped(m.RecordTaskResult(ctx, taskID, name, result, !failed))
			})
		},
	}
}

func recordLearningCommand() *cli.Command {
	var (
		cfg        globalConfig
		agentID    string
		learningID string
		content    string
		source     string
		importance float64
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
		&cli.StringFlag{Name: "id", Usage: "Learning id; repeated ids update one component", Destination: &learningID},
		&cli.StringFlag{Name: "content", Required: true, Destination: &content},
		&cli.StringFlag{Name: "source", Usage: "Where the learning came from", Destination: &source},
		&cli.FloatFlag{Name: "importance", Usage: "Non-negative; 1 is ordinary", Value: 1, Destination: &importance},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "learning",
		Usage: "Record a long-term learning",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) (models.Component, error) {
				return stripped(m.RecordLearning(ctx, learningID, content, source, importance))
			})
		},
	}
}

func recordProfileCommand() *cli.Command {
	var (
		cfg     globalConfig
		agentID string
	)
	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Required: true, Destination: &agentID},
	}, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "profile",
		Usage:     "Set a user profile fact",
		ArgsUsage: "<name> <value>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 2 {
				return goerr.New("profile needs a name and a value", goerr.V("args", c.Args().Slice()))
			}
			name, value := c.Args().Get(0), c.Args().Get(1)
			return withManager(ctx, c, &cfg, agentID, func(ctx context.Context, m *agent.Manager) (models.Component, error) {
				return stripped(m.SetProfileFact(ctx, name, value))
			})
		},
	}
}
