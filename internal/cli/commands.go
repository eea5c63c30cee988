package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/HamiltonHausTech/ai-context-manager/internal/api"
	"github.com/HamiltonHausTech/ai-context-manager/internal/assembler"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

func assembleCommand() *cli.Command {
	var (
		cfg     globalConfig
		agentID string
		query   string
		budget  int64
		kinds   []string
		tags    []string
		dryRun  bool
		text    bool
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Usage: "Agent id", Required: true, Destination: &agentID},
		&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "What the agent is working on", Destination: &query},
		&cli.IntFlag{Name: "budget", Aliases: []string{"b"}, Usage: "Token budget", Value: 2000, Destination: &budget},
		&cli.StringSliceFlag{Name: "kind", Usage: "Only include these kinds", Destination: &kinds},
		&cli.StringSliceFlag{Name: "tag", Usage: "Only include components with all of these tags", Destination: &tags},
		&cli.BoolFlag{Name: "dry-run", Usage: "Plan with truncation only and omit content", Destination: &dryRun},
		&cli.BoolFlag{Name: "text", Usage: "Print the rendered context instead of JSON", Destination: &text},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "assemble",
		Usage: "Assemble a context once and print it",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			parsed, err := models.ParseKinds(kinds)
			if err != nil {
				return err
			}
			ctx, a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Assembler.Assemble(ctx, assembler.Request{
				AgentID:     agentID,
				Query:       query,
				TokenBudget: int(budget),
				Kinds:       parsed,
				Tags:        tags,
				DryRun:      dryRun,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to assemble context")
			}
			if text {
				_, err := fmt.Fprintln(c.Root().Writer, out.Render())
				return err
			}
			return printJSON(c, out)
		},
	}
}

func addCommand() *cli.Command {
	var (
		cfg       globalConfig
		id        string
		agentID   string
		kind      string
		content   string
		tags      []string
		metadata  string
		relevance float64
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "Component id; generated when empty", Destination: &id},
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Usage: "Agent id", Required: true, Destination: &agentID},
		&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "task_summary, long_term_memory, user_profile or other", Value: string(models.KindOther), Destination: &kind},
		&cli.StringFlag{Name: "content", Usage: "Component text; remaining arguments are used when empty", Destination: &content},
		&cli.StringSliceFlag{Name: "tag", Usage: "Tag to attach", Destination: &tags},
		&cli.StringFlag{Name: "metadata", Usage: "JSON metadata", Destination: &metadata},
		&cli.FloatFlag{Name: "relevance", Usage: "Base relevance in [0,1]; defaults per kind", Destination: &relevance},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "add",
		Usage:     "Register a component",
		ArgsUsage: "[content]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if content == "" {
				content = strings.Join(c.Args().Slice(), " ")
			}
			k, err := models.ParseKind(kind)
			if err != nil {
				return err
			}
			ctx, a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			comp := models.NewComponent(agentID, k, content, time.Now().UTC())
			if id != "" {
				comp.ID = id
			}
			comp.Tags = tags
			comp.Metadata = metadata
			if c.IsSet("relevance") {
				comp.BaseRelevance = relevance
			}

			stored, outcome, err := a.Registry.Register(ctx, comp)
			if err != nil {
				return err
			}
			stored.Embedding = nil
			return printJSON(c, map[string]any{"outcome": outcome, "component": stored})
		},
	}
}

func feedbackCommand() *cli.Command {
	var (
		cfg         globalConfig
		componentID string
		agentID     string
		delta       float64
	)
	flags := []cli.Flag{
		&cli.StringFlag{Name: "component", Usage: "Component id", Required: true, Destination: &componentID},
		&cli.StringFlag{Name: "agent", Aliases: []string{"a"}, Usage: "Agent giving feedback; must be the owner when given", Destination: &agentID},
		&cli.FloatFlag{Name: "delta", Aliases: []string{"d"}, Usage: "Signal in [-1,1]", Required: true, Destination: &delta},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "feedback",
		Usage: "Record usefulness feedback for a component",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			comp, ok, err := a.Registry.Lookup(ctx, componentID)
			if err != nil {
				return err
			}
			if !ok {
				return goerr.Wrap(models.ErrNotFound, "no such component", goerr.V("id", componentID))
			}
			req := api.RecordFeedbackRequest{ComponentID: componentID, AgentID: agentID, Delta: delta}
			owner, err := req.AgentFor(comp.AgentID)
			if err != nil {
				return err
			}

			ev, err := a.Ledger.Record(ctx, componentID, owner, delta, time.Time{})
			if err != nil {
				return err
			}
			score, err := a.Ledger.CurrentScore(ctx, componentID, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(c, map[string]any{"event": ev, "score": score})
		},
	}
}
