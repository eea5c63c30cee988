package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/HamiltonHausTech/ai-context-manager/internal/api"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/mcp"
)

func serveCommand() *cli.Command {
	var (
		cfg   globalConfig
		port  string
		noMCP bool
	)
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Usage:       "HTTP port; overrides server.port",
			Sources:     cli.EnvVars("CTXMGR_PORT"),
			Destination: &port,
		},
		&cli.BoolFlag{
			Name:        "no-mcp",
			Usage:       "Do not mount the MCP SSE transport under /mcp",
			Destination: &noMCP,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with the MCP SSE transport",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if port == "" {
				port = a.Config.Server.Port
			}
			srv := api.NewServer(a, port, a.Config.Server.RequestTimeout)
			if !noMCP {
				srv.AddMCPServer(mcp.NewServer(a).GetMCPServer())
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
}

func mcpCommand() *cli.Command {
	var cfg globalConfig
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools over stdio",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			logging.From(ctx).Info("mcp stdio server starting",
				"store", a.Config.Store.Backend,
				"embedding", a.Config.Embedding.Provider,
			)
			return mcp.NewServer(a).Serve()
		},
	}
}
