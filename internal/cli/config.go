package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/HamiltonHausTech/ai-context-manager/internal/app"
	"github.com/HamiltonHausTech/ai-context-manager/internal/config"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
)

// globalConfig holds values shared by every command
type globalConfig struct {
	path     string
	logLevel string

	openAIKey    string
	anthropicKey string
	geminiKey    string
}

func globalFlags(cfg *globalConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to the YAML configuration file",
			Sources:     cli.EnvVars("CTXMGR_CONFIG"),
			Destination: &cfg.path,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error; overrides log_level in the file",
			Sources:     cli.EnvVars("CTXMGR_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openAIKey,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicKey,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiKey,
		},
	}
}

// load reads the configuration file and installs the process logger.
func (g *globalConfig) load(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(g.path)
	if err != nil {
		return ctx, nil, goerr.Wrap(err, "failed to load configuration")
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), cfg, nil
}

// newApp loads the configuration and wires every service.
func (g *globalConfig) newApp(ctx context.Context) (context.Context, *app.App, error) {
	ctx, cfg, err := g.load(ctx)
	if err != nil {
		return ctx, nil, err
	}
	a, err := app.New(ctx, cfg, app.Secrets{
		OpenAIKey:    g.openAIKey,
		AnthropicKey: g.anthropicKey,
		GeminiKey:    g.geminiKey,
	}, logging.From(ctx))
	if err != nil {
		return ctx, nil, err
	}
	return ctx, a, nil
}
