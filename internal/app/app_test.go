package app_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/HamiltonHausTech/ai-context-manager/internal/app"
	"github.com/HamiltonHausTech/ai-context-manager/internal/config"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Store.EmbeddingDim = 4
	cfg.Embedding.Provider = config.ProviderNone
	cfg.Summarizer.Strategies = []config.StrategyConfig{
		{Type: "extractive"},
		{Type: "anthropic"},
		{Type: "gemini"},
	}
	return cfg
}

func TestNewMemoryApp(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(), app.Secrets{}, logging.Discard())
	gt.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	// cloud strategies without keys are skipped
	gt.Equal(t, a.Chain.Names(), []string{"extractive", "truncate"})
	gt.NoError(t, a.Ready(ctx))
	gt.Equal(t, a.EmbedderStatus(ctx), "disabled")

	m, err := a.Manager("agent-1")
	gt.NoError(t, err)
	_, err = m.SetProfileFact(ctx, "editor", "vim")
	gt.NoError(t, err)

	text, out, err := m.GetContext(ctx, "", 100)
	gt.NoError(t, err)
	gt.S(t, text).Contains("editor: vim")
	gt.False(t, out.Degraded)
}

func TestNewOpenAIEmbeddingNeedsKey(t *testing.T) {
	cfg := memoryConfig()
	cfg.Embedding.Provider = config.ProviderOpenAI

	_, err := app.New(context.Background(), cfg, app.Secrets{}, logging.Discard())
	gt.Error(t, err)
}

func TestNewWithKeysBuildsCloudStrategies(t *testing.T) {
	cfg := memoryConfig()
	cfg.Summarizer.Strategies = []config.StrategyConfig{
		{Type: "openai"},
		{Type: "anthropic", URL: "http://127.0.0.1:1"},
		{Type: "extractive"},
	}
	a, err := app.New(context.Background(), cfg, app.Secrets{OpenAIKey: "k", AnthropicKey: "k"}, logging.Discard())
	gt.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	gt.Equal(t, a.Chain.Names(), []string{"openai", "anthropic", "extractive", "truncate"})
}
