// Package app wires the configured store, providers and services into one
// running context manager shared by the CLI, the HTTP API and the MCP server.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"
	"google.golang.org/genai"

	"github.com/HamiltonHausTech/ai-context-manager/internal/agent"
	"github.com/HamiltonHausTech/ai-context-manager/internal/assembler"
	"github.com/HamiltonHausTech/ai-context-manager/internal/config"
	"github.com/HamiltonHausTech/ai-context-manager/internal/db"
	"github.com/HamiltonHausTech/ai-context-manager/internal/embedding"
	"github.com/HamiltonHausTech/ai-context-manager/internal/feedback"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/registry"
	"github.com/HamiltonHausTech/ai-context-manager/internal/summarize"
	"github.com/HamiltonHausTech/ai-context-manager/internal/tokens"
)

// Default models per summarizer strategy type.
var defaultModels = map[string]string{
	"ollama":    "mistral",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
	"gemini":    "gemini-2.5-flash",
}

// Secrets are provider credentials taken from the environment.
type Secrets struct {
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
}

// Embedder generates vectors for components and queries.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App holds the wired services.
type App struct {
	Config    *config.Config
	Store     db.Store
	Embedder  Embedder
	Registry  *registry.Registry
	Ledger    *feedback.Ledger
	Chain     *summarize.Chain
	Assembler *assembler.Assembler
	Estimator *tokens.Cached
	Logger    *slog.Logger
}

// New opens the store and builds every service from cfg.
func New(ctx context.Context, cfg *config.Config, secrets Secrets, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}

	store, err := db.Open(ctx, cfg.Store)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open component store", goerr.V("backend", cfg.Store.Backend))
	}

	a, err := build(ctx, cfg, secrets, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStore builds the services over an already opened store.
func NewWithStore(ctx context.Context, cfg *config.Config, secrets Secrets, store db.Store, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	return build(ctx, cfg, secrets, store, logger)
}

func build(ctx context.Context, cfg *config.Config, secrets Secrets, store db.Store, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Store: store, Logger: logger}

	a.Estimator = tokens.NewCached(tokens.NewCharEstimator(cfg.Tokens.CharactersPerToken), cfg.Tokens.CacheSize)

	emb, err := newEmbedder(cfg, secrets)
	if err != nil {
		return nil, err
	}
	a.Embedder = emb

	strategies, err := newStrategies(ctx, cfg, secrets, a.Estimator, emb, logger)
	if err != nil {
		return nil, err
	}
	a.Chain = summarize.NewChain(a.Estimator, strategies,
		summarize.WithTimeout(cfg.Summarizer.Timeout),
		summarize.WithEllipsis(cfg.Summarizer.Ellipsis),
		summarize.WithLogger(logger),
	)

	regOpts := []registry.Option{registry.WithLogger(logger)}
	if a.Embedder != nil {
		regOpts = append(regOpts, registry.WithEmbedder(a.Embedder))
	}
	a.Registry = registry.New(store, regOpts...)

	a.Ledger = feedback.NewLedger(store, feedback.Options{
		DecayRate: cfg.Feedback.DecayRate,
		MaxDelta:  cfg.Feedback.MaxDelta,
		ScoreMin:  cfg.Feedback.ScoreMin,
		ScoreMax:  cfg.Feedback.ScoreMax,
	})

	deps := assembler.Deps{
		Store:      store,
		Scorer:     a.Ledger,
		Compressor: a.Chain,
		Estimator:  a.Estimator,
		Logger:     logger,
	}
	if a.Embedder != nil {
		deps.Retriever = store
		deps.Embedder = a.Embedder
	}
	w := cfg.Assembler.Weights
	a.Assembler, err = assembler.New(deps, assembler.Options{
		K:           cfg.Assembler.RetrievalK,
		RecentLimit: cfg.Assembler.RecentLimit,
		Weights: assembler.Weights{
			Similarity:    w.Similarity,
			Feedback:      w.Feedback,
			BaseRelevance: w.BaseRelevance,
			Recency:       w.Recency,
		},
		RecencyDecayRate: cfg.Assembler.RecencyDecayRate,
		MinUsefulTokens:  cfg.Assembler.MinUsefulTokens,
		MinBudget:        cfg.Assembler.MinBudget,
		StoreTimeout:     cfg.Assembler.StoreTimeout,
		RetrieverTimeout: cfg.Assembler.RetrieverTimeout,
		EmbedTimeout:     cfg.Assembler.EmbedTimeout,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("context manager ready",
		"store", cfg.Store.Backend,
		"embedding", cfg.Embedding.Provider,
		"strategies", a.Chain.Names(),
	)
	return a, nil
}

func newEmbedder(cfg *config.Config, secrets Secrets) (Embedder, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderOllama:
		c, err := embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Store.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderOpenAI:
		if secrets.OpenAIKey == "" {
			return nil, goerr.New("OPENAI_API_KEY is required for the openai embedding provider")
		}
		return embedding.NewOpenAIClient(secrets.OpenAIKey, cfg.Embedding.URL, cfg.Embedding.Model, cfg.Store.EmbeddingDim), nil
	}
	return nil, nil
}

// newStrategies builds the ordered summarizer chain. Cloud strategies
// without credentials are skipped with a warning.
func newStrategies(ctx context.Context, cfg *config.Config, secrets Secrets, est tokens.Estimator, emb Embedder, logger *slog.Logger) ([]summarize.Strategy, error) {
	var out []summarize.Strategy
	for _, sc := range cfg.Summarizer.Strategies {
		model := sc.Model
		if model == "" {
			model = defaultModels[sc.Type]
		}

		switch sc.Type {
		case "extractive":
			out = append(out, summarize.NewExtractive(est))

		case "ollama":
			client, err := ollamaAPI(sc.URL, cfg, emb)
			if err != nil {
				return nil, err
			}
			out = append(out, summarize.NewOllama(client, model))

		case "openai":
			if secrets.OpenAIKey == "" {
				logger.Warn("skipping summarizer strategy without credentials", "type", sc.Type)
				continue
			}
			c := embedding.NewOpenAIClient(secrets.OpenAIKey, sc.URL, "", 0)
			out = append(out, summarize.NewOpenAI(c.Chat(), model))

		case "anthropic":
			if secrets.AnthropicKey == "" {
				logger.Warn("skipping summarizer strategy without credentials", "type", sc.Type)
				continue
			}
			opts := []option.RequestOption{option.WithAPIKey(secrets.AnthropicKey), option.WithMaxRetries(1)}
			if sc.URL != "" {
				opts = append(opts, option.WithBaseURL(sc.URL))
			}
			client := anthropic.NewClient(opts...)
			out = append(out, summarize.NewAnthropic(&client.Messages, model))

		case "gemini":
			if secrets.GeminiKey == "" {
				logger.Warn("skipping summarizer strategy without credentials", "type", sc.Type)
				continue
			}
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  secrets.GeminiKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, goerr.Wrap(err, "failed to create genai client")
			}
			out = append(out, summarize.NewGemini(client.Models, model))

		default:
			return nil, goerr.New("unknown summarizer strategy", goerr.V("type", sc.Type))
		}
	}
	return out, nil
}

// ollamaAPI reuses the embedding client when it talks to the same server.
func ollamaAPI(rawURL string, cfg *config.Config, emb Embedder) (*api.Client, error) {
	if rawURL == "" {
		rawURL = cfg.Embedding.URL
	}
	if c, ok := emb.(*embedding.Client); ok && rawURL == cfg.Embedding.URL {
		return c.API(), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid ollama url", goerr.V("url", rawURL))
	}
	return api.NewClient(u, &http.Client{Timeout: cfg.Summarizer.Timeout}), nil
}

// Manager returns an agent convenience layer bound to agentID.
func (a *App) Manager(agentID string) (*agent.Manager, error) {
	return agent.NewManager(agentID, a.Registry, a.Assembler)
}

// AgentStats counts one agent's components.
func (a *App) AgentStats(ctx context.Context, agentID string) (agent.Stats, error) {
	m, err := a.Manager(agentID)
	if err != nil {
		return agent.Stats{}, err
	}
	return m.Stats(ctx)
}

// Ready checks the store. An unreachable embedding provider only degrades
// assembly, so it does not make the service unready.
func (a *App) Ready(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

// EmbedderStatus reports "disabled", "ok" or the provider error.
func (a *App) EmbedderStatus(ctx context.Context) string {
	if a.Embedder == nil {
		return "disabled"
	}
	p, ok := a.Embedder.(pinger)
	if !ok {
		return "ok"
	}
	if err := p.Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
