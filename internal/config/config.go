// Package config loads the context manager configuration.
//
// Configuration comes from a single YAML file named explicitly by the
// --config flag or the CTXMGR_CONFIG environment variable. There is no
// discovery: without a file every value is the documented default. Secrets
// (provider API keys) are never read from the file; they come from the
// environment through CLI flag sources.
package config

import (
	"math"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendDuckDB   = "duckdb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Embedding providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Config is the master configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Store      StoreConfig      `yaml:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Server     ServerConfig     `yaml:"server"`
}

// StoreConfig selects and sizes the component store.
type StoreConfig struct {
	// Backend is duckdb, postgres or memory.
	Backend string `yaml:"backend"`

	// DuckDBPath is the database file for the duckdb backend.
	DuckDBPath string `yaml:"duckdb_path"`

	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string `yaml:"postgres_url"`

	// MaxConns bounds the connection pool. Callers beyond the bound
	// block for up to AcquireTimeout.
	MaxConns       int           `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// EmbeddingDim is the fixed vector length of this store instance.
	EmbeddingDim int `yaml:"embedding_dim"`
}

// EmbeddingConfig selects the embedding provider used for retrieval.
type EmbeddingConfig struct {
	Provider string        `yaml:"provider"`
	URL      string        `yaml:"url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StrategyConfig is one entry of the ordered summarizer chain.
type StrategyConfig struct {
	// Type is ollama, openai, anthropic, gemini or extractive.
	Type  string `yaml:"type"`
	Model string `yaml:"model"`
	URL   string `yaml:"url"`
}

// SummarizerConfig configures the compression chain. Strategies are tried
// in order; truncation is always the implicit last resort.
type SummarizerConfig struct {
	Strategies []StrategyConfig `yaml:"strategies"`
	Timeout    time.Duration    `yaml:"timeout"`
	Ellipsis   string           `yaml:"ellipsis"`
}

// WeightsConfig blends the ranking signals. Normalized to sum to 1.
type WeightsConfig struct {
	Similarity    float64 `yaml:"similarity"`
	Feedback      float64 `yaml:"feedback"`
	BaseRelevance float64 `yaml:"base_relevance"`
	Recency       float64 `yaml:"recency"`
}

// AssemblerConfig holds the context selection policy.
type AssemblerConfig struct {
	RetrievalK       int           `yaml:"retrieval_k"`
	RecentLimit      int           `yaml:"recent_limit"`
	Weights          WeightsConfig `yaml:"weights"`
	RecencyDecayRate float64       `yaml:"recency_decay_rate"` // per hour
	MinUsefulTokens  int           `yaml:"min_useful_tokens"`
	MinBudget        int           `yaml:"min_budget"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	RetrieverTimeout time.Duration `yaml:"retriever_timeout"`
	EmbedTimeout     time.Duration `yaml:"embed_timeout"`
}

// FeedbackConfig holds the feedback decay law.
type FeedbackConfig struct {
	DecayRate float64 `yaml:"decay_rate"` // per hour
	MaxDelta  float64 `yaml:"max_delta"`
	ScoreMin  float64 `yaml:"score_min"`
	ScoreMax  float64 `yaml:"score_max"`
}

// TokensConfig configures the token estimator.
type TokensConfig struct {
	CharactersPerToken float64 `yaml:"characters_per_token"`
	CacheSize          int     `yaml:"cache_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the documented defaults. The numeric policy values are a
// starting point, not a tuned optimum.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend:        BackendDuckDB,
			DuckDBPath:     "ctxmgr.duckdb",
			MaxConns:       8,
			AcquireTimeout: 5 * time.Second,
			EmbeddingDim:   768,
		},
		Embedding: EmbeddingConfig{
			Provider: ProviderOllama,
			URL:      "http://localhost:11434",
			Model:    "nomic-embed-text",
			Timeout:  5 * time.Second,
		},
		Summarizer: SummarizerConfig{
			Strategies: []StrategyConfig{
				{Type: "ollama", Model: "mistral", URL: "http://localhost:11434"},
				{Type: "extractive"},
			},
			Timeout:  20 * time.Second,
			Ellipsis: " …",
		},
		Assembler: AssemblerConfig{
			RetrievalK:  50,
			RecentLimit: 20,
			Weights: WeightsConfig{
				Similarity:    0.40,
				Feedback:      0.15,
				BaseRelevance: 0.35,
				Recency:       0.10,
			},
			RecencyDecayRate: 0.01,
			MinUsefulTokens:  32,
			MinBudget:        1,
			StoreTimeout:     5 * time.Second,
			RetrieverTimeout: 5 * time.Second,
			EmbedTimeout:     5 * time.Second,
		},
		Feedback: FeedbackConfig{
			DecayRate: 0.004,
			MaxDelta:  1,
			ScoreMin:  -1,
			ScoreMax:  1,
		},
		Tokens: TokensConfig{
			CharactersPerToken: 4.0,
			CacheSize:          4096,
		},
		Server: ServerConfig{
			Port:           "8080",
			RequestTimeout: 60 * time.Second,
		},
	}
}

// Load overlays the YAML file at path onto Default and validates the result.
// An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects invalid bounds and normalizes the assembler weights.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendDuckDB, BackendPostgres, BackendMemory:
	default:
		return goerr.New("unknown store backend", goerr.V("backend", c.Store.Backend))
	}
	if c.Store.Backend == BackendPostgres && c.Store.PostgresURL == "" {
		return goerr.New("store.postgres_url is required for the postgres backend")
	}
	if c.Store.MaxConns <= 0 {
		return goerr.New("store.max_conns must be positive", goerr.V("max_conns", c.Store.MaxConns))
	}
	if c.Store.EmbeddingDim <= 0 {
		return goerr.New("store.embedding_dim must be positive", goerr.V("embedding_dim", c.Store.EmbeddingDim))
	}

	switch c.Embedding.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderNone:
	default:
		return goerr.New("unknown embedding provider", goerr.V("provider", c.Embedding.Provider))
	}

	for i, s := range c.Summarizer.Strategies {
		switch s.Type {
		case "ollama", "openai", "anthropic", "gemini", "extractive":
		default:
			return goerr.New("unknown summarizer strategy", goerr.V("index", i), goerr.V("type", s.Type))
		}
	}

	a := &c.Assembler
	if a.RetrievalK < 0 || a.RecentLimit < 0 {
		return goerr.New("assembler.retrieval_k and recent_limit must not be negative")
	}
	if a.MinBudget < 1 {
		return goerr.New("assembler.min_budget must be at least 1", goerr.V("min_budget", a.MinBudget))
	}
	if a.MinUsefulTokens < 1 {
		return goerr.New("assembler.min_useful_tokens must be at least 1", goerr.V("min_useful_tokens", a.MinUsefulTokens))
	}
	if a.RecencyDecayRate < 0 {
		return goerr.New("assembler.recency_decay_rate must not be negative")
	}
	w, err := a.Weights.Normalized()
	if err != nil {
		return err
	}
	a.Weights = w

	f := c.Feedback
	if f.DecayRate < 0 {
		return goerr.New("feedback.decay_rate must not be negative")
	}
	if f.MaxDelta <= 0 {
		return goerr.New("feedback.max_delta must be positive")
	}
	if f.ScoreMin >= f.ScoreMax {
		return goerr.New("feedback.score_min must be below score_max",
			goerr.V("score_min", f.ScoreMin), goerr.V("score_max", f.ScoreMax))
	}
	return nil
}

// Normalized scales the weights to sum to 1. All-zero weights fall back to
// the defaults; negative or non-finite weights are rejected.
func (w WeightsConfig) Normalized() (WeightsConfig, error) {
	for _, v := range []float64{w.Similarity, w.Feedback, w.BaseRelevance, w.Recency} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return w, goerr.New("assembler weights must be finite and non-negative", goerr.V("weights", w))
		}
	}
	total := w.Similarity + w.Feedback + w.BaseRelevance + w.Recency
	if total == 0 {
		return Default().Assembler.Weights, nil
	}
	return WeightsConfig{
		Similarity:    w.Similarity / total,
		Feedback:      w.Feedback / total,
		BaseRelevance: w.BaseRelevance / total,
		Recency:       w.Recency / total,
	}, nil
}
