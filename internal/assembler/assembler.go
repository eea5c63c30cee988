// Package assembler selects, ranks and fits agent memory into a token
// budgeted context.
//
// One call runs strictly in sequence: gather candidates (similarity retrieval
// and a direct fetch of recent components run side by side), load records,
// read feedback scores, rank, then greedily fill the budget, compressing a
// component that does not fit before moving on. Assembly never writes to the
// store and holds no state between calls besides counters.
package assembler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
	"github.com/HamiltonHausTech/ai-context-manager/internal/summarize"
	"github.com/HamiltonHausTech/ai-context-manager/internal/tokens"
)

// Store is the read side of the component store.
type Store interface {
	Get(ctx context.Context, id string) (models.Component, error)
	Query(ctx context.Context, params models.QueryParams) ([]models.Component, error)
}

// Retriever ranks an agent's components by similarity to an embedding.
type Retriever interface {
	Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error)
}

// Embedder turns the query into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Scorer returns decayed feedback scores.
type Scorer interface {
	Scores(ctx context.Context, componentIDs []string, asOf time.Time) (map[string]float64, error)
}

// Compressor shrinks text to a token target.
type Compressor interface {
	Compress(ctx context.Context, text string, targetTokens int) (summarize.Result, error)
	Fallback(text string, targetTokens int) summarize.Result
}

// Deps are the collaborators of an Assembler. Retriever and Embedder are
// optional; without them every request runs in degraded mode when it has a
// query.
type Deps struct {
	Store      Store
	Retriever  Retriever
	Embedder   Embedder
	Scorer     Scorer
	Compressor Compressor
	Estimator  tokens.Estimator
	Logger     *slog.Logger
}

// Request asks for a context.
type Request struct {
	AgentID     string        `json:"agent_id"`
	Query       string        `json:"query,omitempty"`
	TokenBudget int           `json:"token_budget"`
	Kinds       []models.Kind `json:"kinds,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	// DryRun plans with deterministic truncation only and omits content.
	DryRun bool `json:"dry_run,omitempty"`
}

// Diagnostic sources.
const (
	SourceEmbedding = "embedding"
	SourceRetriever = "retriever"
)

// Assembler builds contexts. Safe for concurrent use.
type Assembler struct {
	store      Store
	retriever  Retriever
	embedder   Embedder
	scorer     Scorer
	compressor Compressor
	estimator  tokens.Estimator
	logger     *slog.Logger
	opts       Options
	metrics    *Metrics
}

// New validates deps and returns an Assembler.
func New(deps Deps, opts Options) (*Assembler, error) {
	if deps.Store == nil {
		return nil, goerr.New("assembler requires a store")
	}
	if deps.Scorer == nil {
		return nil, goerr.New("assembler requires a feedback scorer")
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.NewCharEstimator(0)
	}
	if deps.Compressor == nil {
		deps.Compressor = summarize.NewChain(deps.Estimator, nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Assembler{
		store:      deps.Store,
		retriever:  deps.Retriever,
		embedder:   deps.Embedder,
		scorer:     deps.Scorer,
		compressor: deps.Compressor,
		estimator:  deps.Estimator,
		logger:     deps.Logger,
		opts:       opts.withDefaults(),
		metrics:    &Metrics{},
	}, nil
}

// Options returns the effective options.
func (a *Assembler) Options() Options { return a.opts }

// MetricsSnapshot returns the assembly counters.
func (a *Assembler) MetricsSnapshot() MetricsSnapshot { return a.metrics.Snapshot() }

func (a *Assembler) validate(req Request) error {
	if req.AgentID == "" {
		return goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	for _, k := range req.Kinds {
		if !k.Valid() {
			return goerr.Wrap(models.ErrInvalidRequest, "unknown component kind", goerr.V("kind", k))
		}
	}
	if req.TokenBudget < a.opts.MinBudget {
		return goerr.Wrap(models.ErrBudgetTooSmall, "token budget below minimum",
			goerr.V("token_budget", req.TokenBudget), goerr.V("min_budget", a.opts.MinBudget))
	}
	return nil
}

// Assemble builds the context for req. It returns either a complete result,
// possibly degraded, or an error; never a partial result.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*models.AssembledContext, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}
	out, err := a.assemble(ctx, req)
	if err != nil {
		a.metrics.fail()
		return nil, err
	}
	a.metrics.observe(len(out.Included), len(out.Compressed), len(out.Dropped), out.Degraded)
	a.logger.Info("context assembled",
		"agent_id", req.AgentID,
		"budget", req.TokenBudget,
		"used", out.TokensUsed,
		"included", len(out.Included),
		"compressed", len(out.Compressed),
		"dropped", len(out.Dropped),
		"degraded", out.Degraded,
		"dry_run", req.DryRun,
	)
	return out, nil
}

func (a *Assembler) assemble(ctx context.Context, req Request) (*models.AssembledContext, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	now := a.opts.Clock().UTC()
	out := &models.AssembledContext{
		AgentID:     req.AgentID,
		Query:       req.Query,
		TokenBudget: req.TokenBudget,
		DryRun:      req.DryRun,
		GeneratedAt: now,
		Entries:     []models.ContextEntry{},
		Included:    []string{},
		Compressed:  []models.Compression{},
		Dropped:     []models.Drop{},
	}

	matches, recent, err := a.gather(ctx, req, out)
	if err != nil {
		return nil, err
	}

	candidates, err := a.load(ctx, req, matches, recent)
	if err != nil {
		return nil, err
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	if err := a.score(ctx, candidates, now); err != nil {
		return nil, err
	}
	rank(candidates)

	if err := a.fill(ctx, req, candidates, out); err != nil {
		return nil, err
	}
	return out, nil
}

// gather runs similarity retrieval and the recent fetch concurrently.
// Retrieval problems degrade the result; a store failure is fatal.
func (a *Assembler) gather(ctx context.Context, req Request, out *models.AssembledContext) ([]models.Match, []models.Component, error) {
	var (
		matches []models.Match
		recent  []models.Component
		mu      sync.Mutex
	)
	degrade := func(source string, err error) {
		mu.Lock()
		defer mu.Unlock()
		out.Degraded = true
		out.Diagnostics = append(out.Diagnostics, models.Diagnostic{Source: source, Message: err.Error()})
		a.logger.Warn("context assembly degraded", "agent_id", req.AgentID, "source", source, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if req.Query != "" {
		g.Go(func() error {
			if a.retriever == nil || a.embedder == nil {
				degrade(SourceRetriever, models.ErrRetrieverUnavailable)
				return nil
			}
			ectx, cancel := context.WithTimeout(gctx, a.opts.EmbedTimeout)
			vec, err := a.embedder.Generate(ectx, req.Query)
			cancel()
			if err != nil {
				degrade(SourceEmbedding, models.Classify(models.ErrEmbeddingUnavailable, err))
				return nil
			}

			rctx, cancel := context.WithTimeout(gctx, a.opts.RetrieverTimeout)
			defer cancel()
			found, err := a.retriever.Search(rctx, req.AgentID, vec, a.opts.K)
			if err != nil {
				degrade(SourceRetriever, models.Classify(models.ErrRetrieverUnavailable, err))
				return nil
			}
			matches = found
			return nil
		})
	}

	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, a.opts.StoreTimeout)
		defer cancel()
		found, err := a.store.Query(sctx, models.QueryParams{
			AgentID: req.AgentID,
			Kinds:   req.Kinds,
			Tags:    req.Tags,
			Limit:   a.opts.RecentLimit,
			Order:   models.OrderCreatedDesc,
		})
		if err != nil {
			return goerr.Wrap(models.Classify(models.ErrStoreUnavailable, err),
				"failed to fetch recent components", goerr.V("agent_id", req.AgentID))
		}
		recent = found
		return nil
	})

	err := g.Wait()
	if cerr := cancelled(ctx); cerr != nil {
		return nil, nil, cerr
	}
	if err != nil {
		return nil, nil, err
	}
	return matches, recent, nil
}

// load merges both candidate sources into one deduplicated set of records
// that belong to the agent and pass the kind and tag filters.
func (a *Assembler) load(ctx context.Context, req Request, matches []models.Match, recent []models.Component) ([]*models.ScoredComponent, error) {
	similarity := make(map[string]float64, len(matches))
	for _, m := range matches {
		if s, ok := similarity[m.ComponentID]; !ok || m.Similarity > s {
			similarity[m.ComponentID] = m.Similarity
		}
	}

	seen := make(map[string]bool)
	var candidates []*models.ScoredComponent
	add := func(c models.Component) {
		if seen[c.ID] || !a.eligible(req, c) {
			return
		}
		seen[c.ID] = true
		candidates = append(candidates, &models.ScoredComponent{
			Component:  c,
			Similarity: similarity[c.ID],
		})
	}

	for _, c := range recent {
		add(c)
	}
	for _, m := range matches {
		if seen[m.ComponentID] {
			continue
		}
		if err := cancelled(ctx); err != nil {
			return nil, err
		}
		sctx, cancel := context.WithTimeout(ctx, a.opts.StoreTimeout)
		c, err := a.store.Get(sctx, m.ComponentID)
		cancel()
		if errors.Is(err, models.ErrNotFound) {
			// index and store can briefly disagree after a delete
			continue
		}
		if err != nil {
			if cerr := cancelled(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, goerr.Wrap(models.Classify(models.ErrStoreUnavailable, err),
				"failed to load component", goerr.V("id", m.ComponentID))
		}
		add(c)
	}
	return candidates, nil
}

func (a *Assembler) eligible(req Request, c models.Component) bool {
	if c.AgentID != req.AgentID {
		return false
	}
	if len(req.Kinds) > 0 {
		ok := false
		for _, k := range req.Kinds {
			if c.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return c.HasTags(req.Tags)
}

func (a *Assembler) score(ctx context.Context, candidates []*models.ScoredComponent, now time.Time) error {
	if len(candidates) == 0 {
		return nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Component.ID
	}

	sctx, cancel := context.WithTimeout(ctx, a.opts.StoreTimeout)
	defer cancel()
	scores, err := a.scorer.Scores(sctx, ids, now)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return cerr
		}
		return goerr.Wrap(models.Classify(models.ErrStoreUnavailable, err), "failed to read feedback scores")
	}

	w := a.opts.Weights
	for _, c := range candidates {
		c.FeedbackScore = scores[c.Component.ID]
		c.Recency = recency(now, c.Component.UpdatedAt, a.opts.RecencyDecayRate)
		c.CombinedScore = w.Similarity*c.Similarity +
			w.Feedback*c.FeedbackScore +
			w.BaseRelevance*c.Component.BaseRelevance +
			w.Recency*c.Recency
	}
	return nil
}

// recency decays with the age of updated_at; future timestamps count as now.
func recency(now, updated time.Time, rate float64) float64 {
	hours := now.Sub(updated).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-rate * hours)
}

// rank sorts by combined score with a total tie-break order.
func rank(candidates []*models.ScoredComponent) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		if a.Component.BaseRelevance != b.Component.BaseRelevance {
			return a.Component.BaseRelevance > b.Component.BaseRelevance
		}
		if !a.Component.CreatedAt.Equal(b.Component.CreatedAt) {
			return a.Component.CreatedAt.Before(b.Component.CreatedAt)
		}
		return a.Component.ID < b.Component.ID
	})
}

// fill walks the ranking once. Every candidate ends up in exactly one of
// Included, Compressed or Dropped.
func (a *Assembler) fill(ctx context.Context, req Request, ranked []*models.ScoredComponent, out *models.AssembledContext) error {
	remaining := req.TokenBudget
	for _, sc := range ranked {
		if err := cancelled(ctx); err != nil {
			return err
		}
		c := sc.Component
		n := a.estimator.Estimate(c.Content)

		switch {
		case n <= remaining:
			a.include(out, sc, c.Content, n, false, req.DryRun)
			out.Included = append(out.Included, c.ID)
			remaining -= n
			continue

		case remaining >= a.opts.MinUsefulTokens:
			var r summarize.Result
			if req.DryRun {
				r = a.compressor.Fallback(c.Content, remaining)
			} else {
				var err error
				r, err = a.compressor.Compress(ctx, c.Content, remaining)
				if err != nil {
					return goerr.Wrap(err, "compression aborted", goerr.V("id", c.ID))
				}
			}
			if r.Text != "" && r.Tokens <= remaining {
				a.include(out, sc, r.Text, r.Tokens, true, req.DryRun)
				out.Compressed = append(out.Compressed, models.Compression{
					ComponentID:    c.ID,
					OriginalTokens: n,
					Tokens:         r.Tokens,
					Ratio:          ratio(r.Tokens, n),
					Strategy:       r.Strategy,
				})
				remaining -= r.Tokens
				continue
			}
		}

		out.Dropped = append(out.Dropped, models.Drop{
			ComponentID: c.ID,
			Reason:      models.DropOverBudget,
			Tokens:      n,
		})
	}
	return nil
}

func (a *Assembler) include(out *models.AssembledContext, sc *models.ScoredComponent, text string, n int, compressed, dryRun bool) {
	entry := models.ContextEntry{
		ComponentID: sc.Component.ID,
		Kind:        sc.Component.Kind,
		Tokens:      n,
		Score:       sc.CombinedScore,
		Compressed:  compressed,
	}
	if !dryRun {
		entry.Content = text
	}
	out.Entries = append(out.Entries, entry)
	out.TokensUsed += n
}

func ratio(tokens, original int) float64 {
	if original == 0 {
		return 1
	}
	return float64(tokens) / float64(original)
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(err, "context assembly cancelled")
	}
	return nil
}
