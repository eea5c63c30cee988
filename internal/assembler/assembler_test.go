package assembler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/HamiltonHausTech/ai-context-manager/internal/assembler"
	"github.com/HamiltonHausTech/ai-context-manager/internal/db"
	"github.com/HamiltonHausTech/ai-context-manager/internal/feedback"
	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
	"github.com/HamiltonHausTech/ai-context-manager/internal/summarize"
	"github.com/HamiltonHausTech/ai-context-manager/internal/tokens"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type countingStore struct {
	*db.MemoryStore
	calls atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, id string) (models.Component, error) {
	s.calls.Add(1)
	return s.MemoryStore.Get(ctx, id)
}

func (s *countingStore) Query(ctx context.Context, p models.QueryParams) ([]models.Component, error) {
	s.calls.Add(1)
	return s.MemoryStore.Query(ctx, p)
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	return f.vector, f.err
}

type failingRetriever struct{}

func (failingRetriever) Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error) {
	return nil, errors.New("index offline")
}

type fixture struct {
	store  *countingStore
	ledger *feedback.Ledger
	est    tokens.Estimator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &countingStore{MemoryStore: db.NewMemoryStore(4)}
	return &fixture{
		store:  store,
		ledger: feedback.NewLedger(store, feedback.Options{Clock: clock}),
		est:    tokens.NewCharEstimator(0),
	}
}

func (f *fixture) put(t *testing.T, c models.Component) models.Component {
	t.Helper()
	gt.NoError(t, f.store.Put(context.Background(), c))
	return c
}

func (f *fixture) assembler(t *testing.T, deps assembler.Deps, opts assembler.Options) *assembler.Assembler {
	t.Helper()
	deps.Store = f.store
	deps.Scorer = f.ledger
	deps.Estimator = f.est
	if deps.Compressor == nil {
		deps.Compressor = summarize.NewChain(f.est, nil, summarize.WithLogger(logging.Discard()))
	}
	deps.Logger = logging.Discard()
	opts.Clock = clock
	a, err := assembler.New(deps, opts)
	gt.NoError(t, err)
	return a
}

func comp(id, agent string, kind models.Kind, content string, age time.Duration) models.Component {
	ts := now.Add(-age)
	return models.Component{
		ID:            id,
		AgentID:       agent,
		Kind:          kind,
		Content:       content,
		BaseRelevance: kind.DefaultBaseRelevance(),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

func entryIDs(out *models.AssembledContext) []string {
	ids := make([]string, len(out.Entries))
	for i, e := range out.Entries {
		ids[i] = e.ComponentID
	}
	return ids
}

func TestAssembleIncludeCompressDrop(t *testing.T) {
	f := newFixture(t)
	a := f.put(t, comp("a", "agent", models.KindUserProfile, "User prefers concise answers.", time.Hour))
	b := f.put(t, comp("b", "agent", models.KindTaskSummary, strings.Repeat("step completed and verified. ", 10), time.Hour))
	f.put(t, comp("c", "agent", models.KindOther, strings.Repeat("misc note ", 20), time.Hour))

	tA, tB := f.est.Estimate(a.Content), f.est.Estimate(b.Content)
	gt.Number(t, tB).GreaterOrEqual(33)

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	budget := tA + tB - 1
	out, err := asm.Assemble(context.Background(), assembler.Request{AgentID: "agent", TokenBudget: budget})
	gt.NoError(t, err)

	gt.Equal(t, out.Included, []string{"a"})
	gt.A(t, out.Compressed).Length(1)
	gt.Equal(t, out.Compressed[0].ComponentID, "b")
	gt.Equal(t, out.Compressed[0].Strategy, summarize.StrategyTruncate)
	gt.Equal(t, out.Compressed[0].OriginalTokens, tB)
	gt.Number(t, out.Compressed[0].Ratio).LessOrEqual(1.0)
	gt.A(t, out.Dropped).Length(1)
	gt.Equal(t, out.Dropped[0].ComponentID, "c")
	gt.Equal(t, out.Dropped[0].Reason, models.DropOverBudget)

	gt.Equal(t, entryIDs(out), []string{"a", "b"})
	gt.Equal(t, out.Entries[0].Content, a.Content)
	gt.True(t, out.Entries[1].Compressed)
	gt.Number(t, out.TokensUsed).LessOrEqual(budget)
	gt.False(t, out.Degraded)
	gt.Equal(t, out.GeneratedAt, now)
}

func TestAssembleRelevanceAndFeedbackScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := comp("a", "agent", models.KindOther, "Primary customer is a regional bank.", time.Hour)
	a.BaseRelevance = 0.9
	b := comp("b", "agent", models.KindOther, strings.Repeat("reconciled ledger batch without errors. ", 6), time.Hour)
	b.BaseRelevance = 0.5
	c := comp("c", "agent", models.KindOther, strings.Repeat("archived weekly report. ", 10), time.Hour)
	c.BaseRelevance = 0.5
	for _, x := range []models.Component{a, b, c} {
		f.put(t, x)
	}
	_, err := f.ledger.Record(ctx, "b", "agent", 0.8, now.Add(-time.Hour))
	gt.NoError(t, err)
	_, err = f.ledger.Record(ctx, "c", "agent", 0, now.Add(-time.Hour))
	gt.NoError(t, err)

	fbB, err := f.ledger.CurrentScore(ctx, "b", now)
	gt.NoError(t, err)
	gt.Number(t, fbB).Greater(0.79)
	fbC, err := f.ledger.CurrentScore(ctx, "c", now)
	gt.NoError(t, err)
	gt.Equal(t, fbC, 0.0)

	tA, tB := f.est.Estimate(a.Content), f.est.Estimate(b.Content)
	gt.Number(t, tB-1).GreaterOrEqual(assembler.DefaultOptions().MinUsefulTokens)
	gt.Number(t, f.est.Estimate(c.Content)).GreaterOrEqual(assembler.DefaultOptions().MinUsefulTokens)

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	budget := tA + tB - 1
	out, err := asm.Assemble(ctx, assembler.Request{AgentID: "agent", TokenBudget: budget})
	gt.NoError(t, err)

	gt.Equal(t, out.Included, []string{"a"})
	gt.A(t, out.Compressed).Length(1)
	gt.Equal(t, out.Compressed[0].ComponentID, "b")
	gt.A(t, out.Dropped).Length(1)
	gt.Equal(t, out.Dropped[0].ComponentID, "c")
	gt.Equal(t, out.Dropped[0].Reason, models.DropOverBudget)
	gt.Number(t, out.TokensUsed).LessOrEqual(budget)

	// without its feedback, b's relevance and recency alone cannot exceed 0.35*0.5 + 0.10
	gt.Equal(t, entryIDs(out), []string{"a", "b"})
	gt.Number(t, out.Entries[1].Score).Greater(0.275)
	gt.Number(t, out.Entries[0].Score).Greater(out.Entries[1].Score)
}

func TestAssembleDegradedRetriever(t *testing.T) {
	f := newFixture(t)
	f.put(t, comp("a", "agent", models.KindLongTermMemory, "Deploys run on Fridays.", time.Hour))
	f.put(t, comp("b", "agent", models.KindTaskSummary, "Migrated the billing service.", 2*time.Hour))

	asm := f.assembler(t, assembler.Deps{
		Retriever: failingRetriever{},
		Embedder:  &fakeEmbedder{vector: []float32{1, 0, 0, 0}},
	}, assembler.Options{})

	out, err := asm.Assemble(context.Background(), assembler.Request{
		AgentID: "agent", Query: "deploy schedule", TokenBudget: 1000,
	})
	gt.NoError(t, err)
	gt.True(t, out.Degraded)
	gt.A(t, out.Diagnostics).Length(1)
	gt.Equal(t, out.Diagnostics[0].Source, assembler.SourceRetriever)
	gt.S(t, out.Diagnostics[0].Message).Contains("index offline")
	gt.A(t, out.Included).Length(2)
	gt.Equal(t, asm.MetricsSnapshot().Degraded, int64(1))
}

func TestAssembleDegradedModes(t *testing.T) {
	tests := []struct {
		name   string
		deps   assembler.Deps
		source string
	}{
		{
			name:   "no retriever configured",
			deps:   assembler.Deps{},
			source: assembler.SourceRetriever,
		},
		{
			name:   "embedding failure",
			deps:   assembler.Deps{Embedder: &fakeEmbedder{err: errors.New("ollama down")}},
			source: assembler.SourceEmbedding,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.put(t, comp("a", "agent", models.KindOther, "note", time.Hour))
			if tc.deps.Embedder != nil {
				tc.deps.Retriever = f.store
			}
			asm := f.assembler(t, tc.deps, assembler.Options{})

			out, err := asm.Assemble(context.Background(), assembler.Request{
				AgentID: "agent", Query: "anything", TokenBudget: 100,
			})
			gt.NoError(t, err)
			gt.True(t, out.Degraded)
			gt.Equal(t, out.Diagnostics[0].Source, tc.source)
			gt.Equal(t, out.Included, []string{"a"})
		})
	}
}

func TestAssembleSimilarityRanking(t *testing.T) {
	f := newFixture(t)
	x := comp("x", "agent", models.KindOther, "kubernetes rollout notes", 48*time.Hour)
	x.Embedding = []float32{1, 0, 0, 0}
	y := comp("y", "agent", models.KindOther, "lunch preferences", time.Hour)
	y.Embedding = []float32{0, 1, 0, 0}
	f.put(t, x)
	f.put(t, y)

	// only y is recent enough for the direct fetch; x must come from retrieval
	asm := f.assembler(t, assembler.Deps{
		Retriever: f.store,
		Embedder:  &fakeEmbedder{vector: []float32{1, 0, 0, 0}},
	}, assembler.Options{RecentLimit: 1})

	out, err := asm.Assemble(context.Background(), assembler.Request{
		AgentID: "agent", Query: "rollout", TokenBudget: 1000,
	})
	gt.NoError(t, err)
	gt.False(t, out.Degraded)
	gt.Equal(t, entryIDs(out), []string{"x", "y"})
	gt.Number(t, out.Entries[0].Score).GreaterOrEqual(out.Entries[1].Score)
}

func TestAssembleFeedbackRanking(t *testing.T) {
	f := newFixture(t)
	f.put(t, comp("liked", "agent", models.KindLongTermMemory, "liked fact", time.Hour))
	f.put(t, comp("plain", "agent", models.KindLongTermMemory, "plain fact", time.Hour))

	_, err := f.ledger.Record(context.Background(), "liked", "agent", 1, now.Add(-time.Minute))
	gt.NoError(t, err)

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	out, err := asm.Assemble(context.Background(), assembler.Request{AgentID: "agent", TokenBudget: 100})
	gt.NoError(t, err)
	gt.Equal(t, entryIDs(out), []string{"liked", "plain"})
}

func TestAssembleTieBreak(t *testing.T) {
	f := newFixture(t)
	older := comp("z-older", "agent", models.KindOther, "same", time.Hour)
	newer := comp("a-newer", "agent", models.KindOther, "same", time.Hour)
	// identical scores; created_at decides, recency uses updated_at
	older.CreatedAt = now.Add(-3 * time.Hour)
	f.put(t, older)
	f.put(t, newer)

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	out, err := asm.Assemble(context.Background(), assembler.Request{AgentID: "agent", TokenBudget: 100})
	gt.NoError(t, err)
	gt.Equal(t, entryIDs(out), []string{"z-older", "a-newer"})
}

func TestAssembleValidation(t *testing.T) {
	tests := []struct {
		name string
		req  assembler.Request
		want error
	}{
		{name: "zero budget", req: assembler.Request{AgentID: "agent"}, want: models.ErrBudgetTooSmall},
		{name: "negative budget", req: assembler.Request{AgentID: "agent", TokenBudget: -5}, want: models.ErrBudgetTooSmall},
		{name: "missing agent", req: assembler.Request{TokenBudget: 10}, want: models.ErrInvalidRequest},
		{name: "unknown kind", req: assembler.Request{AgentID: "agent", TokenBudget: 10, Kinds: []models.Kind{"diary"}}, want: models.ErrInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.put(t, comp("a", "agent", models.KindOther, "note", time.Hour))
			asm := f.assembler(t, assembler.Deps{}, assembler.Options{})

			_, err := asm.Assemble(context.Background(), tc.req)
			gt.Error(t, err)
			gt.True(t, errors.Is(err, tc.want))
			gt.Equal(t, f.store.calls.Load(), int64(0))
		})
	}
}

func TestAssembleBudgetAndConservation(t *testing.T) {
	f := newFixture(t)
	var all []string
	for i := 0; i < 12; i++ {
		kind := models.Kinds[i%len(models.Kinds)]
		content := strings.Repeat(fmt.Sprintf("fact %d about the system. ", i), 1+i*3)
		c := comp(fmt.Sprintf("c%02d", i), "agent", kind, content, time.Duration(i)*time.Hour)
		f.put(t, c)
		all = append(all, c.ID)
	}
	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})

	for _, budget := range []int{1, 7, 31, 32, 33, 64, 100, 257, 600, 5000} {
		t.Run(fmt.Sprintf("budget %d", budget), func(t *testing.T) {
			out, err := asm.Assemble(context.Background(), assembler.Request{AgentID: "agent", TokenBudget: budget})
			gt.NoError(t, err)

			sum := 0
			for _, e := range out.Entries {
				gt.Equal(t, f.est.Estimate(e.Content), e.Tokens)
				sum += e.Tokens
			}
			gt.Equal(t, sum, out.TokensUsed)
			gt.Number(t, out.TokensUsed).LessOrEqual(budget)

			seen := map[string]int{}
			for _, id := range out.Included {
				seen[id]++
			}
			for _, c := range out.Compressed {
				seen[c.ComponentID]++
			}
			for _, d := range out.Dropped {
				seen[d.ComponentID]++
			}
			gt.Equal(t, len(seen), len(all))
			for _, id := range all {
				gt.Equal(t, seen[id], 1)
			}
		})
	}
}

func TestAssembleDeterministic(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.put(t, comp(fmt.Sprintf("c%d", i), "agent", models.KindOther,
			strings.Repeat("deterministic output please. ", 4+i), time.Duration(i)*time.Minute))
	}
	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	req := assembler.Request{AgentID: "agent", TokenBudget: 90}

	first, err := asm.Assemble(context.Background(), req)
	gt.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := asm.Assemble(context.Background(), req)
		gt.NoError(t, err)
		gt.Equal(t, again.Entries, first.Entries)
		gt.Equal(t, again.Dropped, first.Dropped)
	}
}

func TestAssembleStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.put(t, comp("a", "agent", models.KindOther, "note", time.Hour))
	gt.NoError(t, f.store.Close())

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	out, err := asm.Assemble(context.Background(), assembler.Request{AgentID: "agent", TokenBudget: 100})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, models.ErrStoreUnavailable))
	gt.Equal(t, out, (*models.AssembledContext)(nil))
	gt.Equal(t, asm.MetricsSnapshot().Failures, int64(1))
}

func TestAssembleCancelled(t *testing.T) {
	f := newFixture(t)
	f.put(t, comp("a", "agent", models.KindOther, "note", time.Hour))
	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := asm.Assemble(ctx, assembler.Request{AgentID: "agent", TokenBudget: 100})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.Canceled))
}

func TestAssembleDryRun(t *testing.T) {
	f := newFixture(t)
	f.put(t, comp("a", "agent", models.KindUserProfile, "short", time.Hour))
	f.put(t, comp("b", "agent", models.KindTaskSummary, strings.Repeat("long running task output. ", 20), time.Hour))

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	out, err := asm.Assemble(context.Background(), assembler.Request{AgentID: "agent", TokenBudget: 60, DryRun: true})
	gt.NoError(t, err)
	gt.True(t, out.DryRun)
	gt.Equal(t, entryIDs(out), []string{"a", "b"})
	for _, e := range out.Entries {
		gt.Equal(t, e.Content, "")
		gt.Number(t, e.Tokens).GreaterOrEqual(1)
	}
	gt.Equal(t, out.Compressed[0].Strategy, summarize.StrategyTruncate)
	gt.Number(t, out.TokensUsed).LessOrEqual(60)
}

func TestAssembleFilters(t *testing.T) {
	f := newFixture(t)
	profile := comp("p", "agent", models.KindUserProfile, "likes go", time.Hour)
	profile.Tags = []string{"prefs"}
	f.put(t, profile)
	f.put(t, comp("t", "agent", models.KindTaskSummary, "ran tests", time.Hour))
	f.put(t, comp("other", "someone-else", models.KindUserProfile, "likes rust", time.Hour))

	asm := f.assembler(t, assembler.Deps{}, assembler.Options{})
	ctx := context.Background()

	t.Run("agent isolation", func(t *testing.T) {
		out, err := asm.Assemble(ctx, assembler.Request{AgentID: "agent", TokenBudget: 100})
		gt.NoError(t, err)
		gt.A(t, out.Included).Length(2)
		gt.False(t, strings.Contains(strings.Join(out.Included, ","), "other"))
	})

	t.Run("kinds", func(t *testing.T) {
		out, err := asm.Assemble(ctx, assembler.Request{
			AgentID: "agent", TokenBudget: 100, Kinds: []models.Kind{models.KindTaskSummary},
		})
		gt.NoError(t, err)
		gt.Equal(t, out.Included, []string{"t"})
	})

	t.Run("tags", func(t *testing.T) {
		out, err := asm.Assemble(ctx, assembler.Request{AgentID: "agent", TokenBudget: 100, Tags: []string{"prefs"}})
		gt.NoError(t, err)
		gt.Equal(t, out.Included, []string{"p"})
	})

	t.Run("unknown agent", func(t *testing.T) {
		out, err := asm.Assemble(ctx, assembler.Request{AgentID: "nobody", TokenBudget: 100})
		gt.NoError(t, err)
		gt.A(t, out.Entries).Length(0)
		gt.A(t, out.Dropped).Length(0)
	})
}

func TestNewRequiresStoreAndScorer(t *testing.T) {
	_, err := assembler.New(assembler.Deps{}, assembler.Options{})
	gt.Error(t, err)

	f := newFixture(t)
	_, err = assembler.New(assembler.Deps{Store: f.store}, assembler.Options{})
	gt.Error(t, err)
}
