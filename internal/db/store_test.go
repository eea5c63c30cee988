package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"golang.org/x/sync/errgroup"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

const testDim = 4

var base = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func component(id, agent string, kind models.Kind, created time.Time) models.Component {
	return models.Component{
		ID:            id,
		AgentID:       agent,
		Kind:          kind,
		Content:       "content of " + id,
		BaseRelevance: kind.DefaultBaseRelevance(),
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func ids(cs []models.Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func sameJSON(t *testing.T, a, b string) {
	t.Helper()
	var va, vb any
	gt.NoError(t, json.Unmarshal([]byte(a), &va))
	gt.NoError(t, json.Unmarshal([]byte(b), &vb))
	gt.Equal(t, va, vb)
}

// testStoreContract runs the behavior every backend must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put and get round trip", func(t *testing.T) {
		s := newStore(t)
		c := component("c1", "agent", models.KindLongTermMemory, base)
		c.Tags = []string{"deploy", "infra"}
		c.Metadata = `{"source":"test","n":1}`
		c.Embedding = []float32{0.1, 0.2, 0.3, 0.4}
		gt.NoError(t, s.Put(ctx, c))

		got, err := s.Get(ctx, "c1")
		gt.NoError(t, err)
		gt.Equal(t, got.AgentID, "agent")
		gt.Equal(t, got.Kind, models.KindLongTermMemory)
		gt.Equal(t, got.Content, c.Content)
		gt.Equal(t, got.Tags, []string{"deploy", "infra"})
		gt.Equal(t, got.Embedding, c.Embedding)
		gt.Equal(t, got.BaseRelevance, c.BaseRelevance)
		gt.True(t, got.CreatedAt.Equal(base))
		sameJSON(t, got.Metadata, c.Metadata)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		gt.True(t, errors.Is(err, models.ErrNotFound))
	})

	t.Run("update keeps created_at", func(t *testing.T) {
		s := newStore(t)
		c := component("c1", "agent", models.KindTaskSummary, base)
		gt.NoError(t, s.Put(ctx, c))

		c.Content = "rewritten"
		c.CreatedAt = base.Add(time.Hour)
		c.UpdatedAt = base.Add(2 * time.Hour)
		gt.NoError(t, s.Put(ctx, c))

		got, err := s.Get(ctx, "c1")
		gt.NoError(t, err)
		gt.Equal(t, got.Content, "rewritten")
		gt.True(t, got.CreatedAt.Equal(base))
		gt.True(t, got.UpdatedAt.Equal(base.Add(2*time.Hour)))
	})

	t.Run("rejects invalid components", func(t *testing.T) {
		s := newStore(t)
		c := component("", "agent", models.KindOther, base)
		gt.True(t, errors.Is(s.Put(ctx, c), models.ErrInvalidComponent))

		c = component("c1", "agent", models.KindOther, base)
		c.Embedding = []float32{1, 2}
		gt.True(t, errors.Is(s.Put(ctx, c), models.ErrDimensionMismatch))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		gt.NoError(t, s.Put(ctx, component("c1", "agent", models.KindOther, base)))
		gt.NoError(t, s.Delete(ctx, "c1"))
		_, err := s.Get(ctx, "c1")
		gt.True(t, errors.Is(err, models.ErrNotFound))
		gt.True(t, errors.Is(s.Delete(ctx, "c1"), models.ErrNotFound))
	})

	t.Run("query filters and orders", func(t *testing.T) {
		s := newStore(t)
		a := component("a", "agent", models.KindTaskSummary, base)
		b := component("b", "agent", models.KindLongTermMemory, base.Add(time.Hour))
		b.Tags = []string{"x"}
		c := component("c", "agent", models.KindTaskSummary, base.Add(2*time.Hour))
		c.Tags = []string{"x", "y"}
		other := component("d", "someone-else", models.KindTaskSummary, base.Add(3*time.Hour))
		for _, comp := range []models.Component{a, b, c, other} {
			gt.NoError(t, s.Put(ctx, comp))
		}

		all, err := s.Query(ctx, models.QueryParams{AgentID: "agent"})
		gt.NoError(t, err)
		gt.Equal(t, ids(all), []string{"c", "b", "a"})

		tasks, err := s.Query(ctx, models.QueryParams{AgentID: "agent", Kinds: []models.Kind{models.KindTaskSummary}})
		gt.NoError(t, err)
		gt.Equal(t, ids(tasks), []string{"c", "a"})

		tagged, err := s.Query(ctx, models.QueryParams{AgentID: "agent", Tags: []string{"x", "y"}})
		gt.NoError(t, err)
		gt.Equal(t, ids(tagged), []string{"c"})

		limited, err := s.Query(ctx, models.QueryParams{AgentID: "agent", Limit: 2})
		gt.NoError(t, err)
		gt.Equal(t, ids(limited), []string{"c", "b"})

		byRelevance, err := s.Query(ctx, models.QueryParams{AgentID: "agent", Order: models.OrderRelevanceDesc})
		gt.NoError(t, err)
		gt.Equal(t, ids(byRelevance), []string{"b", "c", "a"})

		_, err = s.Query(ctx, models.QueryParams{})
		gt.True(t, errors.Is(err, models.ErrInvalidRequest))
	})

	t.Run("count ignores limit", func(t *testing.T) {
		s := newStore(t)
		a := component("a", "agent", models.KindTaskSummary, base)
		a.Tags = []string{"goal", "active"}
		b := component("b", "agent", models.KindTaskSummary, base)
		b.Tags = []string{"goal"}
		c := component("c", "agent", models.KindOther, base)
		d := component("d", "other", models.KindOther, base)
		for _, comp := range []models.Component{a, b, c, d} {
			gt.NoError(t, s.Put(ctx, comp))
		}

		tests := []struct {
			name   string
			params models.QueryParams
			want   int
		}{
			{name: "all", params: models.QueryParams{AgentID: "agent", Limit: 1}, want: 3},
			{name: "by kind", params: models.QueryParams{AgentID: "agent", Kinds: []models.Kind{models.KindOther}}, want: 1},
			{name: "by tags", params: models.QueryParams{AgentID: "agent", Tags: []string{"goal", "active"}}, want: 1},
			{name: "unknown agent", params: models.QueryParams{AgentID: "nobody"}, want: 0},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				n, err := s.Count(ctx, tc.params)
				gt.NoError(t, err)
				gt.Equal(t, n, tc.want)
			})
		}

		_, err := s.Count(ctx, models.QueryParams{})
		gt.True(t, errors.Is(err, models.ErrInvalidRequest))
	})

	t.Run("concurrent first puts of one id", func(t *testing.T) {
		s := newStore(t)
		var eg errgroup.Group
		for i := range 4 {
			eg.Go(func() error {
				c := component("race", "agent", models.KindOther, base)
				c.Content = fmt.Sprintf("writer %d", i)
				return s.Put(ctx, c)
			})
		}
		gt.NoError(t, eg.Wait())

		got, err := s.Get(ctx, "race")
		gt.NoError(t, err)
		gt.S(t, got.Content).HasPrefix("writer ")
		gt.True(t, got.CreatedAt.Equal(base))
	})

	t.Run("search ranks by cosine", func(t *testing.T) {
		s := newStore(t)
		near := component("near", "agent", models.KindOther, base)
		near.Embedding = []float32{1, 0, 0, 0}
		mid := component("mid", "agent", models.KindOther, base)
		mid.Embedding = []float32{1, 1, 0, 0}
		opposite := component("opposite", "agent", models.KindOther, base)
		opposite.Embedding = []float32{-1, 0, 0, 0}
		plain := component("plain", "agent", models.KindOther, base)
		foreign := component("foreign", "other", models.KindOther, base)
		foreign.Embedding = []float32{1, 0, 0, 0}
		for _, comp := range []models.Component{near, mid, opposite, plain, foreign} {
			gt.NoError(t, s.Put(ctx, comp))
		}

		matches, err := s.Search(ctx, "agent", []float32{1, 0, 0, 0}, 10)
		gt.NoError(t, err)
		gt.A(t, matches).Length(3)
		gt.Equal(t, matches[0].ComponentID, "near")
		gt.Equal(t, matches[1].ComponentID, "mid")
		gt.Equal(t, matches[2].ComponentID, "opposite")
		gt.True(t, matches[0].Similarity > 0.99)
		gt.Equal(t, matches[2].Similarity, 0.0)
		for _, m := range matches {
			gt.Number(t, m.Similarity).GreaterOrEqual(0)
			gt.Number(t, m.Similarity).LessOrEqual(1)
		}

		top, err := s.Search(ctx, "agent", []float32{1, 0, 0, 0}, 1)
		gt.NoError(t, err)
		gt.A(t, top).Length(1)

		_, err = s.Search(ctx, "agent", []float32{1, 0}, 1)
		gt.True(t, errors.Is(err, models.ErrDimensionMismatch))
	})

	t.Run("feedback log", func(t *testing.T) {
		s := newStore(t)
		events := []models.FeedbackEvent{
			{ID: "e1", ComponentID: "a", AgentID: "agent", Delta: 0.5, Timestamp: base},
			{ID: "e2", ComponentID: "a", AgentID: "agent", Delta: -0.25, Timestamp: base.Add(time.Minute)},
			{ID: "e3", ComponentID: "b", AgentID: "agent", Delta: 1, Timestamp: base},
			{ID: "e4", ComponentID: "c", AgentID: "other", Delta: 1, Timestamp: base},
		}
		for _, ev := range events {
			gt.NoError(t, s.AppendFeedback(ctx, ev))
		}

		byID, err := s.ListFeedback(ctx, []string{"a", "b", "missing"})
		gt.NoError(t, err)
		gt.A(t, byID["a"]).Length(2)
		gt.A(t, byID["b"]).Length(1)
		gt.A(t, byID["missing"]).Length(0)
		gt.Equal(t, byID["a"][1].Delta, -0.25)
		gt.True(t, byID["a"][0].Timestamp.Equal(base))

		agentEvents, err := s.ListAgentFeedback(ctx, "agent")
		gt.NoError(t, err)
		gt.A(t, agentEvents).Length(3)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		gt.NoError(t, s.Ping(ctx))
	})
}
