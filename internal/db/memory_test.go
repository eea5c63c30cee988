package db

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore(testDim)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testDim)
	c := component("c1", "agent", models.KindOther, base)
	c.Tags = []string{"a"}
	gt.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, "c1")
	gt.NoError(t, err)
	got.Tags[0] = "mutated"

	again, err := s.Get(ctx, "c1")
	gt.NoError(t, err)
	gt.Equal(t, again.Tags[0], "a")
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testDim)
	gt.NoError(t, s.Close())

	_, err := s.Query(ctx, models.QueryParams{AgentID: "agent"})
	gt.True(t, errors.Is(err, models.ErrStoreUnavailable))

	_, err = s.Search(ctx, "agent", []float32{1, 0, 0, 0}, 3)
	gt.True(t, errors.Is(err, models.ErrRetrieverUnavailable))

	gt.True(t, errors.Is(s.Ping(ctx), models.ErrStoreUnavailable))
}

func TestCosine(t *testing.T) {
	gt.Equal(t, cosine([]float32{1, 0}, []float32{1, 0}), 1.0)
	gt.Equal(t, cosine([]float32{1, 0}, []float32{0, 1}), 0.0)
	gt.Equal(t, cosine([]float32{1, 0}, []float32{-1, 0}), -1.0)
	gt.Equal(t, cosine([]float32{0, 0}, []float32{1, 0}), 0.0)
	gt.Equal(t, cosine([]float32{1}, []float32{1, 0}), 0.0)
	gt.Equal(t, clampSimilarity(-0.3), 0.0)
	gt.Equal(t, clampSimilarity(1.2), 1.0)
}
