package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

func setupTestStore(t *testing.T) *DuckStore {
	t.Helper()
	store, err := NewDuckStore(DuckOptions{
		Path:         filepath.Join(t.TempDir(), "test.duckdb"),
		EmbeddingDim: testDim,
		MaxConns:     4,
	})
	gt.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewDuckStore(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.duckdb")

	store, err := NewDuckStore(DuckOptions{Path: tmpFile, EmbeddingDim: testDim})
	gt.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(tmpFile)
	gt.NoError(t, err)
	gt.Equal(t, store.Dim(), testDim)
}

func TestDuckStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return setupTestStore(t)
	})
}

func TestDuckStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.duckdb")

	store, err := NewDuckStore(DuckOptions{Path: path, EmbeddingDim: testDim})
	gt.NoError(t, err)
	c := component("c1", "agent", models.KindUserProfile, base)
	c.Embedding = []float32{1, 2, 3, 4}
	gt.NoError(t, store.Put(ctx, c))
	gt.NoError(t, store.Close())

	t.Run("same dimension keeps data", func(t *testing.T) {
		store, err := NewDuckStore(DuckOptions{Path: path, EmbeddingDim: testDim})
		gt.NoError(t, err)
		defer store.Close()

		got, err := store.Get(ctx, "c1")
		gt.NoError(t, err)
		gt.Equal(t, got.Kind, models.KindUserProfile)
		gt.Equal(t, got.Embedding, c.Embedding)
	})

	t.Run("other dimension is rejected", func(t *testing.T) {
		_, err := NewDuckStore(DuckOptions{Path: path, EmbeddingDim: 8})
		gt.Error(t, err)
		gt.True(t, errors.Is(err, models.ErrDimensionMismatch))
	})
}

func TestNewDuckStoreRejectsZeroDim(t *testing.T) {
	_, err := NewDuckStore(DuckOptions{Path: filepath.Join(t.TempDir(), "x.duckdb")})
	gt.Error(t, err)
}

func TestArrayDim(t *testing.T) {
	n, ok := arrayDim("FLOAT[768]")
	gt.True(t, ok)
	gt.Equal(t, n, 768)

	_, ok = arrayDim("FLOAT[]")
	gt.False(t, ok)
	_, ok = arrayDim("VARCHAR")
	gt.False(t, ok)
}
