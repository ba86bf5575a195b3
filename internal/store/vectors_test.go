package store

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/memory"
)

func TestEncodeDecodeEmbedding(t *testing.T) {
	original := []float64{1.0, -0.5, 0.333, math.Pi, 0.0}
	decoded := decodeEmbedding(encodeEmbedding(original))
	gt.Equal(t, decoded, original)
}

func TestSetEmbedding(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "no vector yet", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	n, err := db.CountUnembedded(ctx, "alice")
	gt.NoError(t, err)
	gt.Equal(t, n, 1)

	gt.NoError(t, db.SetEmbedding(ctx, "alice", rec.ID, []float64{0.1, 0.2}, "test-model"))

	got, err := db.Get(ctx, "alice", rec.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Embedding, []float64{0.1, 0.2})
	gt.Equal(t, got.EmbeddingModel, "test-model")

	// An existing vector is kept.
	gt.NoError(t, db.SetEmbedding(ctx, "alice", rec.ID, []float64{9, 9}, "other"))
	got, err = db.Get(ctx, "alice", rec.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Embedding, []float64{0.1, 0.2})

	n, err = db.CountUnembedded(ctx, "alice")
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestSetEmbeddingWrongOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "mine", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	err := db.SetEmbedding(ctx, "mallory", rec.ID, []float64{1}, "m")
	gt.True(t, errors.Is(err, memory.ErrNotFound))

	got, err := db.Get(ctx, "alice", rec.ID)
	gt.NoError(t, err)
	gt.False(t, got.Embedded())
}

func TestVectorsCascadeOnDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "with vector", 0)
	rec.Embedding = []float64{1, 0}
	rec.EmbeddingModel = "m"
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	_, err := db.DeleteIDs(ctx, "alice", []string{rec.ID})
	gt.NoError(t, err)

	var count int
	gt.NoError(t, db.QueryRow("SELECT COUNT(*) FROM memory_vectors").Scan(&count))
	gt.Equal(t, count, 0)
}
