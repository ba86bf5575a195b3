// Package storetest is a conformance suite every memory.Backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/memory"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(owner, msg string, age time.Duration) memory.Record {
	return memory.Record{
		ID:             memory.NewID(),
		Owner:          owner,
		Message:        msg,
		Role:           memory.RoleUser,
		Context:        memory.Context{"task": "conformance"},
		RelevanceScore: 1,
		Timestamp:      base.Add(-age),
	}
}

// Run exercises b. Owners are suffixed per run so a shared database can
// be reused across runs.
func Run(t *testing.T, b memory.Backend) {
	ctx := context.Background()
	suffix := memory.NewID()
	alice, bob := "alice-"+suffix, "bob-"+suffix

	t.Run("RoundTrip", func(t *testing.T) {
		rec := record(alice, "round trip", 0)
		rec.Context = memory.Context{"mood": "tired", "n": 2.0}
		rec.Embedding = []float64{0.5, 0.5}
		rec.EmbeddingModel = "hash"
		gt.NoError(t, b.InsertBatch(ctx, []memory.Record{rec}))

		got, err := b.Get(ctx, alice, rec.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Message, rec.Message)
		gt.Equal(t, got.Role, rec.Role)
		gt.Equal(t, got.Context, rec.Context)
		gt.Equal(t, got.Embedding, rec.Embedding)
		gt.True(t, got.Timestamp.Equal(rec.Timestamp))

		_, err = b.Get(ctx, bob, rec.ID)
		gt.True(t, errors.Is(err, memory.ErrNotFound))
	})

	t.Run("ListAndOwnership", func(t *testing.T) {
		a1 := record(alice, "a1", time.Hour)
		a2 := record(alice, "a2", 2*time.Hour)
		b1 := record(bob, "b1", time.Hour)
		gt.NoError(t, b.InsertBatch(ctx, []memory.Record{a1, a2, b1}))

		until := base.Add(-time.Hour)
		recs, err := b.List(ctx, alice, memory.Filter{Until: &until})
		gt.NoError(t, err)
		gt.A(t, recs).Length(2)
		gt.Equal(t, recs[0].ID, a1.ID)
		gt.Equal(t, recs[1].ID, a2.ID)

		owned, err := b.GetByIDs(ctx, alice, []string{a1.ID, b1.ID})
		gt.NoError(t, err)
		gt.A(t, owned).Length(1)

		n, err := b.DeleteIDs(ctx, alice, []string{a2.ID, b1.ID})
		gt.NoError(t, err)
		gt.Equal(t, n, int64(1))
	})

	t.Run("UpdateAndEmbed", func(t *testing.T) {
		rec := record(alice, "unembedded", 3*time.Hour)
		gt.NoError(t, b.InsertBatch(ctx, []memory.Record{rec}))

		msg := "edited"
		got, err := b.Update(ctx, alice, rec.ID, memory.Patch{Message: &msg})
		gt.NoError(t, err)
		gt.Equal(t, got.Message, "edited")
		gt.False(t, got.Embedded())

		gt.NoError(t, b.SetEmbedding(ctx, alice, rec.ID, []float64{1, 2, 3}, "m"))
		gt.NoError(t, b.SetEmbedding(ctx, alice, rec.ID, []float64{9}, "m"))
		got, err = b.Get(ctx, alice, rec.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Embedding, []float64{1, 2, 3})

		err = b.SetEmbedding(ctx, bob, rec.ID, []float64{1}, "m")
		gt.True(t, errors.Is(err, memory.ErrNotFound))
	})

	t.Run("Sweep", func(t *testing.T) {
		owner := "sweep-" + suffix
		old := record(owner, "old", 35*24*time.Hour)
		fresh := record(owner, "fresh", 0)
		weak := record(owner, "weak", 0)
		weak.RelevanceScore = 0.3
		gt.NoError(t, b.InsertBatch(ctx, []memory.Record{old, fresh, weak}))

		n, err := b.DeleteSweep(ctx, owner, memory.Sweep{Cutoff: base.Add(-30 * 24 * time.Hour), MinRelevance: 0.5})
		gt.NoError(t, err)
		gt.Equal(t, n, int64(2))

		left, err := b.List(ctx, owner, memory.Filter{})
		gt.NoError(t, err)
		gt.A(t, left).Length(1)
		gt.Equal(t, left[0].ID, fresh.ID)
	})

	t.Run("SubMillisecondSince", func(t *testing.T) {
		owner := "since-" + suffix
		rec := record(owner, "edge", time.Minute)
		gt.NoError(t, b.InsertBatch(ctx, []memory.Record{rec}))

		before := rec.Timestamp.Add(-500 * time.Microsecond)
		got, err := b.List(ctx, owner, memory.Filter{Since: &before})
		gt.NoError(t, err)
		gt.A(t, got).Length(1)

		after := rec.Timestamp.Add(500 * time.Microsecond)
		got, err = b.List(ctx, owner, memory.Filter{Since: &after})
		gt.NoError(t, err)
		gt.A(t, got).Length(0)
	})

	t.Run("Preferences", func(t *testing.T) {
		prefs := map[string]any{"memory": map[string]any{"memory_retention_days": 10.0}}
		gt.NoError(t, b.PutPreferences(ctx, alice, prefs))
		got, err := b.GetPreferences(ctx, alice)
		gt.NoError(t, err)
		gt.Equal(t, got, prefs)

		none, err := b.GetPreferences(ctx, "nobody-"+suffix)
		gt.NoError(t, err)
		gt.Equal(t, len(none), 0)
	})

	t.Run("Owners", func(t *testing.T) {
		owners, err := b.Owners(ctx)
		gt.NoError(t, err)
		found := map[string]bool{}
		for _, o := range owners {
			found[o] = true
		}
		gt.True(t, found[alice])
		gt.True(t, found[bob])
	})

	gt.NoError(t, b.Ping(ctx))
}
