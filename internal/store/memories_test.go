package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/memory"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newRec builds a user record timestamped minutesAgo before baseTime.
func newRec(owner, msg string, minutesAgo int) memory.Record {
	return memory.Record{
		ID:             memory.NewID(),
		Owner:          owner,
		Message:        msg,
		Role:           memory.RoleUser,
		Context:        memory.Context{"task": "testing"},
		RelevanceScore: 1.0,
		Timestamp:      baseTime.Add(-time.Duration(minutesAgo) * time.Minute),
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := newRec("alice", "I like green tea", 0)
	rec.Role = memory.RoleAssistant
	rec.Context = memory.Context{"mood": "happy", "turn": 3.0}
	rec.Embedding = []float64{0.25, -1, 0.5}
	rec.EmbeddingModel = "hash"
	rec.RelevanceScore = 0.75
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	got, err := db.Get(ctx, "alice", rec.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Message, rec.Message)
	gt.Equal(t, got.Role, rec.Role)
	gt.Equal(t, got.Context, rec.Context)
	gt.Equal(t, got.Embedding, rec.Embedding)
	gt.Equal(t, got.EmbeddingModel, "hash")
	gt.Equal(t, got.RelevanceScore, 0.75)
	gt.True(t, got.Timestamp.Equal(rec.Timestamp))
}

func TestGetNotFoundAndForeignOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "secret", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	_, err := db.Get(ctx, "alice", "missing")
	gt.True(t, errors.Is(err, memory.ErrNotFound))

	_, err = db.Get(ctx, "bob", rec.ID)
	gt.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestInsertBatchAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := newRec("alice", "one", 0)
	dup := newRec("alice", "two", 1)
	dup.ID = first.ID // primary key violation on the second row

	gt.Error(t, db.InsertBatch(ctx, []memory.Record{first, dup}))

	recs, err := db.List(ctx, "alice", memory.Filter{})
	gt.NoError(t, err)
	gt.A(t, recs).Length(0)
}

func TestListFiltersAndOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := newRec("alice", "old", 60)
	mid := newRec("alice", "mid", 30)
	mid.Role = memory.RoleAssistant
	mid.RelevanceScore = 0.4
	mid.Embedding = []float64{1, 0}
	mid.EmbeddingModel = "m"
	recent := newRec("alice", "recent", 0)
	other := newRec("bob", "bob's", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{old, mid, recent, other}))

	all, err := db.List(ctx, "alice", memory.Filter{})
	gt.NoError(t, err)
	gt.A(t, all).Length(3)
	gt.Equal(t, all[0].ID, recent.ID)
	gt.Equal(t, all[1].ID, mid.ID)
	gt.Equal(t, all[2].ID, old.ID)

	since := baseTime.Add(-30 * time.Minute)
	until := baseTime.Add(-30 * time.Minute)
	inclusive, err := db.List(ctx, "alice", memory.Filter{Since: &since, Until: &until})
	gt.NoError(t, err)
	gt.A(t, inclusive).Length(1)
	gt.Equal(t, inclusive[0].ID, mid.ID)

	minRel := 0.5
	relevant, err := db.List(ctx, "alice", memory.Filter{MinRelevance: &minRel})
	gt.NoError(t, err)
	gt.A(t, relevant).Length(2)

	assistant, err := db.List(ctx, "alice", memory.Filter{Role: memory.RoleAssistant})
	gt.NoError(t, err)
	gt.A(t, assistant).Length(1)

	embedded, err := db.List(ctx, "alice", memory.Filter{EmbeddedOnly: true})
	gt.NoError(t, err)
	gt.A(t, embedded).Length(1)
	gt.Equal(t, embedded[0].ID, mid.ID)

	limited, err := db.List(ctx, "alice", memory.Filter{Limit: 2})
	gt.NoError(t, err)
	gt.A(t, limited).Length(2)
	gt.Equal(t, limited[0].ID, recent.ID)
}

func TestListSinceSubMillisecond(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "at base", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	since := baseTime.Add(time.Microsecond)
	recs, err := db.List(ctx, "alice", memory.Filter{Since: &since})
	gt.NoError(t, err)
	gt.A(t, recs).Length(0)
}

func TestGetByIDsIntersection(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a1 := newRec("alice", "a1", 0)
	a2 := newRec("alice", "a2", 1)
	b1 := newRec("bob", "b1", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{a1, a2, b1}))

	got, err := db.GetByIDs(ctx, "alice", []string{a1.ID, a2.ID, b1.ID, "nope"})
	gt.NoError(t, err)
	gt.A(t, got).Length(2)

	none, err := db.GetByIDs(ctx, "alice", nil)
	gt.NoError(t, err)
	gt.A(t, none).Length(0)
}

func TestUpdateKeepsEmbedding(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "before", 0)
	rec.Embedding = []float64{0, 1}
	rec.EmbeddingModel = "m"
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	msg := "after"
	score := 0.2
	updated, err := db.Update(ctx, "alice", rec.ID, memory.Patch{Message: &msg, RelevanceScore: &score})
	gt.NoError(t, err)
	gt.Equal(t, updated.Message, "after")
	gt.Equal(t, updated.RelevanceScore, 0.2)
	gt.Equal(t, updated.Context, rec.Context)

	got, err := db.Get(ctx, "alice", rec.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Message, "after")
	gt.Equal(t, got.Embedding, []float64{0, 1})
}

func TestUpdateForeignOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rec := newRec("alice", "mine", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{rec}))

	msg := "hijacked"
	_, err := db.Update(ctx, "bob", rec.ID, memory.Patch{Message: &msg})
	gt.True(t, errors.Is(err, memory.ErrNotFound))

	got, err := db.Get(ctx, "alice", rec.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Message, "mine")
}

func TestDeleteIDsScopedToOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := newRec("alice", "a", 0)
	b := newRec("bob", "b", 0)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{a, b}))

	n, err := db.DeleteIDs(ctx, "alice", []string{a.ID, b.ID})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(1))

	_, err = db.Get(ctx, "bob", b.ID)
	gt.NoError(t, err)
}

func TestDeleteSweep(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	stale := newRec("alice", "stale", 35*24*60)
	atCutoff := newRec("alice", "at cutoff", 30*24*60)
	fresh := newRec("alice", "fresh", 0)
	weak := newRec("alice", "weak", 0)
	weak.RelevanceScore = 0.3
	bobStale := newRec("bob", "bob stale", 35*24*60)
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{stale, atCutoff, fresh, weak, bobStale}))

	n, err := db.DeleteSweep(ctx, "alice", memory.Sweep{
		Cutoff:       baseTime.Add(-30 * 24 * time.Hour),
		MinRelevance: 0.5,
	})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(3))

	left, err := db.List(ctx, "alice", memory.Filter{})
	gt.NoError(t, err)
	gt.A(t, left).Length(1)
	gt.Equal(t, left[0].ID, fresh.ID)

	bobs, err := db.List(ctx, "bob", memory.Filter{})
	gt.NoError(t, err)
	gt.A(t, bobs).Length(1)
}

func TestOwners(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	gt.NoError(t, db.InsertBatch(ctx, []memory.Record{
		newRec("bob", "x", 0), newRec("alice", "y", 0), newRec("alice", "z", 1),
	}))

	owners, err := db.Owners(ctx)
	gt.NoError(t, err)
	gt.Equal(t, owners, []string{"alice", "bob"})
}

func TestPreferencesRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	empty, err := db.GetPreferences(ctx, "alice")
	gt.NoError(t, err)
	gt.Equal(t, len(empty), 0)

	prefs := map[string]any{
		"theme":  "dark",
		"memory": map[string]any{"memory_retention_days": 7.0, "min_relevance_score": 0.25},
	}
	gt.NoError(t, db.PutPreferences(ctx, "alice", prefs))
	gt.NoError(t, db.PutPreferences(ctx, "alice", prefs))

	got, err := db.GetPreferences(ctx, "alice")
	gt.NoError(t, err)
	gt.Equal(t, got, prefs)

	p, err := memory.PreferencesFromMap(got)
	gt.NoError(t, err)
	gt.Equal(t, p.RetentionDays, 7)
	gt.Equal(t, p.MinRelevanceScore, 0.25)
}
