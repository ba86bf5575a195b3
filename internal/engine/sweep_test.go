package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/memory"
)

func TestSweeperRunOnce(t *testing.T) {
	emb := &stubEmbedder{dims: 3}
	svc, _, clk := testService(t, emb)
	ctx := context.Background()

	_, err := svc.Store(ctx, "alice", userMsg("old news"))
	gt.NoError(t, err)
	_, err = svc.Store(ctx, "bob", userMsg("also old"))
	gt.NoError(t, err)

	clk.Set(t0.Add(40 * 24 * time.Hour))
	emb.setErr(errors.New("offline"))
	_, err = svc.Store(ctx, "bob", userMsg("recent but unembedded"))
	gt.NoError(t, err)
	emb.setErr(nil)

	w := NewSweeper(svc, time.Hour, logging.New("error", nil))
	stats, err := w.RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, stats.Owners, 2)
	gt.Equal(t, stats.Deleted, int64(2))
	gt.Equal(t, stats.Embedded, 1)
	gt.Equal(t, stats.Failed, 0)

	recs, err := svc.List(ctx, "bob", memory.Filter{})
	gt.NoError(t, err)
	gt.A(t, recs).Length(1)
	gt.True(t, recs[0].Embedded())
}

func TestSweeperContinuesPastFailingOwner(t *testing.T) {
	svc, db, _ := testService(t, &stubEmbedder{dims: 3})
	ctx := context.Background()

	_, err := svc.Store(ctx, "alice", userMsg("x"))
	gt.NoError(t, err)
	_, err = svc.Store(ctx, "bob", userMsg("y"))
	gt.NoError(t, err)
	gt.NoError(t, db.PutPreferences(ctx, "alice", map[string]any{
		"memory": map[string]any{"min_relevance_score": 7},
	}))

	stats, err := NewSweeper(svc, 0, logging.New("error", nil)).RunOnce(ctx)
	gt.NoError(t, err)
	gt.Equal(t, stats.Owners, 2)
	gt.Equal(t, stats.Failed, 1)
}

func TestSweeperStartStop(t *testing.T) {
	svc, _, _ := testService(t, NewHashEmbedder(8))
	low := 0.1
	_, err := svc.Store(context.Background(), "alice", memory.NewRecord{
		Message: "forgettable", Role: memory.RoleUser, RelevanceScore: &low,
	})
	gt.NoError(t, err)

	w := NewSweeper(svc, time.Hour, logging.New("error", nil))
	w.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := svc.List(context.Background(), "alice", memory.Filter{})
		gt.NoError(t, err)
		if len(recs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()
	w.Stop()
}

func TestSweeperZeroIntervalDoesNothing(t *testing.T) {
	svc, _, _ := testService(t, NewHashEmbedder(8))
	ctx := context.Background()
	low := 0.1
	_, err := svc.Store(ctx, "alice", memory.NewRecord{
		Message: "forgettable", Role: memory.RoleUser, RelevanceScore: &low,
	})
	gt.NoError(t, err)

	w := NewSweeper(svc, 0, logging.New("error", nil))
	w.Start(ctx)
	w.Stop()

	recs, err := svc.List(ctx, "alice", memory.Filter{})
	gt.NoError(t, err)
	gt.A(t, recs).Length(1)
}
