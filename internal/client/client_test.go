package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/client"
	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/memory"
	"github.com/lazypower/tether/internal/server"
	"github.com/lazypower/tether/internal/store"
)

func testClient(t *testing.T, owner string) *client.Client {
	t.Helper()
	db, err := store.OpenMemory()
	gt.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(server.New(engine.New(db, engine.NewHashEmbedder(64)), "test", nil))
	t.Cleanup(srv.Close)
	return client.NewWithURL(srv.URL+"/", owner)
}

func TestStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	c := testClient(t, "alice")
	gt.True(t, c.Healthy(ctx))

	m, err := c.Store(ctx, memory.NewRecord{Message: "tea with oat milk", Role: memory.RoleUser})
	gt.NoError(t, err)
	gt.NotEqual(t, m.ID, "")
	gt.True(t, m.Embedded)

	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	batch, err := c.StoreBatch(ctx, []memory.NewRecord{
		{Message: "morning run by the river", Role: memory.RoleUser, Timestamp: ts},
		{Message: "noted", Role: memory.RoleAssistant, Timestamp: ts},
	})
	gt.NoError(t, err)
	gt.A(t, batch).Length(2)
	gt.True(t, batch[0].Timestamp.Equal(ts))

	hits, err := c.Search(ctx, "tea with oat milk", 1)
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].Memory.ID, m.ID)

	n, err := c.EmbedMissing(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	c := testClient(t, "alice")

	low := 0.1
	_, err := c.Store(ctx, memory.NewRecord{Message: "forgettable", Role: memory.RoleUser, RelevanceScore: &low})
	gt.NoError(t, err)

	res, err := c.Cleanup(ctx)
	gt.NoError(t, err)
	gt.Equal(t, res.Deleted, int64(1))
	gt.S(t, res.Message).Contains("Deleted 1")
}

func TestAPIError(t *testing.T) {
	ctx := context.Background()
	c := testClient(t, "alice")

	_, err := c.Store(ctx, memory.NewRecord{Message: "", Role: memory.RoleUser})
	gt.Error(t, err)

	var apiErr *client.APIError
	gt.True(t, errors.As(err, &apiErr))
	gt.Equal(t, apiErr.Status, http.StatusBadRequest)
	gt.Equal(t, apiErr.Code, "validation")
}

func TestMissingOwner(t *testing.T) {
	c := testClient(t, "")
	_, err := c.Search(context.Background(), "anything", 0)

	var apiErr *client.APIError
	gt.True(t, errors.As(err, &apiErr))
	gt.Equal(t, apiErr.Status, http.StatusUnauthorized)
}

func TestUnreachable(t *testing.T) {
	c := client.NewWithURL("http://127.0.0.1:1", "alice")
	gt.False(t, c.Healthy(context.Background()))
}
