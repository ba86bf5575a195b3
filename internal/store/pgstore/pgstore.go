// Package pgstore keeps memories in Postgres. Embeddings are float8[]
// columns; ranking happens in the service, not in SQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id              TEXT PRIMARY KEY,
    owner           TEXT NOT NULL,
    message         TEXT NOT NULL,
    role            TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    context         JSONB NOT NULL DEFAULT '{}'::jsonb,
    relevance_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    ts              TIMESTAMPTZ NOT NULL,
    embedding       DOUBLE PRECISION[],
    embedding_model TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_owner_ts ON memories (owner, ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS owner_preferences (
    owner      TEXT PRIMARY KEY,
    prefs      JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const selectMemory = `
	SELECT id, owner, message, role, context::text, relevance_score, ts, embedding, COALESCE(embedding_model, '')
	FROM memories`

// Store implements memory.Backend on a pgx connection pool.
type Store struct {
	DB *pgxpool.Pool
}

var _ memory.Backend = (*Store)(nil)

// New connects to Postgres and creates the schema if needed.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, goerr.Wrap(err, "connect postgres")
	}
	s := &Store{DB: pool}
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// CreateSchema creates the tables and indexes if they don't exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return goerr.Wrap(err, "create schema")
	}
	return nil
}

func scanMemory(row pgx.Row) (memory.Record, error) {
	var (
		rec     memory.Record
		role    string
		ctxJSON string
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.Message, &role, &ctxJSON,
		&rec.RelevanceScore, &rec.Timestamp, &rec.Embedding, &rec.EmbeddingModel); err != nil {
		return rec, err
	}
	rec.Role = memory.Role(role)
	rec.Timestamp = rec.Timestamp.UTC()
	if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
		return rec, goerr.Wrap(err, "decode context", goerr.V("id", rec.ID))
	}
	if rec.Context == nil {
		rec.Context = memory.Context{}
	}
	if len(rec.Embedding) == 0 {
		rec.Embedding = nil
		rec.EmbeddingModel = ""
	}
	return rec, nil
}

func encodeContext(c memory.Context) (string, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", goerr.Wrap(err, "encode context")
	}
	return string(b), nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]memory.Record, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "query memories")
	}
	defer rows.Close()

	var recs []memory.Record
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "scan memory")
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate memories")
	}
	return recs, nil
}

// List returns owner's memories matching f, newest first.
func (s *Store) List(ctx context.Context, owner string, f memory.Filter) ([]memory.Record, error) {
	where := []string{"owner = $1"}
	args := []any{owner}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Since != nil {
		where = append(where, "ts >= "+arg(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "ts <= "+arg(*f.Until))
	}
	if f.MinRelevance != nil {
		where = append(where, "relevance_score >= "+arg(*f.MinRelevance))
	}
	if f.Role != "" {
		where = append(where, "role = "+arg(string(f.Role)))
	}
	if f.EmbeddedOnly {
		where = append(where, "cardinality(embedding) > 0")
	}

	sql := selectMemory + " WHERE " + strings.Join(where, " AND ") + " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		sql += " LIMIT " + arg(f.Limit)
	}
	return s.query(ctx, sql, args...)
}

// Get returns one of owner's memories, or memory.ErrNotFound.
func (s *Store) Get(ctx context.Context, owner, id string) (*memory.Record, error) {
	rec, err := scanMemory(s.DB.QueryRow(ctx, selectMemory+" WHERE id = $1 AND owner = $2", id, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(memory.ErrNotFound, "get memory", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get memory", goerr.V("id", id))
	}
	return &rec, nil
}

// GetByIDs returns the memories among ids that belong to owner.
func (s *Store) GetByIDs(ctx context.Context, owner string, ids []string) ([]memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.query(ctx, selectMemory+" WHERE owner = $1 AND id = ANY($2) ORDER BY ts DESC, id DESC", owner, ids)
}

// InsertBatch stores all records in one transaction.
func (s *Store) InsertBatch(ctx context.Context, recs []memory.Record) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return goerr.Wrap(err, "begin insert")
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range recs {
		r := &recs[i]
		ctxJSON, err := encodeContext(r.Context)
		if err != nil {
			return goerr.Wrap(err, "insert memory", goerr.V("id", r.ID))
		}
		var model *string
		if r.Embedded() {
			model = &r.EmbeddingModel
		}
		batch.Queue(`
			INSERT INTO memories (id, owner, message, role, context, relevance_score, ts, embedding, embedding_model)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
			r.ID, r.Owner, r.Message, string(r.Role), ctxJSON, r.RelevanceScore, r.Timestamp, r.Embedding, model)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return goerr.Wrap(err, "insert batch", goerr.V("size", len(recs)))
	}

	if err := tx.Commit(ctx); err != nil {
		return goerr.Wrap(err, "commit insert")
	}
	return nil
}

// Update applies p to one of owner's memories. The vector is not touched.
func (s *Store) Update(ctx context.Context, owner, id string, p memory.Patch) (*memory.Record, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "begin update")
	}
	defer tx.Rollback(ctx)

	rec, err := scanMemory(tx.QueryRow(ctx, selectMemory+" WHERE id = $1 AND owner = $2 FOR UPDATE", id, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(memory.ErrNotFound, "update memory", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "load memory", goerr.V("id", id))
	}

	rec = p.Apply(rec)
	ctxJSON, err := encodeContext(rec.Context)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE memories SET message = $1, context = $2::jsonb, relevance_score = $3
		WHERE id = $4 AND owner = $5`,
		rec.Message, ctxJSON, rec.RelevanceScore, id, owner); err != nil {
		return nil, goerr.Wrap(err, "update memory", goerr.V("id", id))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, goerr.Wrap(err, "commit update", goerr.V("id", id))
	}
	return &rec, nil
}

// SetEmbedding attaches a vector to one of owner's memories that has none.
func (s *Store) SetEmbedding(ctx context.Context, owner, id string, vec []float64, model string) error {
	if len(vec) == 0 {
		return goerr.New("empty embedding", goerr.V("id", id))
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE memories SET embedding = $1, embedding_model = $2
		WHERE id = $3 AND owner = $4 AND (embedding IS NULL OR cardinality(embedding) = 0)`,
		vec, model, id, owner)
	if err != nil {
		return goerr.Wrap(err, "set embedding", goerr.V("id", id))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM memories WHERE id = $1 AND owner = $2)", id, owner,
	).Scan(&exists); err != nil {
		return goerr.Wrap(err, "check memory", goerr.V("id", id))
	}
	if !exists {
		return goerr.Wrap(memory.ErrNotFound, "set embedding", goerr.V("id", id))
	}
	return nil
}

// DeleteIDs removes the given memories of owner.
func (s *Store) DeleteIDs(ctx context.Context, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.DB.Exec(ctx, "DELETE FROM memories WHERE owner = $1 AND id = ANY($2)", owner, ids)
	if err != nil {
		return 0, goerr.Wrap(err, "delete memories", goerr.V("owner", owner))
	}
	return tag.RowsAffected(), nil
}

// DeleteSweep removes owner's memories at or before s.Cutoff, or below s.MinRelevance.
func (s *Store) DeleteSweep(ctx context.Context, owner string, sw memory.Sweep) (int64, error) {
	tag, err := s.DB.Exec(ctx,
		"DELETE FROM memories WHERE owner = $1 AND (ts <= $2 OR relevance_score < $3)",
		owner, sw.Cutoff, sw.MinRelevance)
	if err != nil {
		return 0, goerr.Wrap(err, "sweep memories", goerr.V("owner", owner))
	}
	return tag.RowsAffected(), nil
}

// Owners lists every owner with at least one memory.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, "SELECT DISTINCT owner FROM memories ORDER BY owner")
	if err != nil {
		return nil, goerr.Wrap(err, "list owners")
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, goerr.Wrap(err, "scan owners")
	}
	return owners, nil
}

// GetPreferences returns owner's preference document, or an empty map.
func (s *Store) GetPreferences(ctx context.Context, owner string) (map[string]any, error) {
	var raw string
	err := s.DB.QueryRow(ctx, "SELECT prefs::text FROM owner_preferences WHERE owner = $1", owner).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get preferences", goerr.V("owner", owner))
	}
	prefs := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, goerr.Wrap(err, "decode preferences", goerr.V("owner", owner))
	}
	return prefs, nil
}

// PutPreferences replaces owner's preference document.
func (s *Store) PutPreferences(ctx context.Context, owner string, prefs map[string]any) error {
	if prefs == nil {
		prefs = map[string]any{}
	}
	b, err := json.Marshal(prefs)
	if err != nil {
		return goerr.Wrap(err, "encode preferences", goerr.V("owner", owner))
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO owner_preferences (owner, prefs, updated_at) VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (owner) DO UPDATE SET prefs = EXCLUDED.prefs, updated_at = EXCLUDED.updated_at`,
		owner, string(b), time.Now().UTC())
	if err != nil {
		return goerr.Wrap(err, "put preferences", goerr.V("owner", owner))
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.DB.Close()
	return nil
}
