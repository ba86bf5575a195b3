package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

const selectMemory = `
	SELECT m.id, m.owner, m.message, m.role, m.context, m.relevance_score, m.ts,
	       v.embedding, v.model
	FROM memories m
	LEFT JOIN memory_vectors v ON v.memory_id = m.id`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(s scanner) (memory.Record, error) {
	var (
		rec     memory.Record
		role    string
		ctxJSON string
		ts      int64
		blob    []byte
		model   sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Owner, &rec.Message, &role, &ctxJSON,
		&rec.RelevanceScore, &ts, &blob, &model); err != nil {
		return rec, err
	}
	rec.Role = memory.Role(role)
	rec.Timestamp = time.UnixMilli(ts).UTC()
	if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
		return rec, goerr.Wrap(err, "decode context", goerr.V("id", rec.ID))
	}
	if rec.Context == nil {
		rec.Context = memory.Context{}
	}
	if len(blob) > 0 {
		rec.Embedding = decodeEmbedding(blob)
		rec.EmbeddingModel = model.String
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

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ceilMilli rounds t up to the next whole millisecond, so that an inclusive
// lower bound with sub-millisecond precision never admits an earlier record.
func ceilMilli(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}

// List returns owner's memories matching f, newest first.
func (db *DB) List(ctx context.Context, owner string, f memory.Filter) ([]memory.Record, error) {
	var (
		where = []string{"m.owner = ?"}
		args  = []any{owner}
	)
	if f.Since != nil {
		where = append(where, "m.ts >= ?")
		args = append(args, ceilMilli(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "m.ts <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.MinRelevance != nil {
		where = append(where, "m.relevance_score >= ?")
		args = append(args, *f.MinRelevance)
	}
	if f.Role != "" {
		where = append(where, "m.role = ?")
		args = append(args, string(f.Role))
	}
	if f.EmbeddedOnly {
		where = append(where, "v.memory_id IS NOT NULL")
	}

	query := selectMemory + " WHERE " + strings.Join(where, " AND ") + " ORDER BY m.ts DESC, m.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return db.queryMemories(ctx, query, args...)
}

// Get returns one of owner's memories, or memory.ErrNotFound.
func (db *DB) Get(ctx context.Context, owner, id string) (*memory.Record, error) {
	rec, err := scanMemory(db.QueryRowContext(ctx,
		selectMemory+" WHERE m.id = ? AND m.owner = ?", id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(memory.ErrNotFound, "get memory", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get memory", goerr.V("id", id))
	}
	return &rec, nil
}

// GetByIDs returns the memories among ids that belong to owner.
func (db *DB) GetByIDs(ctx context.Context, owner string, ids []string) ([]memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for _, id := range ids {
		args = append(args, id)
	}
	query := selectMemory + " WHERE m.owner = ? AND m.id IN (" + placeholders(len(ids)) + ")" +
		" ORDER BY m.ts DESC, m.id DESC"
	return db.queryMemories(ctx, query, args...)
}

func (db *DB) queryMemories(ctx context.Context, query string, args ...any) ([]memory.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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

// InsertBatch stores all records in one transaction. Records carrying an
// embedding get a vector row as well.
func (db *DB) InsertBatch(ctx context.Context, recs []memory.Record) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin insert")
	}
	defer tx.Rollback()

	insMem, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (id, owner, message, role, context, relevance_score, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return goerr.Wrap(err, "prepare insert")
	}
	defer insMem.Close()

	insVec, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_vectors (memory_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return goerr.Wrap(err, "prepare vector insert")
	}
	defer insVec.Close()

	now := time.Now().UnixMilli()
	for i := range recs {
		r := &recs[i]
		ctxJSON, err := encodeContext(r.Context)
		if err != nil {
			return goerr.Wrap(err, "insert memory", goerr.V("id", r.ID))
		}
		if _, err := insMem.ExecContext(ctx, r.ID, r.Owner, r.Message, string(r.Role),
			ctxJSON, r.RelevanceScore, r.Timestamp.UnixMilli()); err != nil {
			return goerr.Wrap(err, "insert memory", goerr.V("id", r.ID))
		}
		if r.Embedded() {
			if _, err := insVec.ExecContext(ctx, r.ID, encodeEmbedding(r.Embedding),
				r.EmbeddingModel, len(r.Embedding), now); err != nil {
				return goerr.Wrap(err, "insert vector", goerr.V("id", r.ID))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit insert")
	}
	return nil
}

// Update applies p to one of owner's memories. The vector is not touched.
func (db *DB) Update(ctx context.Context, owner, id string, p memory.Patch) (*memory.Record, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "begin update")
	}
	defer tx.Rollback()

	rec, err := scanMemory(tx.QueryRowContext(ctx,
		selectMemory+" WHERE m.id = ? AND m.owner = ?", id, owner))
	if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET message = ?, context = ?, relevance_score = ?
		WHERE id = ? AND owner = ?`,
		rec.Message, ctxJSON, rec.RelevanceScore, id, owner); err != nil {
		return nil, goerr.Wrap(err, "update memory", goerr.V("id", id))
	}

	if err := tx.Commit(); err != nil {
		return nil, goerr.Wrap(err, "commit update", goerr.V("id", id))
	}
	return &rec, nil
}

// DeleteIDs removes the given memories of owner.
func (db *DB) DeleteIDs(ctx context.Context, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for _, id := range ids {
		args = append(args, id)
	}
	in := "(" + placeholders(len(ids)) + ")"
	return db.deleteWhere(ctx, "owner = ? AND id IN "+in, args...)
}

// DeleteSweep removes owner's memories at or before s.Cutoff, or below s.MinRelevance.
func (db *DB) DeleteSweep(ctx context.Context, owner string, s memory.Sweep) (int64, error) {
	return db.deleteWhere(ctx, "owner = ? AND (ts <= ? OR relevance_score < ?)",
		owner, s.Cutoff.UnixMilli(), s.MinRelevance)
}

// deleteWhere removes matching memories and their vectors in one transaction.
func (db *DB) deleteWhere(ctx context.Context, cond string, args ...any) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM memory_vectors WHERE memory_id IN (SELECT id FROM memories WHERE "+cond+")",
		args...); err != nil {
		return 0, goerr.Wrap(err, "delete vectors")
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE "+cond, args...)
	if err != nil {
		return 0, goerr.Wrap(err, "delete memories")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, goerr.Wrap(err, "delete rows")
	}

	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "commit delete")
	}
	return n, nil
}

// Owners lists every owner with at least one memory.
func (db *DB) Owners(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT DISTINCT owner FROM memories ORDER BY owner")
	if err != nil {
		return nil, goerr.Wrap(err, "list owners")
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, goerr.Wrap(err, "scan owner")
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
