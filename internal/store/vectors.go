package store

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SetEmbedding attaches a vector to one of owner's memories that has none.
// A memory that already carries a vector is left untouched.
func (db *DB) SetEmbedding(ctx context.Context, owner, id string, vec []float64, model string) error {
	if len(vec) == 0 {
		return goerr.New("empty embedding", goerr.V("id", id))
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, embedding, model, dimensions, created_at)
		SELECT id, ?, ?, ?, ? FROM memories WHERE id = ? AND owner = ?
		ON CONFLICT(memory_id) DO NOTHING
	`, encodeEmbedding(vec), model, len(vec), time.Now().UnixMilli(), id, owner)
	if err != nil {
		return goerr.Wrap(err, "set embedding", goerr.V("id", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "set embedding rows", goerr.V("id", id))
	}
	if n == 0 {
		var exists int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM memories WHERE id = ? AND owner = ?", id, owner,
		).Scan(&exists); err != nil {
			return goerr.Wrap(err, "check memory", goerr.V("id", id))
		}
		if exists == 0 {
			return goerr.Wrap(memory.ErrNotFound, "set embedding", goerr.V("id", id))
		}
	}
	return nil
}

// CountUnembedded returns how many of owner's memories have no vector.
func (db *DB) CountUnembedded(ctx context.Context, owner string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories m
		LEFT JOIN memory_vectors v ON v.memory_id = m.id
		WHERE m.owner = ? AND v.memory_id IS NULL
	`, owner).Scan(&n)
	if err != nil {
		return 0, goerr.Wrap(err, "count unembedded", goerr.V("owner", owner))
	}
	return n, nil
}
