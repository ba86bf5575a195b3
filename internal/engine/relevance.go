package engine

import (
	"math"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

// Relevance model:
//   - score = cosine(query, record) * record.RelevanceScore * AgePenalty(record.Timestamp)
//   - AgePenalty = exp(-decayRate * ageDays); 0.1/day halves a memory in ~7 days
//   - future timestamps count as age 0
//   - the score ranks results only; it is never persisted

// DefaultDecayRate is the per-day relevance decay.
const DefaultDecayRate = 0.1

// snapEpsilon absorbs floating-point drift around a penalty of exactly 1.
const snapEpsilon = 1e-9

const secondsPerDay = 86400.0

// CosineSimilarity returns dot(a,b) / (|a| * |b|).
// Vectors must have equal length and non-zero norm.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, goerr.Wrap(memory.ErrDimensionMismatch, "cosine similarity",
			goerr.V("len_a", len(a)), goerr.V("len_b", len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 || math.IsNaN(denom) {
		return 0, goerr.Wrap(memory.ErrDegenerateVector, "cosine similarity")
	}

	sim := dot / denom
	// Rounding can push |sim| a hair past 1.
	return math.Max(-1, math.Min(1, sim)), nil
}

// AgePenalty returns exp(-decayRate * ageInDays), clamped to [0, 1].
func AgePenalty(ts, now time.Time, decayRate float64) float64 {
	ageDays := now.Sub(ts).Seconds() / secondsPerDay
	if ageDays < 0 {
		ageDays = 0
	}

	penalty := math.Exp(-decayRate * ageDays)
	if penalty > 1 || math.Abs(penalty-1) < snapEpsilon {
		penalty = 1
	}
	return penalty
}

// CompositeScore combines the three ranking factors.
func CompositeScore(similarity, intrinsicRelevance, penalty float64) float64 {
	return similarity * intrinsicRelevance * penalty
}
