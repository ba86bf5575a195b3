package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/memory"
)

func approx(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("got %.6f, want %.6f (±%g)", got, want, tol)
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float64{1, 2, 3}
	sim, err := CosineSimilarity(a, a)
	gt.NoError(t, err)
	approx(t, sim, 1.0, 1e-9)
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	sim, err := CosineSimilarity([]float64{1, 0, 0}, []float64{0, 1, 0})
	gt.NoError(t, err)
	gt.Equal(t, sim, 0.0)
}

func TestCosineSimilarityOpposite(t *testing.T) {
	sim, err := CosineSimilarity([]float64{1, 2}, []float64{-1, -2})
	gt.NoError(t, err)
	approx(t, sim, -1.0, 1e-9)
}

func TestCosineSimilarityMagnitudeIndependent(t *testing.T) {
	a, err := CosineSimilarity([]float64{1, 2, 3}, []float64{2, 1, 0})
	gt.NoError(t, err)
	b, err := CosineSimilarity([]float64{10, 20, 30}, []float64{2, 1, 0})
	gt.NoError(t, err)
	approx(t, a, b, 1e-12)
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3})
	gt.True(t, errors.Is(err, memory.ErrDimensionMismatch))
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	_, err := CosineSimilarity([]float64{0, 0}, []float64{1, 2})
	gt.True(t, errors.Is(err, memory.ErrDegenerateVector))

	_, err = CosineSimilarity(nil, nil)
	gt.True(t, errors.Is(err, memory.ErrDegenerateVector))
}

func TestAgePenalty(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	gt.Equal(t, AgePenalty(now, now, DefaultDecayRate), 1.0)
	approx(t, AgePenalty(now.Add(-7*day), now, DefaultDecayRate), 0.4966, 1e-4)
	approx(t, AgePenalty(now.Add(-30*day), now, DefaultDecayRate), 0.0498, 1e-4)
}

func TestAgePenaltyFutureClamped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gt.Equal(t, AgePenalty(now.Add(time.Hour), now, DefaultDecayRate), 1.0)
}

func TestAgePenaltySnapsNearOne(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gt.Equal(t, AgePenalty(now.Add(-time.Microsecond), now, DefaultDecayRate), 1.0)
}

func TestAgePenaltyStrictlyDecreasing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := AgePenalty(now, now, DefaultDecayRate)
	for _, age := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour, 7 * 24 * time.Hour, 90 * 24 * time.Hour} {
		p := AgePenalty(now.Add(-age), now, DefaultDecayRate)
		gt.Number(t, p).Less(prev)
		gt.Number(t, p).Greater(0)
		prev = p
	}
}

func TestCompositeScoreMonotonic(t *testing.T) {
	base := CompositeScore(0.5, 0.5, 0.5)
	gt.Equal(t, base, 0.125)
	gt.Number(t, CompositeScore(0.6, 0.5, 0.5)).Greater(base)
	gt.Number(t, CompositeScore(0.5, 0.6, 0.5)).Greater(base)
	gt.Number(t, CompositeScore(0.5, 0.5, 0.6)).Greater(base)
}
