package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lazypower/tether/internal/logging"
)

// Retention sweep:
//   - on Start, then every interval, for every owner with memories
//   - a zero interval disables it; RunOnce still works
//   - Cleanup with the owner's stored preferences, then EmbedMissing
//   - one owner failing is logged and does not stop the sweep

// SweepStats summarizes one pass.
type SweepStats struct {
	Owners   int
	Deleted  int64
	Embedded int
	Failed   int
}

// Sweeper periodically applies retention cleanup and embedding backfill.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper for svc. It does nothing until Start.
func NewSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RunOnce sweeps every owner once.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	ctx = logging.With(ctx, w.logger)

	owners, err := w.svc.Owners(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{Owners: len(owners)}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		res, err := w.svc.Cleanup(ctx, owner)
		if err != nil {
			w.logger.Warn("sweep cleanup failed", "owner", owner, "error", err)
			stats.Failed++
			continue
		}
		stats.Deleted += res.Deleted

		n, err := w.svc.EmbedMissing(ctx, owner)
		if err != nil {
			w.logger.Warn("sweep backfill failed", "owner", owner, "error", err)
			stats.Failed++
			continue
		}
		stats.Embedded += n
	}
	return stats, nil
}

// Start runs a sweep now and then every interval until Stop or ctx ends.
// A zero interval disables the sweeper: Start does nothing.
func (w *Sweeper) Start(ctx context.Context) {
	if w.interval <= 0 {
		close(w.done)
		return
	}
	go func() {
		defer close(w.done)

		w.sweep(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.sweep(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the background loop and waits for a running pass to finish.
// Stop must only be called after Start.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *Sweeper) sweep(ctx context.Context) {
	stats, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Error("sweep failed", "error", err)
		return
	}
	if stats.Deleted > 0 || stats.Embedded > 0 || stats.Failed > 0 {
		w.logger.Info("sweep",
			"owners", stats.Owners, "deleted", stats.Deleted,
			"embedded", stats.Embedded, "failed", stats.Failed)
	}
}
