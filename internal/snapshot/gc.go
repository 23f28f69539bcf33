package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/metrics"
)

// GC reclaims artifact sets of deleted snapshots and frees creating slots of
// builds that died mid-way. Deletion in the API only flips the row state;
// the actual disk reclamation always happens here, off the request path.
type GC struct {
	store    *models.SnapshotStore
	layout   *Layout
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	staleTTL time.Duration
}

func NewGC(store *models.SnapshotStore, layout *Layout, m *metrics.Metrics, logger *slog.Logger, interval, staleTTL time.Duration) *GC {
	return &GC{
		store:    store,
		layout:   layout,
		metrics:  m,
		logger:   logger,
		interval: interval,
		staleTTL: staleTTL,
	}
}

// Run sweeps until the context ends.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: reclaim stale creating rows, then purge deleted ones.
func (g *GC) Sweep(ctx context.Context) {
	g.reclaimStale(ctx)
	g.purgeDeleted(ctx)
}

func (g *GC) reclaimStale(ctx context.Context) {
	stale, err := g.store.ListStaleCreating(ctx, g.staleTTL)
	if err != nil {
		g.logger.ErrorContext(ctx, "could not list stale builds", "error", err)
		return
	}

	for _, snap := range stale {
		moved, err := g.store.TransitionState(ctx, snap.ID, models.SnapshotCreating, models.SnapshotDeleted)
		if err != nil {
			g.logger.ErrorContext(ctx, "could not reclaim stale build",
				"snapshot_id", snap.ID, "error", err)
			continue
		}
		if moved {
			g.logger.WarnContext(ctx, "reclaimed stale snapshot build",
				"snapshot_id", snap.ID,
				"age", time.Since(snap.CreatedAt))
		}
	}
}

func (g *GC) purgeDeleted(ctx context.Context) {
	deleted, err := g.store.ListDeleted(ctx)
	if err != nil {
		g.logger.ErrorContext(ctx, "could not list deleted snapshots", "error", err)
		return
	}

	for _, snap := range deleted {
		if err := g.layout.Remove(snap.SnapshotPath); err != nil {
			g.logger.ErrorContext(ctx, "could not remove snapshot artifacts",
				"snapshot_id", snap.ID,
				"path", snap.SnapshotPath,
				"error", err)
			continue
		}
		if err := g.store.Purge(ctx, snap.ID); err != nil {
			g.logger.ErrorContext(ctx, "could not purge snapshot row",
				"snapshot_id", snap.ID, "error", err)
			continue
		}

		g.metrics.SnapshotsGCTotal.Inc()
		g.logger.InfoContext(ctx, "snapshot reclaimed", "snapshot_id", snap.ID)
	}
}
