package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/metrics"
	"github.com/nexusquantum/nimbus/internal/snapshot"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

// Fallback reasons recorded when the warm path is skipped or fails. The
// orchestrator always lands on a running VM; these only explain why it was
// cold.
const (
	reasonWarmDisabled     = "warm_disabled"
	reasonNoSnapshot       = "no_snapshot"
	reasonBuildWaitTimeout = "build_wait_timeout"
	reasonBuildFailed      = "build_failed"
	reasonUnhealthy        = "snapshot_unhealthy"
	reasonVersionMismatch  = "version_mismatch"
	reasonRestoreFailed    = "restore_failed"
)

type BootRequest struct {
	Name     string
	ImageID  string
	ColdOnly bool // skip the warm path entirely
}

// Orchestrator picks the boot path for a container. It tries the newest
// snapshot first and falls back to a cold boot on any obstacle; a boot
// request never fails because the warm path was unavailable.
type Orchestrator struct {
	images     *models.ImageStore
	snapshots  *models.SnapshotStore
	containers *models.ContainerStore
	restorer   *snapshot.Restorer
	tracker    *snapshot.Tracker
	layout     *snapshot.Layout
	cold       snapshot.ColdBooter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	buildWaitTimeout time.Duration
}

func NewOrchestrator(
	images *models.ImageStore,
	snapshots *models.SnapshotStore,
	containers *models.ContainerStore,
	restorer *snapshot.Restorer,
	tracker *snapshot.Tracker,
	layout *snapshot.Layout,
	cold snapshot.ColdBooter,
	m *metrics.Metrics,
	logger *slog.Logger,
	buildWaitTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		images:           images,
		snapshots:        snapshots,
		containers:       containers,
		restorer:         restorer,
		tracker:          tracker,
		layout:           layout,
		cold:             cold,
		metrics:          m,
		logger:           logger,
		buildWaitTimeout: buildWaitTimeout,
	}
}

// BootContainer brings up a VM for the image, warm when possible, and
// records the container with the boot method that actually produced it.
func (o *Orchestrator) BootContainer(ctx context.Context, req BootRequest) (*models.Container, error) {
	image, err := o.images.Get(ctx, req.ImageID)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	start := time.Now()
	method := models.BootWarm

	bv, reason := o.tryWarm(ctx, image, req)
	if bv == nil {
		o.logger.InfoContext(ctx, "falling back to cold boot",
			"image_id", image.ID,
			"reason", reason)

		bv, err = o.cold.BootCold(ctx, image)
		if err != nil {
			return nil, fmt.Errorf("cold boot: %w", err)
		}
		method = models.BootCold
	}

	o.metrics.BootsTotal.WithLabelValues(string(method)).Inc()
	o.metrics.BootDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())

	id, err := utils.NewUUID7()
	if err != nil {
		return nil, err
	}
	container := &models.Container{
		ID:         id,
		Name:       req.Name,
		ImageRef:   image.Name,
		VMID:       bv.VM.ID,
		BootMethod: method,
	}
	if err := o.containers.Insert(ctx, container); err != nil {
		return nil, fmt.Errorf("record container: %w", err)
	}

	o.logger.InfoContext(ctx, "container booted",
		"container_id", container.ID,
		"vm_id", bv.VM.ID,
		"boot_method", method,
		"duration", time.Since(start))
	return container, nil
}

// tryWarm walks the warm path and reports why it bailed when it does. Every
// exit here is a fallback trigger, never a boot failure.
func (o *Orchestrator) tryWarm(ctx context.Context, image *models.RuntimeImage, req BootRequest) (*snapshot.BootedVM, string) {
	if req.ColdOnly {
		return nil, reasonWarmDisabled
	}

	snap, err := o.snapshots.FindLatestByImage(ctx, image.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, reasonNoSnapshot
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "snapshot lookup failed", "image_id", image.ID, "error", err)
		return nil, reasonNoSnapshot
	}

	switch snap.State {
	case models.SnapshotUnhealthy:
		return nil, reasonUnhealthy
	case models.SnapshotCreating:
		snap, err = o.waitForBuild(ctx, snap.ID)
		if errors.Is(err, errBuildGone) {
			return nil, reasonBuildFailed
		}
		if errors.Is(err, snapshot.ErrBuildWaitTimeout) {
			return nil, reasonBuildWaitTimeout
		}
		if err != nil {
			return nil, reasonBuildFailed
		}
	case models.SnapshotReady:
	default:
		return nil, reasonNoSnapshot
	}

	if err := o.restorer.CheckVersion(ctx, snap); err != nil {
		if errors.Is(err, snapshot.ErrVersionMismatch) {
			o.tracker.MarkVersionMismatch(ctx, snap)
			return nil, reasonVersionMismatch
		}
		o.logger.ErrorContext(ctx, "version check failed", "snapshot_id", snap.ID, "error", err)
		return nil, reasonRestoreFailed
	}

	bv, err := o.restorer.Restore(ctx, snap, o.layout)
	if err != nil {
		o.metrics.RestoresTotal.WithLabelValues("failure").Inc()
		o.tracker.RecordFailure(ctx, snap)
		return nil, reasonRestoreFailed
	}

	o.metrics.RestoresTotal.WithLabelValues("success").Inc()
	o.tracker.RecordSuccess(ctx, snap.ID)
	return bv, ""
}

var errBuildGone = errors.New("in-flight build disappeared")

// waitForBuild polls a creating snapshot until it turns ready. A bounded
// wait: a warm boot behind an almost-finished build is still far cheaper
// than a cold boot, but nobody waits forever. A row that leaves creating
// without reaching ready ends the wait immediately.
func (o *Orchestrator) waitForBuild(ctx context.Context, snapshotID string) (*models.RuntimeSnapshot, error) {
	deadline := time.Now().Add(o.buildWaitTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap, err := o.snapshots.Get(ctx, snapshotID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, errBuildGone
		}
		if err != nil {
			return nil, err
		}

		switch snap.State {
		case models.SnapshotReady:
			return snap, nil
		case models.SnapshotCreating:
		default:
			return nil, errBuildGone
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %v", snapshot.ErrBuildWaitTimeout, o.buildWaitTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
