package snapshot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/events"
)

// unhealthyThreshold is the number of consecutive restore failures that
// condemns a snapshot. One failure can be a transient host problem; three in
// a row means the artifacts themselves are suspect.
const unhealthyThreshold = 3

// Tracker turns restore outcomes into snapshot health decisions. All counter
// updates go through atomic database statements, so concurrent restores on
// the same snapshot cannot double-condemn or miss the threshold.
type Tracker struct {
	store  *models.SnapshotStore
	images *models.ImageStore
	builds *Builder
	events *events.Publisher
	logger *slog.Logger
}

func NewTracker(
	store *models.SnapshotStore,
	images *models.ImageStore,
	builds *Builder,
	publisher *events.Publisher,
	logger *slog.Logger,
) *Tracker {
	return &Tracker{
		store:  store,
		images: images,
		builds: builds,
		events: publisher,
		logger: logger,
	}
}

// RecordSuccess resets the consecutive failure streak and stamps usage.
func (t *Tracker) RecordSuccess(ctx context.Context, snapshotID string) {
	if err := t.store.RecordSuccess(ctx, snapshotID); err != nil {
		t.logger.ErrorContext(ctx, "could not record restore success",
			"snapshot_id", snapshotID, "error", err)
	}
}

// RecordFailure bumps the failure counters and condemns the snapshot once
// the streak reaches the threshold. Exactly one caller sees the streak hit
// the threshold, so the rebuild fires once.
func (t *Tracker) RecordFailure(ctx context.Context, snap *models.RuntimeSnapshot) {
	streak, err := t.store.RecordFailure(ctx, snap.ID)
	if err != nil {
		t.logger.ErrorContext(ctx, "could not record restore failure",
			"snapshot_id", snap.ID, "error", err)
		return
	}

	t.logger.WarnContext(ctx, "snapshot restore failed",
		"snapshot_id", snap.ID,
		"failure_streak", streak)

	if streak == unhealthyThreshold {
		t.condemn(ctx, snap, "restore failure threshold reached")
	}
}

// MarkVersionMismatch condemns a snapshot immediately. No amount of retrying
// makes artifacts from another hypervisor build loadable.
func (t *Tracker) MarkVersionMismatch(ctx context.Context, snap *models.RuntimeSnapshot) {
	t.condemn(ctx, snap, "hypervisor version mismatch")
}

func (t *Tracker) condemn(ctx context.Context, snap *models.RuntimeSnapshot, reason string) {
	moved, err := t.store.TransitionState(ctx, snap.ID, models.SnapshotReady, models.SnapshotUnhealthy)
	if err != nil {
		t.logger.ErrorContext(ctx, "could not mark snapshot unhealthy",
			"snapshot_id", snap.ID, "error", err)
		return
	}
	if !moved {
		// Already condemned or deleted by someone else.
		return
	}

	t.logger.WarnContext(ctx, "snapshot marked unhealthy",
		"snapshot_id", snap.ID,
		"reason", reason)
	t.events.Publish(events.Event{
		Type:           events.TypeSnapshotUnhealthy,
		SnapshotID:     snap.ID,
		RuntimeImageID: snap.RuntimeImageID,
		Reason:         reason,
	})

	t.triggerRebuild(ctx, snap)
}

func (t *Tracker) triggerRebuild(ctx context.Context, snap *models.RuntimeSnapshot) {
	image, err := t.images.Get(ctx, snap.RuntimeImageID)
	if err != nil {
		// The row stays unhealthy and visible; an operator can still
		// rebuild it by hand.
		t.logger.ErrorContext(ctx, "could not load image for rebuild",
			"image_id", snap.RuntimeImageID, "error", err)
		return
	}

	// A rebuild retires the condemned row. Its artifacts live in their own
	// directory, so the sweep that reclaims them cannot touch the
	// replacement's.
	if _, err := t.store.SoftDelete(ctx, snap.ID); err != nil {
		t.logger.ErrorContext(ctx, "could not retire condemned snapshot",
			"snapshot_id", snap.ID, "error", err)
	}

	t.events.Publish(events.Event{
		Type:           events.TypeRebuildRequested,
		SnapshotID:     snap.ID,
		RuntimeImageID: image.ID,
	})

	if _, err := t.builds.StartBuild(ctx, image); err != nil && !errors.Is(err, ErrBuildInProgress) {
		t.logger.ErrorContext(ctx, "could not start replacement build",
			"image_id", image.ID, "error", err)
	}
}
