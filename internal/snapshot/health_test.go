package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

func insertReadySnapshot(t *testing.T, env *testEnv, imageID string) *models.RuntimeSnapshot {
	t.Helper()
	ctx := context.Background()

	id, err := utils.NewUUID7()
	require.NoError(t, err)
	snap := &models.RuntimeSnapshot{
		ID:                id,
		RuntimeImageID:    imageID,
		SnapshotPath:      "/var/lib/nimbus/snapshots/" + id,
		HypervisorVersion: "v1.7.0",
	}
	require.NoError(t, env.store.InsertCreating(ctx, snap))
	promoted, err := env.store.MarkReady(ctx, snap.ID, models.SnapshotMeta{SizeBytes: 1})
	require.NoError(t, err)
	require.True(t, promoted)

	snap.State = models.SnapshotReady
	return snap
}

func TestTracker_ThresholdCondemnsAndRebuilds(t *testing.T) {
	env := newTestEnv(t)
	img := env.insertImage(t)
	snap := insertReadySnapshot(t, env, img.ID)
	ctx := context.Background()

	tracker := NewTracker(env.store, env.images, env.builder, mustPublisher(t, env.logger), env.logger)

	tracker.RecordFailure(ctx, snap)
	tracker.RecordFailure(ctx, snap)

	got, err := env.store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotReady, got.State, "two failures are not enough")

	tracker.RecordFailure(ctx, snap)

	// The condemned row retires once the rebuild kicks off.
	got, err = env.store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotDeleted, got.State)
	assert.Equal(t, int64(3), got.FailureCount)

	// A replacement build started for the image.
	latest, err := env.store.FindLatestByImage(ctx, img.ID)
	require.NoError(t, err)
	require.NotEqual(t, snap.ID, latest.ID)
}

func TestTracker_SuccessBreaksTheStreak(t *testing.T) {
	env := newTestEnv(t)
	img := env.insertImage(t)
	snap := insertReadySnapshot(t, env, img.ID)
	ctx := context.Background()

	tracker := NewTracker(env.store, env.images, env.builder, mustPublisher(t, env.logger), env.logger)

	tracker.RecordFailure(ctx, snap)
	tracker.RecordFailure(ctx, snap)
	tracker.RecordSuccess(ctx, snap.ID)
	tracker.RecordFailure(ctx, snap)
	tracker.RecordFailure(ctx, snap)

	got, err := env.store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotReady, got.State)
	assert.Equal(t, int64(4), got.FailureCount)
	assert.Equal(t, int64(1), got.SuccessCount)
}

func TestTracker_VersionMismatchCondemnsImmediately(t *testing.T) {
	env := newTestEnv(t)
	img := env.insertImage(t)
	snap := insertReadySnapshot(t, env, img.ID)
	ctx := context.Background()

	tracker := NewTracker(env.store, env.images, env.builder, mustPublisher(t, env.logger), env.logger)
	tracker.MarkVersionMismatch(ctx, snap)

	got, err := env.store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotDeleted, got.State)

	// Condemning an already condemned snapshot is a no-op.
	tracker.MarkVersionMismatch(ctx, snap)
	got, err = env.store.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotDeleted, got.State)
}
