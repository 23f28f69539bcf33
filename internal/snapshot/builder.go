package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/events"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/internal/hypervisor"
	"github.com/nexusquantum/nimbus/internal/metrics"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

const buildTimeout = 10 * time.Minute

// BootedVM is a cold-booted machine with a live, ready engine.
type BootedVM struct {
	VM      *hypervisor.VM
	GuestIP string
}

// ColdBooter boots a VM from scratch and waits for its engine. The builder
// uses it to produce the disposable VM a capture runs against.
type ColdBooter interface {
	BootCold(ctx context.Context, image *models.RuntimeImage) (*BootedVM, error)

	// Teardown destroys the VM and releases its network identity. Safe on a
	// partially torn down machine.
	Teardown(ctx context.Context, bv *BootedVM) error
}

// Builder produces snapshot artifact sets. A build boots a disposable VM,
// brings the guest into a capture-safe state, captures memory and device
// state, copies the rootfs, and promotes the database row to ready.
type Builder struct {
	store   *models.SnapshotStore
	layout  *Layout
	driver  hypervisor.Driver
	booter  ColdBooter
	agent   guest.AgentClient
	events  *events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	group singleflight.Group
}

func NewBuilder(
	store *models.SnapshotStore,
	layout *Layout,
	driver hypervisor.Driver,
	booter ColdBooter,
	agent guest.AgentClient,
	publisher *events.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Builder {
	return &Builder{
		store:   store,
		layout:  layout,
		driver:  driver,
		booter:  booter,
		agent:   agent,
		events:  publisher,
		metrics: m,
		logger:  logger,
	}
}

// StartBuild allocates the creating row and launches the build in the
// background. Concurrent callers for the same image collapse onto one row;
// a second image-level build attempt gets ErrBuildInProgress from the
// database even across processes.
func (b *Builder) StartBuild(ctx context.Context, image *models.RuntimeImage) (*models.RuntimeSnapshot, error) {
	result, err, _ := b.group.Do(image.ID, func() (any, error) {
		return b.startBuild(ctx, image)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.RuntimeSnapshot), nil
}

func (b *Builder) startBuild(ctx context.Context, image *models.RuntimeImage) (*models.RuntimeSnapshot, error) {
	hvVersion, err := b.driver.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("hypervisor version: %w", err)
	}

	id, err := utils.NewUUID7()
	if err != nil {
		return nil, err
	}

	imageDigest, err := digest.Parse(image.Digest)
	if err != nil {
		return nil, fmt.Errorf("image digest: %w", err)
	}

	snap := &models.RuntimeSnapshot{
		ID:                id,
		RuntimeImageID:    image.ID,
		SnapshotPath:      b.layout.Dir(imageDigest, id),
		HypervisorVersion: hvVersion,
	}
	if err := b.store.InsertCreating(ctx, snap); err != nil {
		if errors.Is(err, models.ErrBuildInFlight) {
			return nil, ErrBuildInProgress
		}
		return nil, err
	}

	go b.runBuild(snap, image)

	return snap, nil
}

// runBuild executes the capture pipeline. Any failure destroys the
// disposable VM, removes partial artifacts, and moves the row to deleted so
// the creating slot frees up for the next attempt.
func (b *Builder) runBuild(snap *models.RuntimeSnapshot, image *models.RuntimeImage) {
	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	start := time.Now()
	logger := b.logger.With("snapshot_id", snap.ID, "image_id", image.ID)
	logger.InfoContext(ctx, "snapshot build started")

	meta, err := b.capture(ctx, snap, image, logger)
	if err != nil {
		logger.ErrorContext(ctx, "snapshot build failed", "error", err)
		b.metrics.BuildsTotal.WithLabelValues("failure").Inc()

		if rmErr := b.layout.Remove(snap.SnapshotPath); rmErr != nil {
			logger.WarnContext(ctx, "could not remove partial artifacts", "error", rmErr)
		}
		if _, casErr := b.store.TransitionState(ctx, snap.ID, models.SnapshotCreating, models.SnapshotDeleted); casErr != nil {
			logger.ErrorContext(ctx, "could not release creating slot", "error", casErr)
		}
		return
	}

	meta.BuildDuration = time.Since(start)
	promoted, err := b.store.MarkReady(ctx, snap.ID, *meta)
	if err != nil {
		logger.ErrorContext(ctx, "could not promote snapshot", "error", err)
		return
	}
	if !promoted {
		// The row left creating while we built, most likely reclaimed as
		// stale or deleted by an operator. The artifacts are orphaned now.
		logger.WarnContext(ctx, "build finished but row was no longer creating, discarding artifacts")
		_ = b.layout.Remove(snap.SnapshotPath)
		b.metrics.BuildsTotal.WithLabelValues("discarded").Inc()
		return
	}

	b.metrics.BuildsTotal.WithLabelValues("success").Inc()
	b.metrics.BuildDuration.Observe(meta.BuildDuration.Seconds())
	b.events.Publish(events.Event{
		Type:           events.TypeSnapshotReady,
		SnapshotID:     snap.ID,
		RuntimeImageID: image.ID,
	})
	logger.InfoContext(ctx, "snapshot build finished",
		"duration", meta.BuildDuration,
		"size_bytes", meta.SizeBytes)
}

func (b *Builder) capture(ctx context.Context, snap *models.RuntimeSnapshot, image *models.RuntimeImage, logger *slog.Logger) (*models.SnapshotMeta, error) {
	if err := os.MkdirAll(snap.SnapshotPath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	bv, err := b.booter.BootCold(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("boot disposable vm: %w", err)
	}
	defer func() {
		if err := b.booter.Teardown(context.WithoutCancel(ctx), bv); err != nil {
			logger.WarnContext(ctx, "disposable vm teardown failed", "error", err)
		}
	}()

	// A capture of an engine that stays dead after restore is worthless, so
	// supervision is checked before anything is written.
	autoRestart, err := b.agent.EngineAutoRestart(ctx, bv.GuestIP)
	if err != nil {
		return nil, fmt.Errorf("check engine supervision: %w", err)
	}
	if !autoRestart {
		return nil, ErrEngineNotSafe
	}

	// Quiescing drops the guest's address, so it has to be the last call
	// that travels over that address.
	if err := b.agent.StopReporting(ctx, bv.GuestIP); err != nil {
		return nil, fmt.Errorf("stop guest reporting: %w", err)
	}
	if err := b.agent.QuiesceNetwork(ctx, bv.GuestIP); err != nil {
		return nil, fmt.Errorf("quiesce guest network: %w", err)
	}

	if err := b.driver.Pause(ctx, bv.VM); err != nil {
		return nil, fmt.Errorf("pause vm: %w", err)
	}

	statePath := b.layout.VMStatePath(snap.SnapshotPath)
	memPath := b.layout.MemoryImagePath(snap.SnapshotPath)
	if err := b.driver.CreateSnapshot(ctx, bv.VM, statePath, memPath); err != nil {
		return nil, fmt.Errorf("capture vm: %w", err)
	}

	// The artifact is the VM's own drive, frozen mid-capture, not the
	// pristine image. The restored guest must see exactly the filesystem
	// state the memory image expects.
	rootfsPath, err := b.layout.CopyRootfs(bv.VM.RootfsPath, snap.SnapshotPath)
	if err != nil {
		return nil, err
	}

	meta := &models.SnapshotMeta{
		MemSizeBytes:    fileSize(memPath),
		StateSizeBytes:  fileSize(statePath),
		RootfsSizeBytes: fileSize(rootfsPath),
	}
	meta.SizeBytes = meta.MemSizeBytes + meta.StateSizeBytes + meta.RootfsSizeBytes

	md := Metadata{
		SnapshotID:        snap.ID,
		RuntimeImageID:    image.ID,
		ImageDigest:       image.Digest,
		HypervisorVersion: snap.HypervisorVersion,
		CreatedAt:         time.Now().UTC(),
		DrivePath:         bv.VM.RootfsPath,
		Meta:              *meta,
	}
	if err := b.layout.WriteMetadata(snap.SnapshotPath, md); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return meta, nil
}
