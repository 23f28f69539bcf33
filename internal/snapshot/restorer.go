package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/internal/hypervisor"
	"github.com/nexusquantum/nimbus/pkg/fs"
	"github.com/nexusquantum/nimbus/pkg/network"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

// EngineProbe checks the guest engine over the network. Satisfied by
// engine.Probe.
type EngineProbe interface {
	WaitReady(ctx context.Context, guestIP string, timeout time.Duration) error
	CheckLiveness(ctx context.Context, guestIP string, timeout time.Duration) error
}

// RestorerConfig bounds the warm path. Warm boots only pay off when they are
// fast, so every wait is short and a miss falls back to cold.
type RestorerConfig struct {
	EngineResumeTimeout time.Duration // first engine response after resume
	IPObserveTimeout    time.Duration // guest identity report after resume
	LivenessTimeout     time.Duration // engine api actually serving
}

// Restorer brings a snapshot back as a live VM under a fresh network
// identity. It is purely mechanical: it never retries and never touches
// health counters, that is the caller's job.
type Restorer struct {
	driver       hypervisor.Driver
	probe        EngineProbe
	alloc        network.IdentityAllocator
	reports      *guest.ReportRegistry
	configurator guest.RootfsConfigurator
	cfg          RestorerConfig
	logger       *slog.Logger

	// driveLocks serializes restores of the same snapshot. The drive path
	// is baked into the captured state, so placement and load must not
	// interleave with another restore of the same artifacts.
	driveLocks sync.Map
}

func NewRestorer(
	driver hypervisor.Driver,
	probe EngineProbe,
	alloc network.IdentityAllocator,
	reports *guest.ReportRegistry,
	configurator guest.RootfsConfigurator,
	cfg RestorerConfig,
	logger *slog.Logger,
) *Restorer {
	return &Restorer{
		driver:       driver,
		probe:        probe,
		alloc:        alloc,
		reports:      reports,
		configurator: configurator,
		cfg:          cfg,
		logger:       logger,
	}
}

// CheckVersion gates a restore on the hypervisor version the artifacts were
// captured under. Loading a snapshot into a different hypervisor build is
// undefined behavior, so a mismatch fails before any resource is touched.
func (r *Restorer) CheckVersion(ctx context.Context, snap *models.RuntimeSnapshot) error {
	hostVersion, err := r.driver.Version(ctx)
	if err != nil {
		return err
	}
	if hostVersion != snap.HypervisorVersion {
		return fmt.Errorf("%w: captured %s, host %s",
			ErrVersionMismatch, snap.HypervisorVersion, hostVersion)
	}
	return nil
}

// Restore resumes the snapshot as a new VM. The version gate must have
// passed already. On any failure the partial VM is destroyed and the fresh
// identity released; the error wraps ErrRestoreFailed so the caller knows to
// fall back.
func (r *Restorer) Restore(ctx context.Context, snap *models.RuntimeSnapshot, layout *Layout) (*BootedVM, error) {
	start := time.Now()

	memPath := layout.MemoryImagePath(snap.SnapshotPath)
	statePath := layout.VMStatePath(snap.SnapshotPath)
	rootfsPath := layout.RootfsCopyPath(snap.SnapshotPath)
	for _, p := range []string{memPath, statePath, rootfsPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: artifact missing: %v", ErrRestoreFailed, err)
		}
	}

	md, err := layout.ReadMetadata(snap.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrRestoreFailed, err)
	}
	if md.DrivePath == "" {
		return nil, fmt.Errorf("%w: metadata carries no drive path", ErrRestoreFailed)
	}

	vmID, err := utils.NewUUID7()
	if err != nil {
		return nil, err
	}
	identity, err := r.alloc.AssignFreshIdentity(vmID)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire network identity: %v", ErrRestoreFailed, err)
	}

	vm, err := r.loadVM(ctx, md.DrivePath, rootfsPath, vmID, identity, memPath, statePath)
	if err != nil {
		rerr := r.alloc.Release(identity)
		return nil, errors.Join(fmt.Errorf("%w: %v", ErrRestoreFailed, err), rerr)
	}

	bv, err := r.awaitGuest(ctx, vm)
	if err != nil {
		r.logger.WarnContext(ctx, "restore failed, destroying partial vm",
			"snapshot_id", snap.ID,
			"vm_id", vm.ID,
			"error", err)
		derr := r.driver.Destroy(context.WithoutCancel(ctx), vm)
		rerr := r.alloc.Release(identity)
		r.reports.Forget(vm.ID)
		return nil, errors.Join(err, derr, rerr)
	}

	r.logger.InfoContext(ctx, "snapshot restored",
		"snapshot_id", snap.ID,
		"vm_id", vm.ID,
		"guest_ip", bv.GuestIP,
		"duration", time.Since(start))
	return bv, nil
}

// loadVM places a fresh rootfs at the drive path the captured state expects
// and loads the snapshot. The placement goes through a temp file and a
// rename, so a VM already running on the old drive keeps its open inode and
// every restore starts from pristine artifact content.
func (r *Restorer) loadVM(ctx context.Context, drivePath, rootfsCopy, vmID string, identity *network.Identity, memPath, statePath string) (*hypervisor.VM, error) {
	lock, _ := r.driveLocks.LoadOrStore(drivePath, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(drivePath), 0o755); err != nil {
		return nil, fmt.Errorf("create drive dir: %w", err)
	}

	tmp := drivePath + ".next-" + vmID
	if err := fs.CloneFile(rootfsCopy, tmp); err != nil {
		return nil, fmt.Errorf("place drive: %w", err)
	}
	if err := r.configurator.WriteAgentConfig(ctx, tmp, vmID, identity.IPAddress); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("hand identity to guest: %w", err)
	}
	if err := os.Rename(tmp, drivePath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("place drive: %w", err)
	}

	return r.driver.Restore(ctx, hypervisor.RestoreRequest{
		VMID:            vmID,
		MemoryImagePath: memPath,
		StatePath:       statePath,
		DrivePath:       drivePath,
		Net:             identity,
	})
}

func (r *Restorer) awaitGuest(ctx context.Context, vm *hypervisor.VM) (*BootedVM, error) {
	// The agent inside the guest picks up its rewritten config, applies
	// the fresh address, and announces itself under the new VM id.
	ip, err := r.reports.WaitForIP(ctx, vm.ID, r.cfg.IPObserveTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: guest never reported its address: %v", ErrRestoreFailed, err)
	}

	if err := r.probe.WaitReady(ctx, ip, r.cfg.EngineResumeTimeout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	if err := r.probe.CheckLiveness(ctx, ip, r.cfg.LivenessTimeout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	return &BootedVM{VM: vm, GuestIP: ip}, nil
}
