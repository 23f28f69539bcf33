package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nexusquantum/nimbus/internal/db"
	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/events"
	"github.com/nexusquantum/nimbus/internal/hypervisor"
	"github.com/nexusquantum/nimbus/internal/metrics"
	"github.com/nexusquantum/nimbus/pkg/network"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

type fakeDriver struct {
	mu          sync.Mutex
	version     string
	paused      []string
	destroyed   []string
	captured    []string
	restoreErr  error
	onRestore   func(req hypervisor.RestoreRequest)
	restoreDone int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{version: "v1.7.0"}
}

func (d *fakeDriver) Boot(_ context.Context, cfg hypervisor.BootConfig) (*hypervisor.VM, error) {
	id := cfg.VMID
	if id == "" {
		var err error
		id, err = utils.NewUUID7()
		if err != nil {
			return nil, err
		}
	}
	return &hypervisor.VM{ID: id, RootfsPath: cfg.RootfsPath, Net: cfg.Net, StartedAt: time.Now()}, nil
}

func (d *fakeDriver) Pause(_ context.Context, vm *hypervisor.VM) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = append(d.paused, vm.ID)
	return nil
}

func (d *fakeDriver) CreateSnapshot(_ context.Context, vm *hypervisor.VM, statePath, memPath string) error {
	d.mu.Lock()
	d.captured = append(d.captured, vm.ID)
	d.mu.Unlock()

	if err := os.WriteFile(statePath, []byte("state"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(memPath, []byte("memory"), 0o644)
}

func (d *fakeDriver) Restore(_ context.Context, req hypervisor.RestoreRequest) (*hypervisor.VM, error) {
	d.mu.Lock()
	d.restoreDone++
	d.mu.Unlock()

	if d.restoreErr != nil {
		return nil, d.restoreErr
	}
	if d.onRestore != nil {
		d.onRestore(req)
	}

	id := req.VMID
	if id == "" {
		var err error
		id, err = utils.NewUUID7()
		if err != nil {
			return nil, err
		}
	}
	return &hypervisor.VM{ID: id, RootfsPath: req.DrivePath, Net: req.Net, StartedAt: time.Now()}, nil
}

func (d *fakeDriver) Destroy(_ context.Context, vm *hypervisor.VM) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, vm.ID)
	return nil
}

func (d *fakeDriver) Version(context.Context) (string, error) {
	return d.version, nil
}

func (d *fakeDriver) destroyedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

type fakeBooter struct {
	mu       sync.Mutex
	driver   *fakeDriver
	rootfs   string
	bootErr  error
	booted   int
	tornDown int
}

func (b *fakeBooter) BootCold(ctx context.Context, _ *models.RuntimeImage) (*BootedVM, error) {
	b.mu.Lock()
	b.booted++
	b.mu.Unlock()

	if b.bootErr != nil {
		return nil, b.bootErr
	}
	vm, err := b.driver.Boot(ctx, hypervisor.BootConfig{RootfsPath: b.rootfs})
	if err != nil {
		return nil, err
	}
	return &BootedVM{VM: vm, GuestIP: "172.30.0.9"}, nil
}

func (b *fakeBooter) Teardown(ctx context.Context, bv *BootedVM) error {
	b.mu.Lock()
	b.tornDown++
	b.mu.Unlock()
	if bv != nil && bv.VM != nil {
		return b.driver.Destroy(ctx, bv.VM)
	}
	return nil
}

type fakeAgent struct {
	mu          sync.Mutex
	autoRestart bool
	agentErr    error
	calls       []string
}

func (a *fakeAgent) EngineAutoRestart(context.Context, string) (bool, error) {
	a.record("auto-restart")
	return a.autoRestart, a.agentErr
}

func (a *fakeAgent) QuiesceNetwork(context.Context, string) error {
	a.record("quiesce")
	return a.agentErr
}

func (a *fakeAgent) StopReporting(context.Context, string) error {
	a.record("stop-reporting")
	return a.agentErr
}

func (a *fakeAgent) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *fakeAgent) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fakeProbe struct {
	readyErr    error
	livenessErr error
}

func (p *fakeProbe) WaitReady(context.Context, string, time.Duration) error {
	return p.readyErr
}

func (p *fakeProbe) CheckLiveness(context.Context, string, time.Duration) error {
	return p.livenessErr
}

type testEnv struct {
	store   *models.SnapshotStore
	images  *models.ImageStore
	layout  *Layout
	driver  *fakeDriver
	booter  *fakeBooter
	agent   *fakeAgent
	builder *Builder
	logger  *slog.Logger
	metrics *metrics.Metrics
	rootfs  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.InitSchema(context.Background(), database))

	rootfs := filepath.Join(t.TempDir(), "rootfs.ext4")
	require.NoError(t, os.WriteFile(rootfs, []byte("rootfs-bytes"), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	publisher, err := events.NewPublisher("", logger)
	require.NoError(t, err)

	driver := newFakeDriver()
	booter := &fakeBooter{driver: driver, rootfs: rootfs}
	agent := &fakeAgent{autoRestart: true}
	layout := NewLayout(t.TempDir())
	store := models.NewSnapshotStore(database)
	m := metrics.New(prometheus.NewRegistry())

	return &testEnv{
		store:   store,
		images:  models.NewImageStore(database),
		layout:  layout,
		driver:  driver,
		booter:  booter,
		agent:   agent,
		builder: NewBuilder(store, layout, driver, booter, agent, publisher, m, logger),
		logger:  logger,
		metrics: m,
		rootfs:  rootfs,
	}
}

func (e *testEnv) insertImage(t *testing.T) *models.RuntimeImage {
	t.Helper()

	id, err := utils.NewUUID7()
	require.NoError(t, err)
	img := &models.RuntimeImage{
		ID:         id,
		Name:       "alpine-runner",
		KernelPath: "/var/lib/nimbus/kernels/vmlinux",
		RootfsPath: e.rootfs,
		Digest:     "sha256:a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447",
	}
	require.NoError(t, e.images.Insert(context.Background(), img))
	return img
}

// waitForState polls until the snapshot reaches the wanted state.
func (e *testEnv) waitForState(t *testing.T, id string, want models.SnapshotState) *models.RuntimeSnapshot {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := e.store.Get(context.Background(), id)
		require.NoError(t, err)
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %s stuck in %s, want %s", id, snap.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestAllocator(t *testing.T) network.IdentityAllocator {
	t.Helper()

	alloc, err := network.NewAllocator(network.NewNoOpTAPManager())
	require.NoError(t, err)
	return alloc
}

func mustPublisher(t *testing.T, logger *slog.Logger) *events.Publisher {
	t.Helper()

	publisher, err := events.NewPublisher("", logger)
	require.NoError(t, err)
	return publisher
}

var errBoom = errors.New("boom")
