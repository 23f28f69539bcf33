package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusquantum/nimbus/internal/boot"
	"github.com/nexusquantum/nimbus/internal/db"
	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/events"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/internal/hypervisor"
	"github.com/nexusquantum/nimbus/internal/metrics"
	"github.com/nexusquantum/nimbus/internal/snapshot"
	"github.com/nexusquantum/nimbus/pkg/network"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

type apiDriver struct {
	reports *guest.ReportRegistry
}

func (d *apiDriver) Boot(_ context.Context, cfg hypervisor.BootConfig) (*hypervisor.VM, error) {
	id := cfg.VMID
	if id == "" {
		var err error
		id, err = utils.NewUUID7()
		if err != nil {
			return nil, err
		}
	}
	return &hypervisor.VM{ID: id, Net: cfg.Net, RootfsPath: cfg.RootfsPath}, nil
}

func (d *apiDriver) Pause(context.Context, *hypervisor.VM) error { return nil }

func (d *apiDriver) CreateSnapshot(_ context.Context, _ *hypervisor.VM, statePath, memPath string) error {
	if err := os.WriteFile(statePath, []byte("state"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(memPath, []byte("memory"), 0o644)
}

func (d *apiDriver) Restore(_ context.Context, req hypervisor.RestoreRequest) (*hypervisor.VM, error) {
	if d.reports != nil {
		if err := d.reports.Record(guest.Report{VMID: req.VMID, IP: "172.30.0.30"}); err != nil {
			return nil, err
		}
	}
	return &hypervisor.VM{ID: req.VMID, Net: req.Net, RootfsPath: req.DrivePath}, nil
}

func (d *apiDriver) Destroy(context.Context, *hypervisor.VM) error { return nil }

func (d *apiDriver) Version(context.Context) (string, error) { return "v1.7.0", nil }

type apiCold struct {
	driver *apiDriver
}

func (c *apiCold) BootCold(ctx context.Context, img *models.RuntimeImage) (*snapshot.BootedVM, error) {
	vm, err := c.driver.Boot(ctx, hypervisor.BootConfig{RootfsPath: img.RootfsPath})
	if err != nil {
		return nil, err
	}
	return &snapshot.BootedVM{VM: vm, GuestIP: "172.30.0.9"}, nil
}

func (c *apiCold) Teardown(context.Context, *snapshot.BootedVM) error { return nil }

type apiAgent struct{}

func (apiAgent) EngineAutoRestart(context.Context, string) (bool, error) { return true, nil }
func (apiAgent) QuiesceNetwork(context.Context, string) error            { return nil }
func (apiAgent) StopReporting(context.Context, string) error             { return nil }

type apiProbe struct{}

func (apiProbe) WaitReady(context.Context, string, time.Duration) error { return nil }

func (apiProbe) CheckLiveness(context.Context, string, time.Duration) error { return nil }

type apiEnv struct {
	handler   http.Handler
	snapshots *models.SnapshotStore
	rootfs    string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.InitSchema(ctx, database))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	publisher, err := events.NewPublisher("", logger)
	require.NoError(t, err)

	reports := guest.NewReportRegistry()
	driver := &apiDriver{reports: reports}
	cold := &apiCold{driver: driver}
	alloc, err := network.NewAllocator(network.NewNoOpTAPManager())
	require.NoError(t, err)

	images := models.NewImageStore(database)
	snapshots := models.NewSnapshotStore(database)
	containers := models.NewContainerStore(database)
	layout := snapshot.NewLayout(t.TempDir())
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	builder := snapshot.NewBuilder(snapshots, layout, driver, cold, apiAgent{}, publisher, m, logger)
	tracker := snapshot.NewTracker(snapshots, images, builder, publisher, logger)
	restorer := snapshot.NewRestorer(driver, apiProbe{}, alloc, reports,
		guest.NewNoOpConfigurator(), snapshot.RestorerConfig{
		EngineResumeTimeout: time.Second,
		IPObserveTimeout:    time.Second,
		LivenessTimeout:     time.Second,
	}, logger)
	orch := boot.NewOrchestrator(images, snapshots, containers,
		restorer, tracker, layout, cold, m, logger, time.Second)

	rootfs := filepath.Join(t.TempDir(), "rootfs.ext4")
	require.NoError(t, os.WriteFile(rootfs, []byte("rootfs"), 0o644))

	server := NewServer(images, snapshots, containers, builder, orch, reports, publisher, logger)
	return &apiEnv{
		handler:   server.Router(registry),
		snapshots: snapshots,
		rootfs:    rootfs,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) createImage(t *testing.T) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/v1/runtime-images", map[string]any{
		"name":        "alpine-runner",
		"kernel_path": "/var/lib/nimbus/kernels/vmlinux",
		"rootfs_path": e.rootfs,
		"digest":      "sha256:a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func TestAPI_CreateImageValidation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/runtime-images", map[string]any{
		"name": "no-paths",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/runtime-images", map[string]any{
		"name":        "bad-digest",
		"kernel_path": "/k",
		"rootfs_path": "/r",
		"digest":      "not-a-digest",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SnapshotLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	imageID := env.createImage(t)

	rec := env.do(t, http.MethodPost, "/v1/runtime-snapshots", map[string]any{
		"runtime_image_id": imageID,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "creating", created.State)

	// The build runs in the background; wait for ready through the API.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = env.do(t, http.MethodGet, "/v1/runtime-snapshots/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			State string `json:"state"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		if got.State == "ready" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot stuck in %s", got.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = env.do(t, http.MethodGet, "/v1/runtime-snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = env.do(t, http.MethodDelete, "/v1/runtime-snapshots/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Deleting again is a no-op, not an error.
	rec = env.do(t, http.MethodDelete, "/v1/runtime-snapshots/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/runtime-snapshots", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestAPI_BuildConflict(t *testing.T) {
	env := newAPIEnv(t)
	imageID := env.createImage(t)
	ctx := context.Background()

	// Occupy the creating slot directly.
	id, err := utils.NewUUID7()
	require.NoError(t, err)
	require.NoError(t, env.snapshots.InsertCreating(ctx, &models.RuntimeSnapshot{
		ID:                id,
		RuntimeImageID:    imageID,
		SnapshotPath:      "/tmp/occupied",
		HypervisorVersion: "v1.7.0",
	}))

	rec := env.do(t, http.MethodPost, "/v1/runtime-snapshots", map[string]any{
		"runtime_image_id": imageID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_SnapshotNotFound(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/runtime-snapshots/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/runtime-snapshots/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/runtime-snapshots/nope/rebuild", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ContainerColdBoot(t *testing.T) {
	env := newAPIEnv(t)
	imageID := env.createImage(t)

	rec := env.do(t, http.MethodPost, "/v1/containers", map[string]any{
		"name":             "job-1",
		"runtime_image_id": imageID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created containerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "cold", created.BootMethod)
	assert.NotEmpty(t, created.VMID)

	rec = env.do(t, http.MethodGet, "/v1/containers/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/containers/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ContainerWarmBoot(t *testing.T) {
	env := newAPIEnv(t)
	imageID := env.createImage(t)

	rec := env.do(t, http.MethodPost, "/v1/runtime-snapshots", map[string]any{
		"runtime_image_id": imageID,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var snap struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = env.do(t, http.MethodGet, "/v1/runtime-snapshots/"+snap.ID, nil)
		var got struct {
			State string `json:"state"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		if got.State == "ready" {
			break
		}
		require.False(t, time.Now().After(deadline), "snapshot never became ready")
		time.Sleep(20 * time.Millisecond)
	}

	rec = env.do(t, http.MethodPost, "/v1/containers", map[string]any{
		"name":             "fast-job",
		"runtime_image_id": imageID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var warm containerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &warm))
	assert.Equal(t, "warm", warm.BootMethod)

	// Without the snapshot the same image still boots, just cold.
	rec = env.do(t, http.MethodDelete, "/v1/runtime-snapshots/"+snap.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/containers", map[string]any{
		"name":             "slow-job",
		"runtime_image_id": imageID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var cold containerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cold))
	assert.Equal(t, "cold", cold.BootMethod)
}

func TestAPI_GuestReports(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/guest-reports", map[string]any{
		"vm_id": "0198b2c6-0001-7000-8000-aabbccdd0001",
		"ip":    "172.30.0.40",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/guest-reports", map[string]any{
		"vm_id": "0198b2c6-0002-7000-8000-aabbccdd0002",
		"ip":    "not-an-ip",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A report that does not say which vm it is for cannot be correlated.
	rec = env.do(t, http.MethodPost, "/v1/guest-reports", map[string]any{
		"ip": "172.30.0.41",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Healthz(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
