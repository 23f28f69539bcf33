package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexusquantum/nimbus/pkg/fs"
	"github.com/nexusquantum/nimbus/pkg/network"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

const defaultSocketTimeout = 5 * time.Second

// Firecracker drives microVMs through the firecracker binary and its api
// socket. One instance manages many VMs; each VM gets its own directory
// under machinesRoot with config, socket and log.
type Firecracker struct {
	binaryPath   string
	machinesRoot string
	logger       *slog.Logger
}

func NewFirecracker(binaryPath, machinesRoot string, logger *slog.Logger) *Firecracker {
	return &Firecracker{
		binaryPath:   binaryPath,
		machinesRoot: machinesRoot,
		logger:       logger,
	}
}

func (f *Firecracker) Boot(ctx context.Context, cfg BootConfig) (*VM, error) {
	if cfg.VCPU <= 0 {
		cfg.VCPU = 1
	}
	if cfg.Memory <= 0 {
		cfg.Memory = 512
	}

	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return nil, fmt.Errorf("kernel not found at %s: %w", cfg.KernelPath, err)
	}
	if _, err := os.Stat(cfg.RootfsPath); err != nil {
		return nil, fmt.Errorf("rootfs not found at %s: %w", cfg.RootfsPath, err)
	}

	vm, err := f.newMachine(cfg.VMID, cfg.Net)
	if err != nil {
		return nil, err
	}

	// Each VM runs on its own writable clone; the registered image file
	// stays pristine no matter what the guest writes.
	vm.RootfsPath = filepath.Join(vm.MachineDir, "rootfs.ext4")
	if err := fs.CloneFile(cfg.RootfsPath, vm.RootfsPath); err != nil {
		f.removeMachineDir(vm)
		return nil, fmt.Errorf("clone rootfs: %w", err)
	}

	fcConfig := buildMachineConfig(cfg, vm)
	data, err := json.Marshal(fcConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal machine config: %w", err)
	}
	if err := os.WriteFile(vm.ConfigPath, data, 0o644); err != nil {
		f.removeMachineDir(vm)
		return nil, fmt.Errorf("write machine config: %w", err)
	}

	f.logger.InfoContext(ctx, "booting vm",
		"vm_id", vm.ID,
		"vcpu", cfg.VCPU,
		"memory_mib", cfg.Memory)

	if err := f.startProcess(ctx, vm, cfg.Timeout, true); err != nil {
		f.removeMachineDir(vm)
		return nil, err
	}

	return vm, nil
}

func (f *Firecracker) Pause(ctx context.Context, vm *VM) error {
	return f.apiPatch(ctx, vm, "/vm", map[string]any{"state": "Paused"})
}

func (f *Firecracker) CreateSnapshot(ctx context.Context, vm *VM, statePath, memPath string) error {
	f.logger.InfoContext(ctx, "capturing snapshot", "vm_id", vm.ID)

	return f.apiPut(ctx, vm, "/snapshot/create", map[string]any{
		"snapshot_type":   "Full",
		"snapshot_path":   statePath,
		"mem_file_path":   memPath,
	})
}

// Restore starts a bare hypervisor process, then loads the captured memory
// image and device state through the api socket. The guest interface is
// rebound to the fresh TAP device during load; no kernel boot happens.
func (f *Firecracker) Restore(ctx context.Context, req RestoreRequest) (*VM, error) {
	if _, err := os.Stat(req.DrivePath); err != nil {
		return nil, fmt.Errorf("drive not placed at %s: %w", req.DrivePath, err)
	}

	vm, err := f.newMachine(req.VMID, req.Net)
	if err != nil {
		return nil, err
	}
	vm.RootfsPath = req.DrivePath

	f.logger.InfoContext(ctx, "restoring vm from snapshot",
		"vm_id", vm.ID,
		"state", req.StatePath)

	if err := f.startProcess(ctx, vm, req.Timeout, false); err != nil {
		f.removeMachineDir(vm)
		return nil, err
	}

	load := map[string]any{
		"snapshot_path": req.StatePath,
		"mem_backend": map[string]any{
			"backend_type": "File",
			"backend_path": req.MemoryImagePath,
		},
		"resume_vm": true,
		"network_overrides": []map[string]any{
			{
				"iface_id":      "eth0",
				"host_dev_name": req.Net.TAPDevice,
			},
		},
	}
	if err := f.apiPut(ctx, vm, "/snapshot/load", load); err != nil {
		derr := f.Destroy(ctx, vm)
		return nil, errors.Join(fmt.Errorf("load snapshot: %w", err), derr)
	}

	return vm, nil
}

func (f *Firecracker) Destroy(ctx context.Context, vm *VM) error {
	if vm == nil {
		return nil
	}

	if vm.cmd != nil && vm.cmd.Process != nil {
		_ = vm.cmd.Process.Kill()
		_ = vm.cmd.Wait()
		vm.cmd = nil
	}
	if vm.logFile != nil {
		_ = vm.logFile.Close()
		vm.logFile = nil
	}

	if err := f.removeMachineDir(vm); err != nil {
		return fmt.Errorf("could not clean vm %s: %w", vm.ID, err)
	}

	f.logger.InfoContext(ctx, "vm destroyed", "vm_id", vm.ID)
	return nil
}

// Version runs the binary with --version and parses the first line, which
// looks like "Firecracker v1.7.0".
func (f *Firecracker) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, f.binaryPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVersionUnknown, err)
	}

	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	for _, field := range fields {
		if strings.HasPrefix(field, "v") && strings.Contains(field, ".") {
			return field, nil
		}
	}
	return "", fmt.Errorf("%w: unexpected output %q", ErrVersionUnknown, line)
}

func (f *Firecracker) newMachine(id string, netID *network.Identity) (*VM, error) {
	if id == "" {
		var err error
		id, err = utils.NewUUID7()
		if err != nil {
			return nil, fmt.Errorf("generate vm id: %w", err)
		}
	}

	machineDir := filepath.Join(f.machinesRoot, id)
	if err := os.MkdirAll(machineDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create machine dir: %w", err)
	}

	return &VM{
		ID:         id,
		MachineDir: machineDir,
		SocketPath: filepath.Join(machineDir, "api.sock"),
		ConfigPath: filepath.Join(machineDir, "config.json"),
		Net:        netID,
		StartedAt:  time.Now(),
	}, nil
}

func (f *Firecracker) startProcess(ctx context.Context, vm *VM, timeout time.Duration, withConfig bool) error {
	logFile, err := os.Create(filepath.Join(vm.MachineDir, "firecracker.log"))
	if err != nil {
		return fmt.Errorf("could not create log file: %w", err)
	}
	vm.logFile = logFile

	_ = os.Remove(vm.SocketPath)

	args := []string{"--api-sock", vm.SocketPath}
	if withConfig {
		args = append(args, "--config-file", vm.ConfigPath)
	}

	cmd := exec.Command(f.binaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start firecracker process: %w", err)
	}
	vm.cmd = cmd
	vm.PID = cmd.Process.Pid

	if timeout == 0 {
		timeout = defaultSocketTimeout
	}
	if err := f.waitForSocket(ctx, vm.SocketPath, timeout); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		vm.cmd = nil
		return err
	}

	return nil
}

func (f *Firecracker) waitForSocket(ctx context.Context, socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w after %v", ErrSocketTimeout, timeout)
			}
		}
	}
}

func (f *Firecracker) removeMachineDir(vm *VM) error {
	if vm.MachineDir == "" {
		return nil
	}
	return os.RemoveAll(vm.MachineDir)
}

func (f *Firecracker) apiPut(ctx context.Context, vm *VM, path string, body any) error {
	return f.apiCall(ctx, vm, http.MethodPut, path, body)
}

func (f *Firecracker) apiPatch(ctx context.Context, vm *VM, path string, body any) error {
	return f.apiCall(ctx, vm, http.MethodPatch, path, body)
}

func (f *Firecracker) apiCall(ctx context.Context, vm *VM, method, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal api body: %w", err)
	}

	client := unixClient(vm.SocketPath)
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrAPIRequest, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrAPIRequest, method, path, resp.StatusCode, msg)
	}

	return nil
}

// unixClient builds an http client that dials the firecracker api socket.
func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func buildMachineConfig(cfg BootConfig, vm *VM) map[string]any {
	// The guest agent reads its identity off the kernel command line; that
	// is the only channel the host controls before the guest has a network.
	bootArgs := "console=ttyS0 reboot=k panic=1 init=/nimbus/init nimbus.vm_id=" + vm.ID
	if cfg.Net != nil {
		bootArgs += " nimbus.ip=" + cfg.Net.IPAddress
	}

	config := map[string]any{
		"boot-source": map[string]any{
			"kernel_image_path": cfg.KernelPath,
			"boot_args":         bootArgs,
		},
		"machine-config": map[string]any{
			"vcpu_count":   cfg.VCPU,
			"mem_size_mib": cfg.Memory,
			"smt":          false,
		},
		"drives": []map[string]any{
			{
				"drive_id":       "rootfs",
				"path_on_host":   vm.RootfsPath,
				"is_root_device": true,
				"is_read_only":   false,
			},
		},
	}

	if cfg.Net != nil {
		config["network-interfaces"] = []map[string]any{
			{
				"iface_id":      "eth0",
				"guest_mac":     cfg.Net.MACAddress,
				"host_dev_name": cfg.Net.TAPDevice,
			},
		}
	}

	return config
}
