package guest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// agentConfigPath is where the in-guest agent expects its identity, relative
// to the guest root.
const agentConfigPath = "etc/nimbus/agent.conf"

// RootfsConfigurator hands a restored guest its new identity. A restore
// cannot use kernel boot args, the memory image already booted; the only
// remaining channel is the rootfs the VM will reopen, rewritten before the
// load. The agent re-reads its config after resume and reports with the new
// VM id.
type RootfsConfigurator interface {
	WriteAgentConfig(ctx context.Context, rootfsPath, vmID, ip string) error
}

// MountConfigurator loop-mounts an ext4 rootfs and rewrites the agent
// config in place. Requires a host that permits loop mounts.
type MountConfigurator struct {
	logger *slog.Logger
}

func NewMountConfigurator(logger *slog.Logger) *MountConfigurator {
	return &MountConfigurator{logger: logger}
}

func (c *MountConfigurator) WriteAgentConfig(ctx context.Context, rootfsPath, vmID, ip string) error {
	mountPoint, err := os.MkdirTemp("", "nimbus-rootfs-*")
	if err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	defer os.Remove(mountPoint)

	if out, err := exec.CommandContext(ctx, "mount", "-o", "loop", rootfsPath, mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("mount rootfs: %w: %s", err, out)
	}

	writeErr := c.writeConfig(mountPoint, vmID, ip)

	// Unmount even when the write failed; a lingering loop mount blocks
	// the hypervisor from opening the drive.
	if out, err := exec.CommandContext(context.WithoutCancel(ctx), "umount", mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("unmount rootfs: %w: %s", err, out)
	}

	if writeErr != nil {
		return writeErr
	}

	c.logger.DebugContext(ctx, "agent config rewritten", "vm_id", vmID, "rootfs", rootfsPath)
	return nil
}

func (c *MountConfigurator) writeConfig(mountPoint, vmID, ip string) error {
	path := filepath.Join(mountPoint, agentConfigPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create agent config dir: %w", err)
	}

	content := fmt.Sprintf("VM_ID=%s\nIP=%s\n", vmID, ip)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write agent config: %w", err)
	}
	return nil
}

// NoOpConfigurator skips the rewrite. Used in tests.
type NoOpConfigurator struct{}

func NewNoOpConfigurator() *NoOpConfigurator {
	return &NoOpConfigurator{}
}

func (*NoOpConfigurator) WriteAgentConfig(context.Context, string, string, string) error {
	return nil
}
