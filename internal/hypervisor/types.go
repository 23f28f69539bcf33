package hypervisor

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/nexusquantum/nimbus/pkg/network"
)

// BootConfig holds what a cold boot needs to assemble a machine config.
type BootConfig struct {
	VMID       string // preassigned VM id, generated when empty
	KernelPath string
	RootfsPath string
	VCPU       int // default 1
	Memory     int // MiB, default 512
	Net        *network.Identity
	Timeout    time.Duration // socket wait, default 5s
}

// RestoreRequest resumes a VM from a captured memory image and device state
// instead of booting a kernel. The captured state carries no usable network
// identity, so the caller supplies a fresh one and the guest interface is
// rebound to its TAP device during load. DrivePath is the rootfs location
// baked into the state; the caller must have placed the snapshot's rootfs
// copy there before the load.
type RestoreRequest struct {
	VMID            string // preassigned VM id, generated when empty
	MemoryImagePath string
	StatePath       string
	DrivePath       string
	Net             *network.Identity
	Timeout         time.Duration
}

// VM is a live hypervisor process under our control.
type VM struct {
	ID         string
	MachineDir string
	SocketPath string
	ConfigPath string
	RootfsPath string // the writable drive this VM runs on
	PID        int
	Net        *network.Identity
	StartedAt  time.Time

	cmd     *exec.Cmd
	logFile *os.File
}

// Driver abstracts the hypervisor so build and restore logic can be tested
// without a real firecracker binary.
type Driver interface {
	// Boot cold-starts a VM from kernel plus rootfs. The rootfs is cloned
	// into the machine directory first; the source file is never written.
	Boot(ctx context.Context, cfg BootConfig) (*VM, error)

	// Pause freezes guest vCPUs. Required before a consistent snapshot.
	Pause(ctx context.Context, vm *VM) error

	// CreateSnapshot writes the full memory image and device state of a
	// paused VM to the given paths.
	CreateSnapshot(ctx context.Context, vm *VM, statePath, memPath string) error

	// Restore resumes a new VM from captured artifacts.
	Restore(ctx context.Context, req RestoreRequest) (*VM, error)

	// Destroy kills the process and removes the machine directory. Safe to
	// call on a VM in any state.
	Destroy(ctx context.Context, vm *VM) error

	// Version reports the hypervisor binary version, e.g. "v1.7.0".
	Version(ctx context.Context) (string, error)
}
