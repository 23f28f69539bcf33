package network

// Network configuration constants
const (
	// Bridge configuration
	BridgeName = "nimbus-br0"
	BridgeIP   = "172.30.0.1"
	BridgeCIDR = "172.30.0.0/24"

	// IP pool configuration
	IPPoolStart = "172.30.0.2"
	IPPoolEnd   = "172.30.0.254"

	// MAC address configuration. Locally administered prefix; FC hints at
	// the hypervisor.
	MACPrefix = "AA:FC:00"

	// Default gateway handed to guests
	DefaultGateway = BridgeIP

	// TAP device naming, kept short for the 15 char interface name limit
	TAPPrefix = "nbs-"
)

// Identity is the runtime-assigned network identity of one VM: the piece of
// configuration deliberately excluded from snapshot capture and supplied
// fresh on every boot or restore. Two concurrently live VMs never share a
// MAC, IP, or TAP device.
type Identity struct {
	VMID       string
	TAPDevice  string // host-side TAP attached to the bridge
	MACAddress string // e.g. "AA:FC:00:4B:1D:9C"
	IPAddress  string // reserved guest address, e.g. "172.30.0.17"
	Gateway    string
}
