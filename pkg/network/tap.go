package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// TAPManager provisions host-side TAP devices for VMs. Implementations must
// be safe for concurrent use.
type TAPManager interface {
	Create(vmID string) (string, error)
	Destroy(name string) error
}

// NetlinkTAPManager creates real TAP devices attached to the nimbus bridge.
type NetlinkTAPManager struct{}

func NewNetlinkTAPManager() *NetlinkTAPManager {
	return &NetlinkTAPManager{}
}

// TAPName derives a TAP device name from a VM ID (UUID v7, 36 chars with
// hyphens). Takes 4 chars of the timestamp part and the last 4 random chars
// so concurrent VMs started in the same tick still differ.
// Total: nbs- (4) + 8 hex chars = 12 chars, within the 15 char limit.
func TAPName(vmID string) string {
	if len(vmID) < 36 {
		if len(vmID) >= 8 {
			return TAPPrefix + vmID[len(vmID)-8:]
		}
		return TAPPrefix + vmID
	}

	return TAPPrefix + vmID[9:13] + vmID[32:36]
}

// Create makes a TAP device for the VM and attaches it to the bridge.
func (m *NetlinkTAPManager) Create(vmID string) (string, error) {
	tapName := TAPName(vmID)

	if tapExists(tapName) {
		return "", fmt.Errorf("%w: %s", ErrTAPNameExists, tapName)
	}

	la := netlink.NewLinkAttrs()
	la.Name = tapName
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTAPCreateFailed, err)
	}

	bridge, err := netlink.LinkByName(BridgeName)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("%w: %v", ErrBridgeNotFound, err)
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("failed to attach TAP to bridge: %w", err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("failed to bring TAP up: %w", err)
	}

	return tapName, nil
}

// Destroy removes a TAP device. Missing devices are not an error.
func (m *NetlinkTAPManager) Destroy(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("device %s exists but is not a TAP device", name)
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete TAP device %s: %w", name, err)
	}

	return nil
}

func tapExists(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false
	}

	_, ok := link.(*netlink.Tuntap)
	return ok
}

// NoOpTAPManager names devices without touching the host. Used in tests.
type NoOpTAPManager struct{}

func NewNoOpTAPManager() *NoOpTAPManager {
	return &NoOpTAPManager{}
}

func (m *NoOpTAPManager) Create(vmID string) (string, error) {
	return TAPName(vmID), nil
}

func (m *NoOpTAPManager) Destroy(name string) error {
	return nil
}
