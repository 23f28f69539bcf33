package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// EnsureBridge creates the nimbus bridge if it doesn't exist and configures
// its IP address. Idempotent - safe to call on every daemon start.
func EnsureBridge() error {
	bridge, ok := getBridge()
	if !ok {
		la := netlink.NewLinkAttrs()
		la.Name = BridgeName
		bridge = &netlink.Bridge{LinkAttrs: la}

		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("%w: %v", ErrBridgeCreateFailed, err)
		}
	}

	return configureBridge(bridge)
}

// configureBridge sets the IP address and brings the bridge up.
func configureBridge(bridge *netlink.Bridge) error {
	addr, err := netlink.ParseAddr(BridgeIP + "/24")
	if err != nil {
		return fmt.Errorf("failed to parse bridge IP: %w", err)
	}

	addrs, err := netlink.AddrList(bridge, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list bridge addresses: %w", err)
	}

	hasIP := false
	for _, a := range addrs {
		if a.IP.Equal(addr.IP) {
			hasIP = true
			break
		}
	}

	if !hasIP {
		if err := netlink.AddrReplace(bridge, addr); err != nil {
			return fmt.Errorf("failed to add IP to bridge: %w", err)
		}
	}

	if err := netlink.LinkSetUp(bridge); err != nil {
		return fmt.Errorf("failed to bring bridge up: %w", err)
	}

	return nil
}

func getBridge() (*netlink.Bridge, bool) {
	link, err := netlink.LinkByName(BridgeName)
	if err != nil {
		return nil, false
	}

	bridge, ok := link.(*netlink.Bridge)
	if !ok {
		return nil, false
	}

	return bridge, true
}

// DestroyBridge removes the nimbus bridge. Fails if TAP devices are still
// attached.
func DestroyBridge() error {
	bridge, ok := getBridge()
	if !ok {
		return nil
	}

	if err := netlink.LinkDel(bridge); err != nil {
		return fmt.Errorf("failed to delete bridge: %w", err)
	}

	return nil
}

// GetBridgeIP returns the bridge IP address as a net.IP.
func GetBridgeIP() net.IP {
	return net.ParseIP(BridgeIP)
}
