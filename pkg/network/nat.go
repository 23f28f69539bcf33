package network

import (
	"fmt"
	"os"

	"github.com/coreos/go-iptables/iptables"
)

// EnableNAT sets up IP forwarding and MASQUERADE so guests reach the outside
// world through the host.
func EnableNAT() error {
	if err := enableIPForwarding(); err != nil {
		return fmt.Errorf("failed to enable IP forwarding: %w", err)
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	// iptables -t nat -A POSTROUTING -s 172.30.0.0/24 -j MASQUERADE
	err = ipt.AppendUnique("nat", "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE")
	if err != nil {
		return fmt.Errorf("%w: failed to add MASQUERADE rule: %v", ErrNATSetupFailed, err)
	}

	// iptables -A FORWARD -i nimbus-br0 -j ACCEPT
	err = ipt.AppendUnique("filter", "FORWARD", "-i", BridgeName, "-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("%w: failed to add FORWARD rule: %v", ErrNATSetupFailed, err)
	}

	// iptables -A FORWARD -o nimbus-br0 -j ACCEPT
	err = ipt.AppendUnique("filter", "FORWARD", "-o", BridgeName, "-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("%w: failed to add FORWARD rule: %v", ErrNATSetupFailed, err)
	}

	return nil
}

// DisableNAT removes the nimbus NAT rules. IP forwarding is left alone since
// other services may depend on it.
func DisableNAT() error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	_ = ipt.Delete("nat", "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE")
	_ = ipt.Delete("filter", "FORWARD", "-i", BridgeName, "-j", "ACCEPT")
	_ = ipt.Delete("filter", "FORWARD", "-o", BridgeName, "-j", "ACCEPT")

	return nil
}

// enableIPForwarding enables IPv4 forwarding in the kernel.
func enableIPForwarding() error {
	const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}

	if len(data) > 0 && data[0] == '1' {
		return nil
	}

	err = os.WriteFile(ipForwardPath, []byte("1"), 0o644)
	if err != nil {
		return fmt.Errorf("%w: failed to write ip_forward: %v", ErrForwardingDisabled, err)
	}

	return nil
}
