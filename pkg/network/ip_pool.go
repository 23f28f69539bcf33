package network

import (
	"fmt"
	"net"
	"sync"
)

// IPPool manages allocation of guest IP addresses from a defined range.
// Thread-safe for concurrent VM creation and restore.
type IPPool struct {
	mu   sync.Mutex
	pool map[string]string // IP -> VMID, "" when free
}

// NewIPPool parses the [start, end] IPv4 range and populates the pool.
func NewIPPool(ipPoolStart, ipPoolEnd string) (*IPPool, error) {
	startIP := net.ParseIP(ipPoolStart).To4()
	endIP := net.ParseIP(ipPoolEnd).To4()

	if startIP == nil || endIP == nil {
		return nil, fmt.Errorf("IP pool range must be IPv4 addresses: start=%s, end=%s", ipPoolStart, ipPoolEnd)
	}

	start := ipToUint32(startIP)
	end := ipToUint32(endIP)

	if start > end {
		return nil, fmt.Errorf("IP pool start (%s) is greater than end (%s)", ipPoolStart, ipPoolEnd)
	}

	pool := make(map[string]string, end-start+1)
	for i := start; i <= end; i++ {
		pool[uint32ToIP(i).String()] = ""
	}

	return &IPPool{pool: pool}, nil
}

// Allocate reserves a free IP address for a VM.
func (p *IPPool) Allocate(vmID string) (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ip, owner := range p.pool {
		if owner == "" {
			p.pool[ip] = vmID
			return net.ParseIP(ip), nil
		}
	}

	return nil, ErrIPPoolExhausted
}

// Release returns an IP address back to the pool. Releasing an address
// allocated to a different VM is an error.
func (p *IPPool) Release(ip string, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner, exists := p.pool[ip]
	if !exists || owner == "" {
		return ErrIPNotAllocated
	}

	if owner != vmID {
		return fmt.Errorf("IP %s is allocated to VM %s, not %s", ip, owner, vmID)
	}

	p.pool[ip] = ""
	return nil
}

// IsAllocated checks if an IP address is currently allocated.
func (p *IPPool) IsAllocated(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner, exists := p.pool[ip]
	return exists && owner != ""
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
