package network

import (
	"crypto/rand"
	"fmt"
	"sync"
)

const macGenerateAttempts = 32

// macRegistry tracks MAC addresses of live VMs so that no two concurrently
// running instances ever share one. MACs are random rather than derived from
// the VM ID: a restore must receive a brand new identity even if an ID is
// ever reused.
type macRegistry struct {
	mu    sync.Mutex
	inUse map[string]string // MAC -> VMID
}

func newMACRegistry() *macRegistry {
	return &macRegistry{inUse: make(map[string]string)}
}

// Generate produces a fresh MAC with the nimbus prefix, unique among live VMs.
func (r *macRegistry) Generate(vmID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < macGenerateAttempts; i++ {
		var b [3]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}

		mac := fmt.Sprintf("%s:%02X:%02X:%02X", MACPrefix, b[0], b[1], b[2])
		if _, taken := r.inUse[mac]; taken {
			continue
		}

		r.inUse[mac] = vmID
		return mac, nil
	}

	return "", ErrMACExhausted
}

// Release frees a MAC address once its VM is gone.
func (r *macRegistry) Release(mac string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inUse, mac)
}

// IsLive reports whether a MAC belongs to a currently tracked VM.
func (r *macRegistry) IsLive(mac string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inUse[mac]
	return ok
}
