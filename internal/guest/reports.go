package guest

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"time"
)

var ErrIPNotObserved = errors.New("no ip report for vm")

// Report is one identity announcement from a guest agent: the VM id the
// agent was handed and the IP it is serving on. Cold-booted guests read the
// id off the kernel command line; restored guests read it from the agent
// config rewritten into their rootfs before the load. The MAC is reported
// for diagnostics only; a restored guest still carries the build-time MAC
// frozen in the memory image, so it cannot identify the VM.
type Report struct {
	VMID string `json:"vm_id"`
	MAC  string `json:"mac,omitempty"`
	IP   string `json:"ip"`
}

// ReportRegistry collects identity reports keyed by VM id. Boots and
// restores wait here until the guest they started announces itself.
type ReportRegistry struct {
	mu      sync.Mutex
	byVM    map[string]string
	waiters map[string][]chan string
}

func NewReportRegistry() *ReportRegistry {
	return &ReportRegistry{
		byVM:    make(map[string]string),
		waiters: make(map[string][]chan string),
	}
}

// Record stores a report and wakes every waiter for that VM.
func (r *ReportRegistry) Record(report Report) error {
	addr, err := netip.ParseAddr(report.IP)
	if err != nil {
		return err
	}
	vmID := normalizeID(report.VMID)
	if vmID == "" {
		return errors.New("empty vm id in report")
	}

	r.mu.Lock()
	r.byVM[vmID] = addr.String()
	for _, ch := range r.waiters[vmID] {
		ch <- addr.String()
	}
	delete(r.waiters, vmID)
	r.mu.Unlock()

	return nil
}

// WaitForIP blocks until a report for the VM arrives or the timeout passes.
func (r *ReportRegistry) WaitForIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	vmID = normalizeID(vmID)

	r.mu.Lock()
	if ip, ok := r.byVM[vmID]; ok {
		r.mu.Unlock()
		return ip, nil
	}
	ch := make(chan string, 1)
	r.waiters[vmID] = append(r.waiters[vmID], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ip := <-ch:
		return ip, nil
	case <-timer.C:
		r.dropWaiter(vmID, ch)
		return "", ErrIPNotObserved
	case <-ctx.Done():
		r.dropWaiter(vmID, ch)
		return "", ctx.Err()
	}
}

// Forget clears the stored report for a VM. Called when the VM is destroyed
// so a stale report never outlives its machine.
func (r *ReportRegistry) Forget(vmID string) {
	vmID = normalizeID(vmID)
	r.mu.Lock()
	delete(r.byVM, vmID)
	r.mu.Unlock()
}

func (r *ReportRegistry) dropWaiter(vmID string, ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.waiters[vmID]
	for i, w := range waiters {
		if w == ch {
			r.waiters[vmID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[vmID]) == 0 {
		delete(r.waiters, vmID)
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
