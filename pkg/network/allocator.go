package network

import (
	"fmt"
)

// IdentityAllocator hands out fresh network identities. Every VM boot or
// snapshot restore must go through AssignFreshIdentity - restored instances
// in particular, since the captured VM state deliberately excludes network
// device configuration.
type IdentityAllocator interface {
	AssignFreshIdentity(vmID string) (*Identity, error)
	Release(ident *Identity) error
}

// Allocator coordinates the IP pool, MAC registry, and TAP devices. Created
// once at daemon startup and shared by the cold-boot path and the restorer.
type Allocator struct {
	ipPool *IPPool
	macs   *macRegistry
	taps   TAPManager
}

func NewAllocator(taps TAPManager) (*Allocator, error) {
	ipPool, err := NewIPPool(IPPoolStart, IPPoolEnd)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		ipPool: ipPool,
		macs:   newMACRegistry(),
		taps:   taps,
	}, nil
}

// AssignFreshIdentity reserves an IP, generates a unique MAC, and provisions
// a TAP device for the VM. On any failure already-acquired resources are
// returned to their pools.
func (a *Allocator) AssignFreshIdentity(vmID string) (*Identity, error) {
	ip, err := a.ipPool.Allocate(vmID)
	if err != nil {
		return nil, fmt.Errorf("allocate IP for vm %s: %w", vmID, err)
	}

	mac, err := a.macs.Generate(vmID)
	if err != nil {
		_ = a.ipPool.Release(ip.String(), vmID)
		return nil, fmt.Errorf("generate MAC for vm %s: %w", vmID, err)
	}

	tapName, err := a.taps.Create(vmID)
	if err != nil {
		a.macs.Release(mac)
		_ = a.ipPool.Release(ip.String(), vmID)
		return nil, fmt.Errorf("create TAP for vm %s: %w", vmID, err)
	}

	return &Identity{
		VMID:       vmID,
		TAPDevice:  tapName,
		MACAddress: mac,
		IPAddress:  ip.String(),
		Gateway:    DefaultGateway,
	}, nil
}

// Release tears down the TAP device and frees the MAC and IP.
func (a *Allocator) Release(ident *Identity) error {
	if ident == nil {
		return nil
	}

	err := a.taps.Destroy(ident.TAPDevice)
	a.macs.Release(ident.MACAddress)

	if ipErr := a.ipPool.Release(ident.IPAddress, ident.VMID); ipErr != nil && err == nil {
		err = ipErr
	}

	return err
}
