package network

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVMID = "01923456-7890-7abc-def0-123456789abc"

func TestAllocator_FreshIdentitiesNeverCollide(t *testing.T) {
	alloc, err := NewAllocator(NewNoOpTAPManager())
	require.NoError(t, err)

	vmIDs := []string{
		"01923456-7890-7abc-def0-123456789ab1",
		"01923456-7890-7abc-def0-123456789ab2",
		"01923456-7890-7abc-def0-123456789ab3",
		"01923456-7890-7abc-def0-123456789ab4",
	}

	identities := make([]*Identity, 0, len(vmIDs))
	for _, id := range vmIDs {
		ident, err := alloc.AssignFreshIdentity(id)
		require.NoError(t, err)
		identities = append(identities, ident)
	}

	for i := range identities {
		for j := i + 1; j < len(identities); j++ {
			assert.NotEqual(t, identities[i].MACAddress, identities[j].MACAddress)
			assert.NotEqual(t, identities[i].IPAddress, identities[j].IPAddress)
			assert.NotEqual(t, identities[i].TAPDevice, identities[j].TAPDevice)
		}
	}

	for _, ident := range identities {
		require.NoError(t, alloc.Release(ident))
	}
}

func TestAllocator_IdentityShape(t *testing.T) {
	alloc, err := NewAllocator(NewNoOpTAPManager())
	require.NoError(t, err)

	ident, err := alloc.AssignFreshIdentity(testVMID)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ident.MACAddress, MACPrefix))
	assert.True(t, strings.HasPrefix(ident.TAPDevice, TAPPrefix))
	assert.LessOrEqual(t, len(ident.TAPDevice), 15, "interface names are capped at 15 chars")
	assert.Equal(t, DefaultGateway, ident.Gateway)
	assert.Equal(t, testVMID, ident.VMID)

	require.NoError(t, alloc.Release(ident))
	require.NoError(t, alloc.Release(nil))
}

func TestAllocator_RollsBackOnTAPFailure(t *testing.T) {
	taps := &failOnceTAPManager{}
	alloc, err := NewAllocator(taps)
	require.NoError(t, err)

	_, err = alloc.AssignFreshIdentity(testVMID)
	require.Error(t, err)

	// Nothing leaked.
	alloc.ipPool.mu.Lock()
	for ip, owner := range alloc.ipPool.pool {
		assert.Empty(t, owner, "IP %s still allocated after rollback", ip)
	}
	alloc.ipPool.mu.Unlock()
	assert.Empty(t, alloc.macs.inUse)

	ident, err := alloc.AssignFreshIdentity(testVMID)
	require.NoError(t, err)
	require.NoError(t, alloc.Release(ident))
}

func TestMACRegistry_UniqueWhileLive(t *testing.T) {
	macs := newMACRegistry()

	first, err := macs.Generate("vm-1")
	require.NoError(t, err)
	second, err := macs.Generate("vm-2")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, macs.IsLive(first))

	macs.Release(first)
	assert.False(t, macs.IsLive(first))
}

type failOnceTAPManager struct {
	calls int
}

func (m *failOnceTAPManager) Create(vmID string) (string, error) {
	m.calls++
	if m.calls == 1 {
		return "", errors.New("tap create failed")
	}
	return TAPName(vmID), nil
}

func (m *failOnceTAPManager) Destroy(string) error { return nil }
