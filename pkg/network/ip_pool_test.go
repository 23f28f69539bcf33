package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPPool_AllocateRelease(t *testing.T) {
	pool, err := NewIPPool("172.30.0.2", "172.30.0.4")
	require.NoError(t, err)

	ip, err := pool.Allocate("vm-1")
	require.NoError(t, err)
	assert.True(t, pool.IsAllocated(ip.String()))

	require.NoError(t, pool.Release(ip.String(), "vm-1"))
	assert.False(t, pool.IsAllocated(ip.String()))
}

func TestIPPool_Exhaustion(t *testing.T) {
	pool, err := NewIPPool("172.30.0.2", "172.30.0.3")
	require.NoError(t, err)

	_, err = pool.Allocate("vm-1")
	require.NoError(t, err)
	_, err = pool.Allocate("vm-2")
	require.NoError(t, err)

	_, err = pool.Allocate("vm-3")
	assert.ErrorIs(t, err, ErrIPPoolExhausted)
}

func TestIPPool_ReleaseOwnership(t *testing.T) {
	pool, err := NewIPPool("172.30.0.2", "172.30.0.4")
	require.NoError(t, err)

	ip, err := pool.Allocate("vm-1")
	require.NoError(t, err)

	// Another VM cannot free an address it does not own.
	err = pool.Release(ip.String(), "vm-2")
	assert.Error(t, err)
	assert.True(t, pool.IsAllocated(ip.String()))

	err = pool.Release("172.30.0.99", "vm-1")
	assert.ErrorIs(t, err, ErrIPNotAllocated)
}

func TestIPPool_NoDuplicateAddresses(t *testing.T) {
	pool, err := NewIPPool("172.30.0.2", "172.30.0.20")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 19; i++ {
		ip, err := pool.Allocate("vm")
		require.NoError(t, err)
		require.False(t, seen[ip.String()], "address %s handed out twice", ip)
		seen[ip.String()] = true
	}
}
