// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
)

func key(asid uint32, srcPort, dstPort uint16, class flow.Class) flow.Key {
	a := flow.V4([4]byte{10, 0, 0, 1}, srcPort)
	b := flow.V4([4]byte{10, 0, 0, 2}, dstPort)
	k, _ := flow.NewKey(asid, a, b, class, 0, 0)
	return k
}

func defaultConfig(maxFlows int) Config {
	return Config{
		MaxFlows: maxFlows,
		IdleTimeout: map[flow.Class]int64{
			flow.ClassTCP:  60,
			flow.ClassUDP:  60,
			flow.ClassICMP: 60,
			flow.ClassIP:   60,
		},
		PruningTimeout: 0,
		CleanupFlows:   10,
		PruneFlows:     10,
	}
}

// Scenario 1: admission under saturation.
func TestAllocateUnderSaturationPrunesIdleOldest(t *testing.T) {
	c := New(defaultConfig(3), Hooks{}, nil, nil)

	f1 := key(1, 1, 100, flow.ClassTCP)
	f2 := key(1, 2, 100, flow.ClassUDP)
	f3 := key(1, 3, 100, flow.ClassICMP)
	f4 := key(1, 4, 100, flow.ClassTCP)

	_, err := c.Allocate(f1, 0, true, false)
	require.NoError(t, err)
	_, err = c.Allocate(f2, 0, true, false)
	require.NoError(t, err)
	_, err = c.Allocate(f3, 0, true, false)
	require.NoError(t, err)

	require.Equal(t, 3, c.NumNodes())

	_, err = c.Allocate(f4, 10, true, false)
	require.NoError(t, err)

	assert.Equal(t, 3, c.NumNodes())
	_, ok := c.Find(f4, 10)
	assert.True(t, ok, "f4 must be admitted")

	// ICMP's queue is visited first in round-robin order, so f3 is the
	// tie-broken victim among three equally idle flows.
	_, ok = c.Find(f3, 10)
	assert.False(t, ok, "f3 (ICMP) should have been pruned first")
}

// Scenario 2: allowlist protection from timeout.
func TestAllowlistNeverTimesOut(t *testing.T) {
	c := New(defaultConfig(2), Hooks{}, nil, nil)

	f1 := key(1, 1, 100, flow.ClassTCP)
	f2 := key(1, 2, 100, flow.ClassUDP)

	rec1, err := c.Allocate(f1, 0, true, false)
	require.NoError(t, err)
	require.True(t, c.MoveToAllowlist(rec1))

	_, err = c.Allocate(f2, 0, true, false)
	require.NoError(t, err)

	retired := c.Timeout(10, 100)

	assert.Equal(t, 1, retired)
	_, ok := c.Find(f1, 100)
	assert.True(t, ok, "allowlisted flow must survive timeout")
	_, ok = c.Find(f2, 100)
	assert.False(t, ok, "non-allowlisted idle flow must time out")
}

func TestTimeoutZeroIsNoOp(t *testing.T) {
	c := New(defaultConfig(10), Hooks{}, nil, nil)
	f1 := key(1, 1, 100, flow.ClassTCP)
	_, err := c.Allocate(f1, 0, true, false)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Timeout(0, 1000))
	assert.Equal(t, 1, c.NumNodes())
}

func TestFindPromotesToMRU(t *testing.T) {
	c := New(defaultConfig(2), Hooks{}, nil, nil)
	f1 := key(1, 1, 100, flow.ClassTCP)
	f2 := key(1, 2, 100, flow.ClassTCP)
	_, err := c.Allocate(f1, 0, true, false)
	require.NoError(t, err)
	_, err = c.Allocate(f2, 1, true, false)
	require.NoError(t, err)

	// Touch f1 so f2 becomes the sole LRU-end victim.
	_, ok := c.Find(f1, 2)
	require.True(t, ok)

	f3 := key(1, 3, 100, flow.ClassTCP)
	_, err = c.Allocate(f3, 100, true, false)
	require.NoError(t, err)

	_, ok = c.Find(f1, 100)
	assert.True(t, ok, "recently-found flow should survive pruning over its sibling")
	_, ok = c.Find(f2, 100)
	assert.False(t, ok, "untouched flow should be the pruned victim")
}

func TestNumNodesNeverExceedsMaxFlows(t *testing.T) {
	c := New(defaultConfig(5), Hooks{}, nil, nil)
	for i := uint16(0); i < 50; i++ {
		_, err := c.Allocate(key(1, i, 100, flow.ClassTCP), int64(i), true, false)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.NumNodes(), 5)
	}
}

func TestPurgeDrainsEverything(t *testing.T) {
	c := New(defaultConfig(10), Hooks{}, nil, nil)
	for i := uint16(0); i < 5; i++ {
		_, err := c.Allocate(key(1, i, 100, flow.ClassTCP), 0, true, false)
		require.NoError(t, err)
	}
	retired := c.Purge()
	assert.Equal(t, 5, retired)
	assert.Equal(t, 0, c.NumNodes())
}

func TestDeleteFlowsQuotaStopsBeforeEscalating(t *testing.T) {
	c := New(defaultConfig(10), Hooks{}, nil, nil)
	rec1, err := c.Allocate(key(1, 1, 100, flow.ClassTCP), 0, true, false)
	require.NoError(t, err)
	rec1.Flags.Blocked = true
	_, err = c.Allocate(key(1, 2, 100, flow.ClassTCP), 0, true, false)
	require.NoError(t, err)

	// n=1 is satisfied by the unblocked flow in the first, least-disruptive
	// pass, so the blocked flow must survive: no escalation is needed.
	deleted := c.DeleteFlows(1)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, c.NumNodes())

	// Only the blocked flow is left; satisfying any quota now requires
	// escalating all the way to DeleteAllFlows.
	deleted = c.DeleteFlows(10)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 0, c.NumNodes())
}

func TestReleaseHonoursKeepFlowOnce(t *testing.T) {
	c := New(defaultConfig(10), Hooks{}, nil, nil)
	rec, err := c.Allocate(key(1, 1, 100, flow.ClassTCP), 0, true, false)
	require.NoError(t, err)
	rec.Flags.KeepFlow = true

	removed := c.Release(rec, flow.ReasonUser, true)
	assert.False(t, removed)
	assert.False(t, rec.Flags.KeepFlow, "sticky bit is one-shot")

	removed = c.Release(rec, flow.ReasonUser, true)
	assert.True(t, removed)
}
