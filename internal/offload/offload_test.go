// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
)

func testKey() flow.Key {
	a := flow.V4([4]byte{10, 0, 0, 1}, 1234)
	b := flow.V4([4]byte{10, 0, 0, 2}, 443)
	k, _ := flow.NewKey(1, a, b, flow.ClassTCP, 0, 0)
	return k
}

func TestSuspendAndResumeRoundTrip(t *testing.T) {
	m := New(nil, nil)
	rec := flow.NewRecord(testKey(), 0, 60, true, false)
	rec.ExpireTime = 120

	require.NoError(t, m.Suspend(rec, 0))
	assert.True(t, rec.Flags.Suspended)
	assert.True(t, m.IsSuspended(rec.Key))
	assert.Equal(t, 1, m.Count())

	val, ok := m.Resume(rec.Key)
	require.True(t, ok)
	assert.EqualValues(t, 120, val.ExpiresAt)
	assert.False(t, m.IsSuspended(rec.Key))
	assert.Equal(t, 0, m.Count())
}

func TestResumeMissReportsNotFound(t *testing.T) {
	m := New(nil, nil)
	_, ok := m.Resume(testKey())
	assert.False(t, ok)
}

func TestSuspendMarksBlockedFlag(t *testing.T) {
	m := New(nil, nil)
	rec := flow.NewRecord(testKey(), 0, 60, true, false)
	rec.Flags.Blocked = true

	require.NoError(t, m.Suspend(rec, 0))
	val, ok := m.Resume(rec.Key)
	require.True(t, ok)
	assert.Equal(t, uint8(1), val.Blocked)
}

func TestSweepRemovesExpiredEntriesOnly(t *testing.T) {
	m := New(nil, nil)

	k1 := testKey()
	rec1 := flow.NewRecord(k1, 0, 60, true, false)
	rec1.ExpireTime = 50
	require.NoError(t, m.Suspend(rec1, 0))

	a := flow.V4([4]byte{10, 0, 0, 3}, 9999)
	b := flow.V4([4]byte{10, 0, 0, 4}, 80)
	k2, _ := flow.NewKey(1, a, b, flow.ClassTCP, 0, 0)
	rec2 := flow.NewRecord(k2, 0, 60, true, false)
	rec2.ExpireTime = 500
	require.NoError(t, m.Suspend(rec2, 0))

	expired := m.Sweep(100)
	assert.Equal(t, []flow.Key{k1}, expired)
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.IsSuspended(k2))
}

func TestSuspendAndResumeRoundTripThroughKernelMap(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to create a BPF map")
	}

	bpfMap, err := ebpf.NewMap(MapSpec)
	require.NoError(t, err)
	defer bpfMap.Close()

	m := New(bpfMap, nil)
	rec := flow.NewRecord(testKey(), 0, 60, true, false)
	rec.ExpireTime = 120

	require.NoError(t, m.Suspend(rec, 0))

	var got MapValue
	key := mapKeyFrom(rec.Key)
	require.NoError(t, bpfMap.Lookup(&key, &got))
	assert.EqualValues(t, 120, got.ExpiresAt)

	val, ok := m.Resume(rec.Key)
	require.True(t, ok)
	assert.EqualValues(t, 120, val.ExpiresAt)

	err = bpfMap.Lookup(&key, &got)
	assert.Error(t, err)
}
