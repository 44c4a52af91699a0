// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
)

func testKey(port uint16) flow.Key {
	k, _ := flow.NewKey(1, flow.V4([4]byte{10, 0, 0, 1}, port), flow.V4([4]byte{10, 0, 0, 2}, 443), flow.ClassTCP, 0, 0)
	return k
}

func TestPushAndGet(t *testing.T) {
	tbl := New(8)
	k := testKey(1)
	rec := flow.NewRecord(k, 0, 30, true, false)
	tbl.Push(rec, uint8(flow.ClassTCP))

	got, ok := tbl.Get(k)
	require.True(t, ok)
	assert.Equal(t, rec, got)
	assert.Equal(t, 1, tbl.NumNodes())
	assert.Equal(t, 1, tbl.NodeCount(uint8(flow.ClassTCP)))
}

func TestLRUOrderIsRecencyOrdered(t *testing.T) {
	tbl := New(8)
	tag := uint8(flow.ClassTCP)
	keys := []flow.Key{testKey(1), testKey(2), testKey(3)}
	for _, k := range keys {
		tbl.Push(flow.NewRecord(k, 0, 30, true, false), tag)
	}

	// LRU end is the oldest, i.e. the first pushed.
	rec, ok := tbl.LRUFirst(tag)
	require.True(t, ok)
	assert.Equal(t, keys[0], rec.Key)

	rec, ok = tbl.LRUNext(tag)
	require.True(t, ok)
	assert.Equal(t, keys[1], rec.Key)

	rec, ok = tbl.LRUNext(tag)
	require.True(t, ok)
	assert.Equal(t, keys[2], rec.Key)

	_, ok = tbl.LRUNext(tag)
	assert.False(t, ok)
}

func TestGetUserDataTouchPromotesToMRU(t *testing.T) {
	tbl := New(8)
	tag := uint8(flow.ClassTCP)
	k1, k2 := testKey(1), testKey(2)
	tbl.Push(flow.NewRecord(k1, 0, 30, true, false), tag)
	tbl.Push(flow.NewRecord(k2, 0, 30, true, false), tag)

	_, ok := tbl.GetUserData(k1, true)
	require.True(t, ok)

	// k2 is now the oldest since k1 was promoted to MRU.
	rec, ok := tbl.LRUFirst(tag)
	require.True(t, ok)
	assert.Equal(t, k2, rec.Key)
}

func TestReleaseNodeFreesSlot(t *testing.T) {
	tbl := New(8)
	tag := uint8(flow.ClassTCP)
	k := testKey(1)
	tbl.Push(flow.NewRecord(k, 0, 30, true, false), tag)

	assert.True(t, tbl.ReleaseNode(k))
	assert.False(t, tbl.ReleaseNode(k))
	_, ok := tbl.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.NumNodes())
}

func TestSwitchLRUCacheMovesQueue(t *testing.T) {
	tbl := New(8)
	from, to := uint8(flow.ClassTCP), uint8(flow.ClassAllowlist)
	k := testKey(1)
	tbl.Push(flow.NewRecord(k, 0, 30, true, false), from)

	ok := tbl.SwitchLRUCache(k, from, to)
	require.True(t, ok)
	assert.Equal(t, 0, tbl.NodeCount(from))
	assert.Equal(t, 1, tbl.NodeCount(to))

	ok = tbl.SwitchLRUCache(k, from, to)
	assert.False(t, ok, "already moved, fromTag no longer matches")
}

func TestWalkCursorIndependentOfPruneCursor(t *testing.T) {
	tbl := New(8)
	tag := uint8(flow.ClassTCP)
	k1, k2 := testKey(1), testKey(2)
	tbl.Push(flow.NewRecord(k1, 0, 30, true, false), tag)
	tbl.Push(flow.NewRecord(k2, 0, 30, true, false), tag)

	// Walk cursor starts at MRU (k2, pushed last).
	rec, ok := tbl.GetWalkUserData(tag)
	require.True(t, ok)
	assert.Equal(t, k2, rec.Key)

	// Prune cursor starts independently at LRU (k1).
	prec, ok := tbl.LRUFirst(tag)
	require.True(t, ok)
	assert.Equal(t, k1, prec.Key)

	rec, ok = tbl.GetNextWalkUserData(tag)
	require.True(t, ok)
	assert.Equal(t, k1, rec.Key)
}

func TestLRUTouchAvoidsLivelock(t *testing.T) {
	tbl := New(8)
	tag := uint8(flow.ClassTCP)
	k1, k2 := testKey(1), testKey(2)
	tbl.Push(flow.NewRecord(k1, 0, 30, true, false), tag)
	tbl.Push(flow.NewRecord(k2, 0, 30, true, false), tag)

	tbl.LRUFirst(tag) // positions cursor on k1, the undeletable front
	tbl.LRUTouch(tag) // re-files k1 to MRU without evicting it

	rec, ok := tbl.LRUFirst(tag)
	require.True(t, ok)
	assert.Equal(t, k2, rec.Key, "k1 should no longer be the LRU victim")
}
