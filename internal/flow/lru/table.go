// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package lru implements the indexed LRU table: a hash map over flow keys
// backed by an arena of nodes, with N independent recency queues selected
// by a per-entry class tag (one per protocol class, plus the allowlist).
//
// The queues are realized as index-linked lists over a flat node arena
// (prev/next are arena indices, not pointers) rather than pointer-walked
// lists, to keep the structure free of unsafe aliasing and contiguous in
// memory.
package lru

import (
	"sync"

	"flowcache.dev/flowcache/internal/flow"
)

const none = ^uint32(0)

type node struct {
	key   flow.Key
	rec   *flow.Record
	tag   uint8
	prev  uint32
	next  uint32
	inUse bool
}

// Table is the indexed LRU table of section 4.1. It is safe for concurrent
// use; callers in this codebase are expected to be single-threaded per
// worker, but the control plane may read it from another goroutine.
type Table struct {
	mu sync.Mutex

	nodes []node
	free  []uint32
	index map[flow.Key]uint32

	head  [flow.NumClasses]uint32
	tail  [flow.NumClasses]uint32
	count [flow.NumClasses]int

	pruneCursor [flow.NumClasses]uint32
	walkCursor  [flow.NumClasses]uint32

	lastFound uint32
}

// New constructs an empty table. capacityHint sizes the initial arena and
// index map to avoid early reallocation under steady-state load.
func New(capacityHint int) *Table {
	t := &Table{
		nodes: make([]node, 0, capacityHint),
		index: make(map[flow.Key]uint32, capacityHint),
	}
	for i := range t.head {
		t.head[i] = none
		t.tail[i] = none
		t.pruneCursor[i] = none
		t.walkCursor[i] = none
	}
	t.lastFound = none
	return t
}

// Get looks up key without affecting recency.
func (t *Table) Get(key flow.Key) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[key]
	if !ok {
		return nil, false
	}
	return t.nodes[idx].rec, true
}

// GetUserData looks up key and, if touch, promotes the record to MRU of
// its current tag. It also records the node as the target of a later
// TouchLastFound call, matching the table's "lookup then decide" protocol
// used when a hit needs promotion into a different queue than its current
// one (e.g. the allowlist queue).
func (t *Table) GetUserData(key flow.Key, touch bool) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[key]
	if !ok {
		t.lastFound = none
		return nil, false
	}
	t.lastFound = idx
	if touch {
		t.promote(idx)
	}
	return t.nodes[idx].rec, true
}

// TouchLastFound promotes the most recently looked-up record to MRU of
// tag. tag need not equal the record's current tag; if it differs this is
// a fresh insertion into the new queue and removal from the old, exactly
// like SwitchLRUCache followed by a promote.
func (t *Table) TouchLastFound(tag uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastFound == none {
		return
	}
	idx := t.lastFound
	if t.nodes[idx].tag != tag {
		t.unlink(idx)
		t.nodes[idx].tag = tag
		t.linkMRU(tag, idx)
		return
	}
	t.promote(idx)
}

// Push inserts rec under tag, most-recently-used (I6). It panics if the
// key is already present; callers must check Get first.
func (t *Table) Push(rec *flow.Record, tag uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[rec.Key]; ok {
		panic("lru: duplicate key pushed")
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		t.nodes[idx] = node{}
	} else {
		idx = uint32(len(t.nodes))
		t.nodes = append(t.nodes, node{})
	}

	t.nodes[idx] = node{key: rec.Key, rec: rec, tag: tag, prev: none, next: none, inUse: true}
	t.index[rec.Key] = idx
	t.linkMRU(tag, idx)
}

// ReleaseNode unlinks key from its queue and frees the slot. It reports
// whether the key was present.
func (t *Table) ReleaseNode(key flow.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[key]
	if !ok {
		return false
	}
	t.detachCursors(idx)
	t.unlink(idx)
	delete(t.index, key)
	t.nodes[idx] = node{}
	t.free = append(t.free, idx)
	if t.lastFound == idx {
		t.lastFound = none
	}
	return true
}

// SwitchLRUCache moves key from fromTag's queue to toTag's queue,
// most-recently-used in the destination. It reports false (no-op) if key
// is not present or is not currently filed under fromTag.
func (t *Table) SwitchLRUCache(key flow.Key, fromTag, toTag uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[key]
	if !ok || t.nodes[idx].tag != fromTag {
		return false
	}
	t.unlink(idx)
	t.nodes[idx].tag = toTag
	t.linkMRU(toTag, idx)
	return true
}

// LRUFirst positions the prune cursor of tag at the least-recently-used
// record and returns it.
func (t *Table) LRUFirst(tag uint8) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.tail[tag]
	t.pruneCursor[tag] = idx
	if idx == none {
		return nil, false
	}
	return t.nodes[idx].rec, true
}

// LRUNext advances the prune cursor of tag one step toward MRU and
// returns the record there, or false if the cursor has run off the head.
func (t *Table) LRUNext(tag uint8) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.pruneCursor[tag]
	if idx == none {
		return nil, false
	}
	idx = t.nodes[idx].prev // prev points toward MRU
	t.pruneCursor[tag] = idx
	if idx == none {
		return nil, false
	}
	return t.nodes[idx].rec, true
}

// LRUCurrent returns the record at the prune cursor without advancing it.
func (t *Table) LRUCurrent(tag uint8) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.pruneCursor[tag]
	if idx == none {
		return nil, false
	}
	return t.nodes[idx].rec, true
}

// LRUTouch re-files the record at the prune cursor to MRU without
// returning it, used when the cursor's current record cannot be evicted
// and the sweep must not livelock on it.
func (t *Table) LRUTouch(tag uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.pruneCursor[tag]
	if idx == none {
		return
	}
	next := t.nodes[idx].prev
	t.promote(idx)
	t.pruneCursor[tag] = next
}

// GetWalkUserData positions the independent walk cursor of tag at the
// most-recently-used record (MRU->LRU walk order, used by the dump
// engine) and returns it.
func (t *Table) GetWalkUserData(tag uint8) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.head[tag]
	t.walkCursor[tag] = idx
	if idx == none {
		return nil, false
	}
	return t.nodes[idx].rec, true
}

// GetNextWalkUserData advances the walk cursor toward LRU. The walk
// tolerates concurrent modification: it may miss a record inserted after
// the walk began, or revisit one that migrated queues mid-walk, but it
// never visits a still-resident, never-migrated record twice.
func (t *Table) GetNextWalkUserData(tag uint8) (*flow.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.walkCursor[tag]
	if idx == none {
		return nil, false
	}
	idx = t.nodes[idx].next
	t.walkCursor[tag] = idx
	if idx == none {
		return nil, false
	}
	return t.nodes[idx].rec, true
}

// NumNodes returns the total live record count across all queues.
func (t *Table) NumNodes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, c := range t.count {
		total += c
	}
	return total
}

// NodeCount returns the live record count of a single queue.
func (t *Table) NodeCount(tag uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count[tag]
}

// linkMRU, unlink, promote, and detachCursors assume t.mu is held.

func (t *Table) linkMRU(tag uint8, idx uint32) {
	h := t.head[tag]
	t.nodes[idx].prev = none
	t.nodes[idx].next = h
	if h != none {
		t.nodes[h].prev = idx
	} else {
		t.tail[tag] = idx
	}
	t.head[tag] = idx
	t.count[tag]++
}

func (t *Table) unlink(idx uint32) {
	n := &t.nodes[idx]
	tag := n.tag
	if n.prev != none {
		t.nodes[n.prev].next = n.next
	} else {
		t.head[tag] = n.next
	}
	if n.next != none {
		t.nodes[n.next].prev = n.prev
	} else {
		t.tail[tag] = n.prev
	}
	t.count[tag]--
	n.prev, n.next = none, none
}

func (t *Table) promote(idx uint32) {
	tag := t.nodes[idx].tag
	if t.head[tag] == idx {
		return
	}
	t.unlink(idx)
	t.linkMRU(tag, idx)
}

// detachCursors advances any cursor currently sitting on idx so that a
// subsequent ReleaseNode does not leave a dangling cursor.
func (t *Table) detachCursors(idx uint32) {
	tag := t.nodes[idx].tag
	if t.pruneCursor[tag] == idx {
		t.pruneCursor[tag] = t.nodes[idx].prev
	}
	if t.walkCursor[tag] == idx {
		t.walkCursor[tag] = t.nodes[idx].next
	}
	if t.lastFound == idx {
		t.lastFound = none
	}
}
