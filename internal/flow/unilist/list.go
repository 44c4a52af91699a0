// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package unilist implements the two half-open-flow FIFOs (uni_ip_flows,
// uni_flows) of section 4.2: flows linked on allocation and unlinked when
// the responder replies or the flow is released.
package unilist

import (
	"sync"

	"flowcache.dev/flowcache/internal/flow"
)

type entry struct {
	key        flow.Key
	rec        *flow.Record
	prev, next *entry
}

// List is a capacity-bounded FIFO of half-open flows, oldest at the front.
type List struct {
	mu       sync.Mutex
	head     *entry
	tail     *entry
	byKey    map[flow.Key]*entry
	capacity int
}

// New builds a List bounded at capacity entries. Per section 4.2 the
// caller computes capacity as max_flows/4 + 1.
func New(capacity int) *List {
	return &List{
		byKey:    make(map[flow.Key]*entry),
		capacity: capacity,
	}
}

// Len returns the current entry count.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// AtCapacity reports whether the list has reached its configured bound.
func (l *List) AtCapacity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey) >= l.capacity
}

// Link appends rec to the back of the list (newest half-open flow). It is
// a no-op if rec's key is already linked.
func (l *List) Link(rec *flow.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[rec.Key]; ok {
		return
	}
	e := &entry{key: rec.Key, rec: rec}
	if l.tail != nil {
		l.tail.next = e
		e.prev = l.tail
	} else {
		l.head = e
	}
	l.tail = e
	l.byKey[rec.Key] = e
}

// Unlink removes key from the list, reporting whether it was present.
func (l *List) Unlink(key flow.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlink(key)
}

func (l *List) unlink(key flow.Key) bool {
	e, ok := l.byKey[key]
	if !ok {
		return false
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	delete(l.byKey, key)
	return true
}

// Front returns the oldest entry without removing it.
func (l *List) Front() (*flow.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil, false
	}
	return l.head.rec, true
}

// Trim removes up to max half-open flows starting from the oldest,
// skipping (and not counting toward max) any flow whose Blocked flag is
// set, and stops as soon as the list is back at or under its own
// capacity bound even if max hasn't been reached yet. It returns the
// removed records so the caller can release them through the cache
// (eviction bookkeeping lives there, not here).
func (l *List) Trim(max int) []*flow.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victims []*flow.Record
	cur := l.head
	for cur != nil && len(victims) < max && len(l.byKey) > l.capacity {
		next := cur.next
		if !cur.rec.Flags.Blocked {
			l.unlink(cur.key)
			victims = append(victims, cur.rec)
		}
		cur = next
	}
	return victims
}
