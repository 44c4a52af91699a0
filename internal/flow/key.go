// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow defines the canonical flow identity and per-flow record
// shared by the LRU table, the cache, the dump engine, and the filter.
package flow

import (
	"bytes"
	"encoding/binary"
)

// Class identifies the protocol class of a flow. It doubles as the LRU
// queue tag: Allowlist is the N+1'th queue, never selected by key alone.
type Class uint8

// The declaration order below is the table's round-robin queue order,
// matching the reference implementation's protocol-class array: ICMP,
// IP, TCP, UDP, PDU, FILE, USER. Pruning and timeout sweeps visit queues
// in this order, which is observable when multiple queues tie for
// eviction priority.
const (
	ClassICMP Class = iota
	ClassIP
	ClassTCP
	ClassUDP
	ClassPDU
	ClassFile
	ClassUser
	numProtoClasses

	// ClassAllowlist is the distinguished eviction queue for allowlisted
	// flows. It is not a wire protocol class; Key.Class never returns it.
	ClassAllowlist = numProtoClasses
)

// NumClasses is the number of LRU queue tags, protocol classes plus the
// allowlist queue.
const NumClasses = int(numProtoClasses) + 1

func (c Class) String() string {
	switch c {
	case ClassIP:
		return "IP"
	case ClassICMP:
		return "ICMP"
	case ClassTCP:
		return "TCP"
	case ClassUDP:
		return "UDP"
	case ClassPDU:
		return "PDU"
	case ClassFile:
		return "FILE"
	case ClassUser:
		return "USER"
	case ClassAllowlist:
		return "ALLOWLIST"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is a 16-byte v4-mapped-in-v6 address plus a port.
type Endpoint struct {
	Addr [16]byte
	Port uint16
}

// Less defines the total order used to canonicalize a Key's two endpoints:
// compare address bytes, then port.
func (e Endpoint) Less(o Endpoint) bool {
	if c := bytes.Compare(e.Addr[:], o.Addr[:]); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// V4 builds a v4-mapped-in-v6 Endpoint from a 4-byte IPv4 address and port.
func V4(a [4]byte, port uint16) Endpoint {
	var ep Endpoint
	ep.Addr[10] = 0xff
	ep.Addr[11] = 0xff
	copy(ep.Addr[12:], a[:])
	ep.Port = port
	return ep
}

// V6 builds an Endpoint from a 16-byte IPv6 address and port.
func V6(a [16]byte, port uint16) Endpoint {
	return Endpoint{Addr: a, Port: port}
}

// Key is the immutable, canonical identity of a flow. It is hashable and
// comparable with ==, which is why it carries no pointers or slices.
type Key struct {
	AddressSpaceID uint32
	Low            Endpoint
	High           Endpoint
	Class          Class
	VLAN           uint32
	MPLS           uint32
}

// NewKey canonicalizes a and b into (low, high) order and reports whether
// the endpoints were swapped, i.e. whether a was the "high" side.
func NewKey(asid uint32, a, b Endpoint, class Class, vlan, mpls uint32) (Key, bool) {
	if a.Less(b) {
		return Key{AddressSpaceID: asid, Low: a, High: b, Class: class, VLAN: vlan, MPLS: mpls}, false
	}
	return Key{AddressSpaceID: asid, Low: b, High: a, Class: class, VLAN: vlan, MPLS: mpls}, true
}

// Hash returns a process-local hash suitable for map sharding. It is not
// stable across process restarts.
func (k Key) Hash() uint64 {
	var buf [4 + 16 + 2 + 16 + 2 + 1 + 4 + 4]byte
	off := 0
	binary.BigEndian.PutUint32(buf[off:], k.AddressSpaceID)
	off += 4
	copy(buf[off:], k.Low.Addr[:])
	off += 16
	binary.BigEndian.PutUint16(buf[off:], k.Low.Port)
	off += 2
	copy(buf[off:], k.High.Addr[:])
	off += 16
	binary.BigEndian.PutUint16(buf[off:], k.High.Port)
	off += 2
	buf[off] = byte(k.Class)
	off++
	binary.BigEndian.PutUint32(buf[off:], k.VLAN)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], k.MPLS)

	return fnv64a(buf[:])
}

func fnv64a(data []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}
