// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package offload mirrors suspended flows into a kernel LRU hash map so
// fast-path forwarding can bypass the userspace cache entirely. It is
// the userspace half of the data-plane handoff described in section 4.7.
package offload

import (
	"sync"

	"github.com/cilium/ebpf"

	"flowcache.dev/flowcache/internal/errors"
	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/logging"
)

// MapKey is the fixed-width BPF map key mirroring flow.Key's identity
// fields. Field order and padding match a C struct a kernel program
// would declare for the same lookup.
type MapKey struct {
	AddressSpaceID uint32
	LowAddr        [16]byte
	HighAddr       [16]byte
	LowPort        uint16
	HighPort       uint16
	Class          uint8
	_              [3]byte
	VLAN           uint32
	MPLS           uint32
}

func mapKeyFrom(k flow.Key) MapKey {
	return MapKey{
		AddressSpaceID: k.AddressSpaceID,
		LowAddr:        k.Low.Addr,
		HighAddr:       k.High.Addr,
		LowPort:        k.Low.Port,
		HighPort:       k.High.Port,
		Class:          uint8(k.Class),
		VLAN:           k.VLAN,
		MPLS:           k.MPLS,
	}
}

// MapValue is the state mirrored into the kernel map: just enough for
// the fast path to forward or drop without consulting userspace.
type MapValue struct {
	Blocked   uint8
	_         [7]byte
	ExpiresAt int64
}

// MapSpec describes the LRU hash map this package expects a loader to
// create. Callers pin or load it however their eBPF loader does so;
// New takes the resulting *ebpf.Map.
var MapSpec = &ebpf.MapSpec{
	Name:       "flowcache_offload",
	Type:       ebpf.LRUHash,
	KeySize:    52,
	ValueSize:  16,
	MaxEntries: 1 << 16,
}

// Mirror keeps a kernel LRU hash map in sync with flows the cache has
// suspended (handed off to the data plane). bpfMap may be nil, in which
// case Mirror degrades to an in-memory map only, useful for tests and
// for platforms without eBPF support.
type Mirror struct {
	mu     sync.Mutex
	bpfMap *ebpf.Map
	shadow map[flow.Key]MapValue
	log    *logging.Logger
}

// New builds a Mirror over bpfMap. Pass nil to run without kernel
// offload (the shadow map alone still lets Resume/IsSuspended work for
// tests and for builds without CAP_BPF).
func New(bpfMap *ebpf.Map, log *logging.Logger) *Mirror {
	return &Mirror{
		bpfMap: bpfMap,
		shadow: make(map[flow.Key]MapValue),
		log:    log,
	}
}

// Suspend mirrors rec into the kernel map, marking it offloaded.
func (m *Mirror) Suspend(rec *flow.Record, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	val := MapValue{ExpiresAt: rec.ExpireTime}
	if rec.Flags.Blocked {
		val.Blocked = 1
	}
	m.shadow[rec.Key] = val

	if m.bpfMap != nil {
		key := mapKeyFrom(rec.Key)
		if err := m.bpfMap.Update(&key, &val, ebpf.UpdateAny); err != nil {
			delete(m.shadow, rec.Key)
			return errors.Wrap(err, errors.KindIO, "offload map update")
		}
	}

	rec.Flags.Suspended = true
	if m.log != nil {
		m.log.Debug("flow suspended to offload map", "class", rec.Key.Class.String())
	}
	return nil
}

// Resume removes key from the kernel map, returning the state as seen
// at the time of removal, if any. The caller is responsible for
// reconstructing a Record from surrounding cache state.
func (m *Mirror) Resume(key flow.Key) (MapValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.shadow[key]
	if !ok {
		return MapValue{}, false
	}
	delete(m.shadow, key)

	if m.bpfMap != nil {
		mk := mapKeyFrom(key)
		if err := m.bpfMap.Delete(&mk); err != nil && m.log != nil {
			m.log.Warn("offload map delete failed", "error", err)
		}
	}
	return val, true
}

// IsSuspended reports whether key is currently mirrored.
func (m *Mirror) IsSuspended(key flow.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shadow[key]
	return ok
}

// Count returns the number of flows currently mirrored.
func (m *Mirror) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shadow)
}

// Sweep removes every mirrored entry whose ExpiresAt has passed now,
// returning the keys removed so the caller can retire them from the
// cache's own bookkeeping too.
func (m *Mirror) Sweep(now int64) []flow.Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []flow.Key
	for k, v := range m.shadow {
		if v.ExpiresAt != 0 && v.ExpiresAt <= now {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(m.shadow, k)
		if m.bpfMap != nil {
			mk := mapKeyFrom(k)
			m.bpfMap.Delete(&mk)
		}
	}
	return expired
}

// Close releases the underlying kernel map, if any.
func (m *Mirror) Close() error {
	if m.bpfMap != nil {
		return m.bpfMap.Close()
	}
	return nil
}
