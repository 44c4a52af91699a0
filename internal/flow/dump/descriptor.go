// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dump implements the flow-dump facility of section 4.4: the
// fixed-size binary descriptor, the literal text record format, and the
// resumable full/summary dump tasks.
package dump

import (
	"encoding/binary"
	"fmt"

	"flowcache.dev/flowcache/internal/flow"
)

// DescriptorSize is the fixed on-disk size of one Descriptor record.
const DescriptorSize = 16 + 16 + 2 + 2 + 1 + 4 + 4 + 1 + 1 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 1 + 1 + 1

// Descriptor is the exact binary layout of section 4.4. Byte order is
// host-native in the original; this module fixes little-endian since it
// both writes and reads its own files and makes no cross-architecture
// portability claim (section 1 scopes that out).
type Descriptor struct {
	SrcIP [16]byte
	DstIP [16]byte

	SrcPort uint16
	DstPort uint16

	PktType uint8

	AddressSpaceID uint32
	InstanceNumber uint32

	TCPClientState uint8
	TCPServerState uint8

	ClientPkts  uint64
	ServerPkts  uint64
	ClientBytes uint64
	ServerBytes uint64

	ExpirationTime uint64
	IdleTime       int64
	UpTime         int64
	RemainingTime  int32

	AllowedOnExcess  uint8
	InAllowlist      uint8
	IsHardExpiration uint8
}

// MarshalBinary encodes d into DescriptorSize bytes.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	off := 0
	copy(buf[off:], d.SrcIP[:])
	off += 16
	copy(buf[off:], d.DstIP[:])
	off += 16
	binary.LittleEndian.PutUint16(buf[off:], d.SrcPort)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], d.DstPort)
	off += 2
	buf[off] = d.PktType
	off++
	binary.LittleEndian.PutUint32(buf[off:], d.AddressSpaceID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.InstanceNumber)
	off += 4
	buf[off] = d.TCPClientState
	off++
	buf[off] = d.TCPServerState
	off++
	binary.LittleEndian.PutUint64(buf[off:], d.ClientPkts)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.ServerPkts)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.ClientBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.ServerBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.ExpirationTime)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(d.IdleTime))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(d.UpTime))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.RemainingTime))
	off += 4
	buf[off] = d.AllowedOnExcess
	off++
	buf[off] = d.InAllowlist
	off++
	buf[off] = d.IsHardExpiration

	return buf, nil
}

// UnmarshalBinary decodes a DescriptorSize-byte record into d.
func (d *Descriptor) UnmarshalBinary(buf []byte) error {
	if len(buf) != DescriptorSize {
		return fmt.Errorf("dump: descriptor record must be %d bytes, got %d", DescriptorSize, len(buf))
	}
	off := 0
	copy(d.SrcIP[:], buf[off:off+16])
	off += 16
	copy(d.DstIP[:], buf[off:off+16])
	off += 16
	d.SrcPort = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	d.DstPort = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	d.PktType = buf[off]
	off++
	d.AddressSpaceID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.InstanceNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.TCPClientState = buf[off]
	off++
	d.TCPServerState = buf[off]
	off++
	d.ClientPkts = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.ServerPkts = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.ClientBytes = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.ServerBytes = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.ExpirationTime = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.IdleTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.UpTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	d.RemainingTime = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.AllowedOnExcess = buf[off]
	off++
	d.InAllowlist = buf[off]
	off++
	d.IsHardExpiration = buf[off]

	return nil
}

// FromRecord fills a Descriptor from a live record, resolving the
// client/server-vs-src/dst swap from key_is_reversed and computing the
// time fields relative to now. instanceNumber is the 1-based worker
// index.
func FromRecord(rec *flow.Record, now int64, instanceNumber uint32) Descriptor {
	d := Descriptor{
		PktType:        uint8(rec.Key.Class),
		AddressSpaceID: rec.Key.AddressSpaceID,
		InstanceNumber: instanceNumber,
		TCPClientState: uint8(rec.TCPClient),
		TCPServerState: uint8(rec.TCPServer),
		ClientPkts:     rec.Stats.ClientPkts,
		ServerPkts:     rec.Stats.ServerPkts,
		ClientBytes:    rec.Stats.ClientBytes,
		ServerBytes:    rec.Stats.ServerBytes,
		AllowedOnExcess:  boolByte(rec.Flags.AllowedOnExcess),
		InAllowlist:      boolByte(rec.Flags.InAllowlist),
		IsHardExpiration: boolByte(rec.IsHardExpiration),
	}

	if rec.Flags.KeyIsReversed {
		d.SrcIP, d.DstIP = rec.Key.High.Addr, rec.Key.Low.Addr
		d.SrcPort, d.DstPort = rec.Key.High.Port, rec.Key.Low.Port
	} else {
		d.SrcIP, d.DstIP = rec.Key.Low.Addr, rec.Key.High.Addr
		d.SrcPort, d.DstPort = rec.Key.Low.Port, rec.Key.High.Port
	}

	d.IdleTime = now - rec.LastDataSeen
	d.UpTime = now - rec.Stats.StartTime
	remaining := (rec.LastDataSeen + rec.IdleTimeout) - now
	if rec.IsHardExpiration {
		d.ExpirationTime = absU64(rec.ExpireTime - now)
	} else {
		d.ExpirationTime = absU64(remaining)
	}
	d.RemainingTime = int32(remaining)

	return d
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func absU64(v int64) uint64 {
	if v < 0 {
		v = -v
	}
	return uint64(v)
}
