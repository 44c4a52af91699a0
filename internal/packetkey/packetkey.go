// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packetkey decodes a raw link-layer frame into a flow.Key and
// the client-initiated/reversed flags the cache needs at admission
// time.
package packetkey

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"flowcache.dev/flowcache/internal/errors"
	"flowcache.dev/flowcache/internal/flow"
)

// Extract decodes data (an Ethernet frame) and builds the canonical
// flow.Key for the packet, along with whether building the key swapped
// the packet's own src/dst order (keyIsReversed). It reports ok == false
// for protocols the cache does not track.
func Extract(asid uint32, vlan, mpls uint32, data []byte) (key flow.Key, keyIsReversed bool, ok bool, err error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	var src, dst [16]byte
	var srcPort, dstPort uint16
	var class flow.Class

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip4 := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		copy(src[10:], []byte{0xff, 0xff})
		copy(src[12:], ip4.SrcIP.To4())
		copy(dst[10:], []byte{0xff, 0xff})
		copy(dst[12:], ip4.DstIP.To4())
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip6 := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		copy(src[:], ip6.SrcIP.To16())
		copy(dst[:], ip6.DstIP.To16())
	default:
		return flow.Key{}, false, false, nil
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		class = flow.ClassTCP
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		class = flow.ClassUDP
	case packet.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		srcPort = icmp.Id
		class = flow.ClassICMP
	case packet.Layer(layers.LayerTypeICMPv6) != nil:
		class = flow.ClassICMP
	default:
		class = flow.ClassIP
	}

	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return flow.Key{}, false, false, errors.Wrap(errLayer.Error(), errors.KindValidation, "decode packet layers")
	}

	a := flow.V6(src, srcPort)
	b := flow.V6(dst, dstPort)
	key, keyIsReversed = flow.NewKey(asid, a, b, class, vlan, mpls)
	return key, keyIsReversed, true, nil
}

// ClientInitiated reports whether a decoded packet represents the
// client side of a flow: true when the key was not reversed, since
// NewKey canonicalizes the originating endpoint into Low only when it
// sorts first.
func ClientInitiated(keyIsReversed bool) bool {
	return !keyIsReversed
}
