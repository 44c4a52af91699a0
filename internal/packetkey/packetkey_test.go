// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packetkey

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
)

func buildTCPFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func TestExtractTCPBuildsCanonicalKey(t *testing.T) {
	frame := buildTCPFrame(t, "10.0.0.1", "10.0.0.2", 5555, 443)

	key, reversed, ok, err := Extract(1, 0, 0, frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, flow.ClassTCP, key.Class)

	a := flow.V4([4]byte{10, 0, 0, 1}, 5555)
	b := flow.V4([4]byte{10, 0, 0, 2}, 443)
	want, wantReversed := flow.NewKey(1, a, b, flow.ClassTCP, 0, 0)
	assert.Equal(t, want, key)
	assert.Equal(t, wantReversed, reversed)
}

func TestExtractRejectsNonIPFrame(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))

	_, _, ok, err := Extract(1, 0, 0, buf.Bytes())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientInitiatedFollowsReversedFlag(t *testing.T) {
	assert.True(t, ClientInitiated(false))
	assert.False(t, ClientInitiated(true))
}
