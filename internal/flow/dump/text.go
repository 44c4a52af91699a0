// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dump

import (
	"fmt"
	"net"
	"strings"

	"flowcache.dev/flowcache/internal/flow"
)

// tcpStateAbbrev mirrors the reference implementation's statext[] table:
// three-letter abbreviations indexed by TCPState, NON for TCPStateNone.
// The TCPMaxStates sentinel is past the table and renders as "N/A".
var tcpStateAbbrev = [...]string{
	"LST", "SYS", "SYR", "EST", "MDS", "MDR",
	"FW1", "FW2", "CLW", "CLG", "LAK", "TWT", "CLD", "NON",
}

func stateAbbrev(s uint8) string {
	if int(s) < len(tcpStateAbbrev) {
		return tcpStateAbbrev[s]
	}
	return "N/A"
}

// FormatDuration renders seconds the way timeout_to_str does: hours and
// minutes are omitted when zero, a lone zero total renders as "0s", and
// every non-zero component carries its unit suffix.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = -seconds
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	if b.Len() == 0 {
		return "0s"
	}
	return b.String()
}

func ipString(addr [16]byte) string {
	return net.IP(addr[:]).String()
}

// FormatDescriptor renders the literal text record format of section
// 4.4 from a Descriptor. Because FormatRecord and the CLI's deserialize
// path both funnel through this function, direct and binary-round-trip
// output are byte-identical by construction.
func FormatDescriptor(d Descriptor) string {
	var b strings.Builder

	proto := flow.Class(d.PktType).String()
	fmt.Fprintf(&b, "Instance-ID: %d %s %d: %s", d.InstanceNumber, proto, d.AddressSpaceID, ipString(d.SrcIP))
	if d.SrcPort != 0 {
		fmt.Fprintf(&b, "/%d", d.SrcPort)
	}
	fmt.Fprintf(&b, " %s", ipString(d.DstIP))
	if d.DstPort != 0 {
		fmt.Fprintf(&b, "/%d", d.DstPort)
	}

	if flow.Class(d.PktType) == flow.ClassTCP && d.TCPClientState != uint8(flow.TCPMaxStates) {
		fmt.Fprintf(&b, " state client %s server %s", stateAbbrev(d.TCPClientState), stateAbbrev(d.TCPServerState))
	}

	fmt.Fprintf(&b, " pkts/bytes client %d/%d server %d/%d",
		d.ClientPkts, d.ClientBytes, d.ServerPkts, d.ServerBytes)

	phrase := "timeout in"
	remaining := int64(d.RemainingTime)
	if d.RemainingTime < 0 {
		phrase = "timed out for"
		remaining = -remaining
	}
	if d.IsHardExpiration != 0 {
		remaining = int64(d.ExpirationTime)
	}
	fmt.Fprintf(&b, " idle %ds, uptime %ds, %s %s", d.IdleTime, d.UpTime, phrase, FormatDuration(remaining))

	if d.InAllowlist != 0 {
		if d.AllowedOnExcess != 0 {
			b.WriteString(" (allowlist on excess)")
		} else {
			b.WriteString(" (allowlist)")
		}
	}

	return b.String()
}

// FormatRecord renders rec's current state through the Descriptor
// intermediate, guaranteeing text produced directly from a live flow
// matches text produced by deserializing its binary dump.
func FormatRecord(rec *flow.Record, now int64, instanceNumber uint32) string {
	return FormatDescriptor(FromRecord(rec, now, instanceNumber))
}
