// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import "flowcache.dev/flowcache/internal/flow"

// Kind selects the combinator a Spec applies. Replaces virtual dispatch
// over AND/OR/AND-with-protocol filter classes with a single tagged
// variant and one matches function.
type Kind uint8

const (
	// KindAllAnd requires every non-empty constraint to match. The CLI
	// post-processing tool additionally gates on Proto under this kind.
	KindAllAnd Kind = iota
	// KindOr matches if the port constraint is unspecified or satisfied
	// by either side, and either side's IP falls in the single IP
	// constraint.
	KindOr
)

// Spec is a compiled filter. A zero-value Spec (no constraints set)
// matches everything.
type Spec struct {
	Kind Kind

	SrcIP *Addr
	DstIP *Addr

	// IP is the single address constraint used by KindOr, matched
	// against either side.
	IP *Addr

	SrcPort uint16
	DstPort uint16

	// Proto, when non-nil, additionally restricts matches to one
	// protocol class (the show_flows CLI's AllAnd-with-protocol
	// variant; section 9 and the SUPPLEMENTED FEATURES notes).
	Proto *flow.Class
}

// IsEmpty reports whether the filter has no constraints, matching all.
func (s Spec) IsEmpty() bool {
	return s.SrcIP == nil && s.DstIP == nil && s.IP == nil &&
		s.SrcPort == 0 && s.DstPort == 0 && s.Proto == nil
}

// Matches evaluates the filter against a four-tuple plus protocol class.
// srcIP/dstIP are v4-mapped-in-v6, already resolved by the caller using
// client_initiated and key_is_reversed (section 4.4 describes that
// resolution; this function is protocol-class-aware but
// direction-agnostic).
func Matches(s Spec, srcIP, dstIP [16]byte, srcPort, dstPort uint16, class flow.Class) bool {
	if s.IsEmpty() {
		return true
	}
	if s.Proto != nil && *s.Proto != class {
		return false
	}

	switch s.Kind {
	case KindOr:
		return matchesOr(s, srcIP, dstIP, srcPort, dstPort)
	default:
		return matchesAnd(s, srcIP, dstIP, srcPort, dstPort)
	}
}

func matchesAnd(s Spec, srcIP, dstIP [16]byte, srcPort, dstPort uint16) bool {
	if s.SrcPort != 0 && s.SrcPort != srcPort {
		return false
	}
	if s.DstPort != 0 && s.DstPort != dstPort {
		return false
	}
	if s.SrcIP != nil && !s.SrcIP.Matches(srcIP) {
		return false
	}
	if s.DstIP != nil && !s.DstIP.Matches(dstIP) {
		return false
	}
	return true
}

// matchesOr implements section 4.5's OR semantics literally: if the port
// is unspecified, or matches either side, check whether either IP
// matches the single IP constraint.
func matchesOr(s Spec, srcIP, dstIP [16]byte, srcPort, dstPort uint16) bool {
	portOK := s.SrcPort == 0 && s.DstPort == 0
	if s.SrcPort != 0 && (s.SrcPort == srcPort || s.SrcPort == dstPort) {
		portOK = true
	}
	if s.DstPort != 0 && (s.DstPort == srcPort || s.DstPort == dstPort) {
		portOK = true
	}
	if !portOK {
		return false
	}
	if s.IP == nil {
		return true
	}
	return s.IP.Matches(srcIP) || s.IP.Matches(dstIP)
}
