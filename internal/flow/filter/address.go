// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter implements the flow-dump filter predicates of section
// 4.5: AND/OR combinators over optional src/dst IP (with CIDR or mask),
// ports, and protocol class.
package filter

import (
	"strconv"
	"strings"

	"flowcache.dev/flowcache/internal/errors"
)

// Addr is a parsed IP constraint: a v4-mapped-in-v6 address plus a
// prefix-length mask (0-128). A bare address without /cidr is an exact
// match, represented as a /128 mask.
type Addr struct {
	IP   [16]byte
	Bits int
}

// Matches reports whether candidate falls within a's network.
func (a Addr) Matches(candidate [16]byte) bool {
	full := a.Bits / 8
	for i := 0; i < full; i++ {
		if a.IP[i] != candidate[i] {
			return false
		}
	}
	rem := a.Bits % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return a.IP[full]&mask == candidate[full]&mask
}

// ParseAddr parses "<ip>" or "<ip>/<cidr-or-netmask>". IPv4 literals are
// stored v4-mapped-in-v6. A malformed literal returns InvalidAddress,
// mirroring the original inet_pton inconsistency this module preserves:
// an IPv4 octet with a leading zero followed by another digit (e.g.
// "010") is rejected, but "0" or "10" alone are accepted.
func ParseAddr(s string) (Addr, error) {
	ipPart, maskPart, hasMask := strings.Cut(s, "/")

	if strings.Contains(ipPart, ":") {
		return parseV6(ipPart, maskPart, hasMask)
	}
	return parseV4(ipPart, maskPart, hasMask)
}

func parseV4(ipPart, maskPart string, hasMask bool) (Addr, error) {
	octets, err := parseV4Octets(ipPart)
	if err != nil {
		return Addr{}, err
	}

	a := Addr{Bits: 128}
	a.IP[10] = 0xff
	a.IP[11] = 0xff
	copy(a.IP[12:], octets[:])

	bits := 32
	if hasMask {
		var err error
		bits, err = parseV4MaskBits(maskPart)
		if err != nil {
			return Addr{}, err
		}
	}
	a.Bits = 96 + bits
	return a, nil
}

// parseV4Octets implements the literal SfIp::pton leading-zero rejection:
// a multi-digit octet that starts with '0' is INET_PARSE_ERR, but a lone
// "0" is fine.
func parseV4Octets(s string) ([4]byte, error) {
	parts := strings.Split(s, ".")
	var out [4]byte
	if len(parts) != 4 {
		return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: malformed IPv4 address "+s)
	}
	for i, p := range parts {
		if p == "" {
			return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: empty octet in "+s)
		}
		if len(p) > 1 && p[0] == '0' {
			return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: leading zero in octet "+p)
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: non-digit in octet "+p)
			}
		}
		v, err := strconv.Atoi(p)
		if err != nil || v > 255 {
			return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: octet out of range "+p)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func parseV4MaskBits(maskPart string) (int, error) {
	if !strings.Contains(maskPart, ".") {
		n, err := strconv.Atoi(maskPart)
		if err != nil || n < 0 || n > 32 {
			return 0, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: bad CIDR length "+maskPart)
		}
		return n, nil
	}
	octets, err := parseV4Octets(maskPart)
	if err != nil {
		return 0, err
	}
	bits := 0
	for _, o := range octets {
		for b := 7; b >= 0; b-- {
			if o&(1<<b) != 0 {
				bits++
			} else {
				return bits, nil
			}
		}
	}
	return bits, nil
}

func parseV6(ipPart, maskPart string, hasMask bool) (Addr, error) {
	groups, err := parseV6Groups(ipPart)
	if err != nil {
		return Addr{}, err
	}

	a := Addr{IP: groups, Bits: 128}
	bits := 128
	if hasMask {
		n, err := strconv.Atoi(maskPart)
		if err != nil || n < 0 || n > 128 {
			return Addr{}, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: bad IPv6 prefix length "+maskPart)
		}
		bits = n
	}
	a.Bits = bits
	return a, nil
}

// parseV6Groups is a minimal IPv6 text-form parser supporting "::"
// compression, sufficient for filter literals (no zone ids, no
// embedded IPv4).
func parseV6Groups(s string) ([16]byte, error) {
	var out [16]byte
	left, right, hasDouble := strings.Cut(s, "::")

	leftGroups := splitNonEmpty(left, ":")
	var rightGroups []string
	if hasDouble {
		rightGroups = splitNonEmpty(right, ":")
	}

	total := len(leftGroups) + len(rightGroups)
	if hasDouble {
		if total > 8 {
			return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: too many groups in "+s)
		}
	} else if total != 8 {
		return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: wrong group count in "+s)
	}

	idx := 0
	for _, g := range leftGroups {
		v, err := strconv.ParseUint(g, 16, 16)
		if err != nil {
			return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: bad group "+g)
		}
		out[idx*2] = byte(v >> 8)
		out[idx*2+1] = byte(v)
		idx++
	}

	idx = 8 - len(rightGroups)
	for _, g := range rightGroups {
		v, err := strconv.ParseUint(g, 16, 16)
		if err != nil {
			return out, errors.New(errors.KindInvalidAddress, "INET_PARSE_ERR: bad group "+g)
		}
		out[idx*2] = byte(v >> 8)
		out[idx*2+1] = byte(v)
		idx++
	}

	return out, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}
