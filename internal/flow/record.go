// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

// TCPState is the per-side TCP stream tracker state: 13 live states plus a
// terminal TCPStateNone, 14 values in all. Non-TCP flows and TCP flows with
// no session attached yet carry the TCPMaxStates sentinel instead.
type TCPState uint8

const (
	TCPStateListen TCPState = iota
	TCPStateSynSent
	TCPStateSynRecv
	TCPStateEstablished
	TCPStateMidStreamSent
	TCPStateMidStreamRecv
	TCPStateFinWait1
	TCPStateFinWait2
	TCPStateCloseWait
	TCPStateClosing
	TCPStateLastAck
	TCPStateTimeWait
	TCPStateClosed
	TCPStateNone

	// TCPMaxStates is the sentinel stored when no TCP session is attached.
	TCPMaxStates TCPState = 14
)

// EvictReason records why a flow left the table. Kept separate from error
// kinds: an eviction is routine operation, not a failure.
type EvictReason uint8

const (
	ReasonNone EvictReason = iota
	ReasonIdleMaxFlows
	ReasonIdleProtocolTimeout
	ReasonUni
	ReasonExcess
	ReasonMemcap
	ReasonUser
	ReasonHA
)

func (r EvictReason) String() string {
	switch r {
	case ReasonIdleMaxFlows:
		return "IDLE_MAX_FLOWS"
	case ReasonIdleProtocolTimeout:
		return "IDLE_PROTOCOL_TIMEOUT"
	case ReasonUni:
		return "UNI"
	case ReasonExcess:
		return "EXCESS"
	case ReasonMemcap:
		return "MEMCAP"
	case ReasonUser:
		return "USER"
	case ReasonHA:
		return "HA"
	default:
		return "NONE"
	}
}

// DeleteMode selects which flows delete_flows is willing to touch.
type DeleteMode uint8

const (
	DeleteAllowedFlowsOnly DeleteMode = iota
	DeleteOffloadedFlowsToo
	DeleteAllFlows
)

// Stats holds the monotonic per-direction packet/byte counters.
type Stats struct {
	ClientPkts  uint64
	ServerPkts  uint64
	ClientBytes uint64
	ServerBytes uint64
	StartTime   int64
}

// Flags groups the boolean state bits of a Record.
type Flags struct {
	ClientInitiated bool
	KeyIsReversed   bool
	InAllowlist     bool
	AllowedOnExcess bool
	Allowed         bool
	Blocked         bool
	Suspended       bool
	KeepFlow        bool
	TimedOut        bool
	Pruned          bool
	HAStandby       bool
}

// Record is the mutable per-flow state owned by the table. A Record never
// outlives the table slot that holds it; callers obtain it only through
// Table/Cache lookups.
type Record struct {
	Key Key

	ClientIP Endpoint
	ServerIP Endpoint

	Stats        Stats
	LastDataSeen int64

	IdleTimeout      int64
	ExpireTime       int64
	IsHardExpiration bool

	Flags Flags

	TCPClient TCPState
	TCPServer TCPState

	DumpCode uint8
}

// Tag returns the LRU queue this record currently occupies, per I1: the
// allowlist queue iff InAllowlist, otherwise its key's protocol class.
func (r *Record) Tag() uint8 {
	if r.Flags.InAllowlist {
		return uint8(ClassAllowlist)
	}
	return uint8(r.Key.Class)
}

// NewRecord builds a fresh record for key, most-recently-used by
// construction (I6 is satisfied by the table pushing it to MRU).
// ClientIP/ServerIP are resolved from the key's canonical (low, high)
// endpoints the same way descriptor.go resolves src/dst: key_is_reversed
// tells which side was the packet that created the flow, i.e. the client.
func NewRecord(key Key, now int64, idleTimeout int64, clientInitiated, keyIsReversed bool) *Record {
	clientIP, serverIP := key.Low, key.High
	if keyIsReversed {
		clientIP, serverIP = key.High, key.Low
	}
	return &Record{
		Key:          key,
		ClientIP:     clientIP,
		ServerIP:     serverIP,
		Stats:        Stats{StartTime: now},
		LastDataSeen: now,
		IdleTimeout:  idleTimeout,
		Flags:        Flags{ClientInitiated: clientInitiated, KeyIsReversed: keyIsReversed},
		TCPClient:    TCPMaxStates,
		TCPServer:    TCPMaxStates,
	}
}

// Touch advances LastDataSeen monotonically (I4).
func (r *Record) Touch(now int64) {
	if now > r.LastDataSeen {
		r.LastDataSeen = now
	}
}

// Expired reports whether the record is eligible for the timeout sweep at
// time now, per the hard-expiration-first rule in section 4.3.
func (r *Record) Expired(now int64) bool {
	if r.IsHardExpiration {
		return r.ExpireTime <= now
	}
	return r.LastDataSeen+r.IdleTimeout <= now
}

// IdleFor reports whether the record has been idle at least pruningTimeout
// seconds as of now, the admission-time idle-pruning eligibility test.
func (r *Record) IdleFor(now, pruningTimeout int64) bool {
	return r.LastDataSeen+pruningTimeout < now
}
