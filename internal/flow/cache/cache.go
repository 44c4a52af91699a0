// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cache implements the flow cache of section 4.3: admission,
// lookup, pruning, timeout sweep, purge, and allowlist migration over the
// indexed LRU table and the two half-open-flow lists.
package cache

import (
	"sync"

	"flowcache.dev/flowcache/internal/errors"
	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/flow/lru"
	"flowcache.dev/flowcache/internal/flow/unilist"
	"flowcache.dev/flowcache/internal/logging"
)

// Metrics is the narrow interface the cache uses to report admission and
// eviction events. internal/metrics implements it; tests may supply a
// stub or leave it nil.
type Metrics interface {
	ObserveAllocate(class flow.Class)
	ObserveEviction(class flow.Class, reason flow.EvictReason)
	ObserveNodeCount(tag uint8, count int)
	ObserveDelete(category string)
}

// Hooks are the inspector-facing callbacks the core dispatches on flow
// lifecycle transitions (section 6). Any hook left nil is simply skipped.
type Hooks struct {
	OnFlowCreate  func(rec *flow.Record)
	OnFlowRelease func(rec *flow.Record, reason flow.EvictReason)
	OnTimeout     func(rec *flow.Record)
	OnAllowlisted func(rec *flow.Record)
	OnSuspend     func(rec *flow.Record)
	OnResume      func(rec *flow.Record)
	WatchdogKick  func()
}

// Config configures a Cache instance.
type Config struct {
	MaxFlows                int
	IdleTimeout             map[flow.Class]int64
	PruningTimeout          int64
	CleanupFlows            int
	PruneFlows              int
	MoveToAllowlistOnExcess bool
}

func (cfg Config) idleTimeout(class flow.Class) int64 {
	if t, ok := cfg.IdleTimeout[class]; ok {
		return t
	}
	return 30
}

// Cache is a single worker's flow table: one Indexed LRU Table plus the
// two unidirectional half-open lists. It is not shared across workers.
type Cache struct {
	mu sync.Mutex

	cfg    Config
	table  *lru.Table
	uniIP  *unilist.List
	uniCap int

	uniOther *unilist.List

	hooks   Hooks
	metrics Metrics
	log     *logging.Logger

	purging    bool
	timeoutIdx int

	deleteStats map[string]int
}

// New builds a Cache. logger and metrics may be nil.
func New(cfg Config, hooks Hooks, metrics Metrics, logger *logging.Logger) *Cache {
	uniCap := cfg.MaxFlows/4 + 1
	return &Cache{
		cfg:         cfg,
		table:       lru.New(cfg.MaxFlows),
		uniIP:       unilist.New(uniCap),
		uniOther:    unilist.New(uniCap),
		uniCap:      uniCap,
		hooks:       hooks,
		metrics:     metrics,
		log:         logger,
		deleteStats: make(map[string]int),
	}
}

func classTags() []uint8 {
	tags := make([]uint8, 0, int(flow.ClassAllowlist))
	for i := uint8(0); i < uint8(flow.ClassAllowlist); i++ {
		tags = append(tags, i)
	}
	return tags
}

func allTags() []uint8 {
	return append(classTags(), uint8(flow.ClassAllowlist))
}

func (c *Cache) uniListFor(class flow.Class) *unilist.List {
	if class == flow.ClassIP {
		return c.uniIP
	}
	return c.uniOther
}

// NumNodes returns the current total record count (I2 is num_nodes <= MaxFlows).
func (c *Cache) NumNodes() int { return c.table.NumNodes() }

// NodeCount returns the current record count of a single queue tag.
func (c *Cache) NodeCount(tag uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.NodeCount(tag)
}

// WalkFirst positions the dump engine's walk cursor for tag at MRU and
// returns it. Independent of the prune cursor used by the eviction
// strategies.
func (c *Cache) WalkFirst(tag uint8) (*flow.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.GetWalkUserData(tag)
}

// WalkNext advances the dump engine's walk cursor for tag toward LRU.
func (c *Cache) WalkNext(tag uint8) (*flow.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.GetNextWalkUserData(tag)
}

// Find returns the record for key, promoting it to MRU of its current
// queue and advancing LastDataSeen, or reports a miss.
func (c *Cache) Find(key flow.Key, now int64) (*flow.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.table.GetUserData(key, false)
	if !ok {
		return nil, false
	}
	c.table.TouchLastFound(rec.Tag())
	rec.Touch(now)
	return rec, true
}

// Allocate constructs and inserts a new record for key, running the prune
// cascade (prune_idle -> prune_unis -> prune_excess -> prune_multiple) if
// the table is already at capacity. It returns a CapacityExhausted error
// if no strategy freed a slot; callers drop the packet in that case.
func (c *Cache) Allocate(key flow.Key, now int64, clientInitiated, keyIsReversed bool) (*flow.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.table.NumNodes() >= c.cfg.MaxFlows {
		pruned := c.pruneIdleLocked(now, key)
		if pruned == 0 {
			pruned = c.pruneUnisLocked(key.Class)
		}
		if pruned == 0 {
			pruned = c.pruneExcessLocked(key)
		}
		if pruned == 0 {
			c.pruneMultipleLocked(flow.ReasonExcess)
		}
		if c.table.NumNodes() >= c.cfg.MaxFlows {
			return nil, errors.New(errors.KindCapacityExhausted, "flow cache: no prune strategy freed capacity")
		}
	}

	idle := c.cfg.idleTimeout(key.Class)
	rec := flow.NewRecord(key, now, idle, clientInitiated, keyIsReversed)
	tag := uint8(key.Class)
	c.table.Push(rec, tag)
	c.uniListFor(key.Class).Link(rec)

	if c.hooks.OnFlowCreate != nil {
		c.hooks.OnFlowCreate(rec)
	}
	if c.metrics != nil {
		c.metrics.ObserveAllocate(key.Class)
		c.metrics.ObserveNodeCount(tag, c.table.NodeCount(tag))
	}
	return rec, nil
}

// MarkBidirectional unlinks rec from its unidirectional list once the
// responder has sent data, per I3.
func (c *Cache) MarkBidirectional(rec *flow.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uniListFor(rec.Key.Class).Unlink(rec.Key)
}

// Release removes rec from the cache unless its KEEP_FLOW sticky bit is
// set, in which case the bit is cleared and the flow survives this call.
// It reports whether the flow was actually removed.
func (c *Cache) Release(rec *flow.Record, reason flow.EvictReason, doCleanup bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked(rec, reason, doCleanup)
}

func (c *Cache) releaseLocked(rec *flow.Record, reason flow.EvictReason, doCleanup bool) bool {
	if doCleanup && !rec.Flags.Blocked && c.hooks.OnFlowRelease != nil {
		c.hooks.OnFlowRelease(rec, reason)
	}
	if rec.Flags.KeepFlow {
		rec.Flags.KeepFlow = false
		return false
	}

	c.recordEviction(rec.Key.Class, reason)
	c.uniListFor(rec.Key.Class).Unlink(rec.Key)
	c.table.ReleaseNode(rec.Key)
	rec.Flags.Pruned = true
	return true
}

// Retire removes rec unconditionally, bypassing the sticky bit. Used only
// by Purge.
func (c *Cache) Retire(rec *flow.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retireLocked(rec)
}

func (c *Cache) retireLocked(rec *flow.Record) {
	c.uniListFor(rec.Key.Class).Unlink(rec.Key)
	c.table.ReleaseNode(rec.Key)
	c.recordEviction(rec.Key.Class, flow.ReasonNone)
}

func (c *Cache) recordEviction(class flow.Class, reason flow.EvictReason) {
	if c.metrics != nil {
		c.metrics.ObserveEviction(class, reason)
	}
}

// evict is the internal eviction path used by the prune strategies: it
// always removes (no sticky-bit honouring, since prune decisions already
// chose this victim), without running the release cleanup hook.
func (c *Cache) evict(rec *flow.Record, reason flow.EvictReason) {
	c.uniListFor(rec.Key.Class).Unlink(rec.Key)
	c.table.ReleaseNode(rec.Key)
	rec.Flags.Pruned = true
	c.recordEviction(rec.Key.Class, reason)
}

// Suspend marks key's flow offloaded to hardware: state mutations on it
// are deferred, and idle pruning and the timeout sweep skip it until
// Resume (the second excess pass, the last-resort prune and DeleteFlows
// past its first mode can still remove it). OnSuspend fires so a kernel-side mirror can be kept in sync.
// It reports whether key was found.
func (c *Cache) Suspend(key flow.Key) (*flow.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.table.GetUserData(key, false)
	if !ok {
		return nil, false
	}
	rec.Flags.Suspended = true
	if c.hooks.OnSuspend != nil {
		c.hooks.OnSuspend(rec)
	}
	return rec, true
}

// Resume clears key's flow's Suspended bit, handing it back to the
// userspace cache's normal pruning/timeout treatment. OnResume fires so
// a kernel-side mirror can drop its entry.
func (c *Cache) Resume(key flow.Key) (*flow.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.table.GetUserData(key, false)
	if !ok {
		return nil, false
	}
	rec.Flags.Suspended = false
	if c.hooks.OnResume != nil {
		c.hooks.OnResume(rec)
	}
	return rec, true
}

// MoveToAllowlist switches rec into the allowlist queue. It is idempotent
// if rec is already allowlisted.
func (c *Cache) MoveToAllowlist(rec *flow.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveToAllowlistLocked(rec)
}

func (c *Cache) moveToAllowlistLocked(rec *flow.Record) bool {
	if rec.Flags.InAllowlist {
		return true
	}
	ok := c.table.SwitchLRUCache(rec.Key, uint8(rec.Key.Class), uint8(flow.ClassAllowlist))
	if ok {
		rec.Flags.InAllowlist = true
		if c.hooks.OnAllowlisted != nil {
			c.hooks.OnAllowlisted(rec)
		}
	}
	return ok
}

// handleAllowlistPruning encodes the policy matrix of section 4.3: when
// tag is the allowlist queue, only EXCESS-with-allowlist-on-excess or
// MEMCAP may remove the flow; any other reason leaves it in place.
func (c *Cache) handleAllowlistPruning(reason flow.EvictReason, tag uint8) bool {
	if tag != uint8(flow.ClassAllowlist) {
		return true
	}
	if reason == flow.ReasonMemcap {
		return true
	}
	return reason == flow.ReasonExcess && c.cfg.MoveToAllowlistOnExcess
}

// Purge drains every queue, including the allowlist, via Retire and
// discards the unidirectional lists. It is used at shutdown and on some
// reloads.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purging = true
	total := 0
	for _, tag := range allTags() {
		for {
			rec, ok := c.table.LRUFirst(tag)
			if !ok {
				break
			}
			c.retireLocked(rec)
			total++
		}
	}
	c.uniIP = unilist.New(c.uniCap)
	c.uniOther = unilist.New(c.uniCap)
	return total
}

// DeleteFlows force-removes up to n flows, bypassing the sticky KEEP_FLOW
// bit. It escalates internally through DeleteAllowedFlowsOnly,
// DeleteOffloadedFlowsToo, and DeleteAllFlows in turn, moving to the next,
// more disruptive mode only if the previous one didn't reach n. A watchdog
// kick fires every eighth deletion, counted cumulatively across modes.
func (c *Cache) DeleteFlows(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for mode := flow.DeleteAllowedFlowsOnly; deleted < n && mode <= flow.DeleteAllFlows; mode++ {
		deleted = c.deleteActiveFlowsLocked(mode, n, deleted)
	}
	return deleted
}

// deleteActiveFlowsLocked runs one escalation pass of DeleteFlows for the
// given mode, returning the updated cumulative deleted count once either n
// is reached or every queue has been walked once.
func (c *Cache) deleteActiveFlowsLocked(mode flow.DeleteMode, n, deleted int) int {
	for _, tag := range classTags() {
		for steps := c.table.NodeCount(tag); steps > 0 && deleted < n; steps-- {
			rec, ok := c.table.LRUFirst(tag)
			if !ok {
				break
			}
			if rec.Flags.Blocked && mode != flow.DeleteAllFlows {
				c.table.LRUTouch(tag)
				continue
			}
			if rec.Flags.Suspended && mode == flow.DeleteAllowedFlowsOnly {
				c.table.LRUTouch(tag)
				continue
			}

			category := deleteCategory(rec)
			c.deleteStats[category]++
			if c.metrics != nil {
				c.metrics.ObserveDelete(category)
			}
			c.uniListFor(rec.Key.Class).Unlink(rec.Key)
			c.table.ReleaseNode(rec.Key)
			deleted++

			if deleted&7 == 0 && c.hooks.WatchdogKick != nil {
				c.hooks.WatchdogKick()
			}
		}
	}
	return deleted
}

func deleteCategory(rec *flow.Record) string {
	switch {
	case rec.Flags.Blocked:
		return "BLOCKED"
	case rec.Flags.Suspended:
		return "OFFLOADED"
	default:
		return "ALLOWED"
	}
}

// DeleteStats returns a snapshot of the ALLOWED/OFFLOADED/BLOCKED
// counters accumulated by DeleteFlows.
func (c *Cache) DeleteStats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.deleteStats))
	for k, v := range c.deleteStats {
		out[k] = v
	}
	return out
}
