// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import "flowcache.dev/flowcache/internal/flow"

// pruneIdleLocked round-robins the protocol queues, evicting flows idle
// at least PruningTimeout seconds, skipping suspended flows and saveMe
// (the flow currently being admitted, which is not yet in the table but
// is checked here for symmetry with the release-path callers). It stops
// after CleanupFlows evictions, as soon as the table is back under
// MaxFlows, or once every queue has been visited without yielding a
// victim.
func (c *Cache) pruneIdleLocked(now int64, saveMe flow.Key) int {
	tags := classTags()
	checked := make(map[uint8]bool, len(tags))
	pruned := 0

	for {
		progressed := false
		for _, tag := range tags {
			if checked[tag] {
				continue
			}
			rec, ok := c.table.LRUFirst(tag)
			if !ok {
				checked[tag] = true
				continue
			}
			if rec.Key == saveMe || rec.Flags.Suspended || !rec.IdleFor(now, c.cfg.PruningTimeout) {
				checked[tag] = true
				continue
			}
			c.evict(rec, flow.ReasonIdleMaxFlows)
			pruned++
			progressed = true
			if pruned >= c.cfg.CleanupFlows || c.table.NumNodes() < c.cfg.MaxFlows {
				return pruned
			}
		}
		if !progressed {
			return pruned
		}
		allChecked := true
		for _, tag := range tags {
			if !checked[tag] {
				allChecked = false
				break
			}
		}
		if allChecked {
			return pruned
		}
	}
}

// pruneUnisLocked trims up to CleanupFlows half-open flows from the
// unidirectional list matching class, skipping blocked flows without
// counting them.
func (c *Cache) pruneUnisLocked(class flow.Class) int {
	victims := c.uniListFor(class).Trim(c.cfg.CleanupFlows)
	for _, rec := range victims {
		c.table.ReleaseNode(rec.Key)
		c.recordEviction(rec.Key.Class, flow.ReasonUni)
	}
	return len(victims)
}

// pruneExcessLocked is the aggressive sweep of section 4.3 step 3. When
// MoveToAllowlistOnExcess is false it visits only the allowlist queue, and
// since handleAllowlistPruning keeps allowlisted flows under EXCESS in that
// mode, it evicts nothing and leaves the work to pruneMultipleLocked;
// when true it sweeps the protocol queues and migrates eligible flows to
// the allowlist instead of evicting them. A migration counts toward both
// the pruned total and the effective capacity target, which is the
// "observed ambiguity" of section 9: preserved deliberately, not a bug.
func (c *Cache) pruneExcessLocked(saveMe flow.Key) int {
	maxCap := c.cfg.MaxFlows - c.cfg.CleanupFlows

	var tags []uint8
	if c.cfg.MoveToAllowlistOnExcess {
		maxCap += c.table.NodeCount(uint8(flow.ClassAllowlist))
		tags = classTags()
	} else {
		tags = []uint8{uint8(flow.ClassAllowlist)}
	}

	ignoreOffloads := c.table.NumNodes()
	pruned := 0

	for pass := 0; pass < 2 && c.table.NumNodes() > maxCap; pass++ {
		allowSuspended := pass == 1
		for _, tag := range tags {
			for steps := c.table.NodeCount(tag); steps > 0 && c.table.NumNodes() > maxCap; steps-- {
				rec, ok := c.table.LRUFirst(tag)
				if !ok {
					break
				}
				if rec.Key == saveMe {
					c.table.LRUTouch(tag)
					continue
				}
				if rec.Flags.Blocked {
					c.table.LRUTouch(tag)
					continue
				}
				if rec.Flags.Suspended && !allowSuspended && ignoreOffloads > 0 {
					ignoreOffloads--
					c.table.LRUTouch(tag)
					continue
				}

				if c.cfg.MoveToAllowlistOnExcess {
					if c.moveToAllowlistLocked(rec) {
						pruned++
						maxCap++
						continue
					}
				} else if !c.handleAllowlistPruning(flow.ReasonExcess, tag) {
					c.table.LRUTouch(tag)
					continue
				}

				c.evict(rec, flow.ReasonExcess)
				pruned++
			}
		}
	}
	return pruned
}

// pruneMultipleLocked is the last-resort sweep of step 4: strict
// round-robin across every queue's front until PruneFlows victims are
// collected or every queue is exhausted. For MEMCAP and EXCESS it visits
// the allowlist queue first, as the last-resort fallback for whichever
// queue is actually over capacity — for EXCESS this matters because
// pruneExcessLocked's own allowlist handling can fail to free anything
// (its protocol-queue sweep only runs when MoveToAllowlistOnExcess is
// true, and even then every candidate flow may be blocked or suspended).
func (c *Cache) pruneMultipleLocked(reason flow.EvictReason) int {
	var tags []uint8
	if reason == flow.ReasonMemcap || reason == flow.ReasonExcess {
		tags = append([]uint8{uint8(flow.ClassAllowlist)}, classTags()...)
	} else {
		tags = classTags()
	}

	checked := make(map[uint8]bool, len(tags))
	pruned := 0
	for pruned < c.cfg.PruneFlows {
		progressed := false
		for _, tag := range tags {
			if checked[tag] {
				continue
			}
			rec, ok := c.table.LRUFirst(tag)
			if !ok {
				checked[tag] = true
				continue
			}
			if !c.handleAllowlistPruning(reason, tag) {
				checked[tag] = true
				continue
			}
			c.evict(rec, reason)
			pruned++
			progressed = true
			if pruned >= c.cfg.PruneFlows {
				return pruned
			}
		}
		if !progressed {
			return pruned
		}
	}
	return pruned
}

// Timeout round-robins the protocol queues (the allowlist queue is
// excluded; allowlisted flows age out only via memcap pressure), retiring
// up to n flows whose idle or hard-expiration deadline has passed. The
// queue cursor (timeoutIdx) persists across calls so successive ticks
// resume where the last one stopped.
func (c *Cache) Timeout(n int, now int64) int {
	if n <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tags := classTags()
	if len(tags) == 0 {
		return 0
	}

	checked := make(map[uint8]bool, len(tags))
	retired := 0
	i := c.timeoutIdx % len(tags)
	scanned := 0
	maxScans := len(tags) * (c.cfg.CleanupFlows + 2)

	for retired < n && scanned < maxScans {
		tag := tags[i]
		i = (i + 1) % len(tags)
		scanned++
		if checked[tag] {
			continue
		}

		rec, ok := c.table.LRUFirst(tag)
		if !ok {
			checked[tag] = true
			continue
		}

		if !rec.Expired(now) {
			checked[tag] = true
			continue
		}
		if rec.Flags.HAStandby || rec.Flags.Suspended {
			c.table.LRUTouch(tag)
			continue
		}

		rec.Flags.TimedOut = true
		if c.hooks.OnTimeout != nil {
			c.hooks.OnTimeout(rec)
		}
		if c.releaseLocked(rec, flow.ReasonIdleProtocolTimeout, true) {
			retired++
		} else {
			checked[tag] = true
		}

		allChecked := true
		for _, t := range tags {
			if !checked[t] {
				allChecked = false
				break
			}
		}
		if allChecked {
			break
		}
	}

	c.timeoutIdx = i
	return retired
}
