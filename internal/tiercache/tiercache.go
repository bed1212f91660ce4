/*
Package tiercache implements the three-level translation cache: L1 for
the hottest single entries, L2 for compiled blocks, L3 for optimized
regions. Each level is an independently locked bounded LRU map keyed by
guest start PC. Promotion between levels is driven by use counters whose
thresholds belong to the adaptive manager's configuration; the caches
never promote on their own initiative beyond those thresholds.

L3 keeps overlapping regions side by side; a lookup that matches several
regions picks the longest, then the most used, then the most recently
touched.
*/
package tiercache

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"container/list"
	"sync"
	"sync/atomic"

	"crossvm/internal/artifact"
	"crossvm/internal/config"
	"crossvm/internal/fault"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
)

// Level identifies a cache tier.
type Level int

const (
	L1 Level = iota
	L2
	L3
	levelCount
)

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return "L3"
	}
}

type entry struct {
	art          *artifact.Artifact
	useCount     uint64
	lastAccess   uint64
	prefetchMark bool
	elem         *list.Element // LRU position; value is the start PC
}

type tier struct {
	mu      sync.RWMutex
	entries map[isa.GuestAddr]*entry
	lru     *list.List
	cap     int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Snapshot is the cache's statistics view. HitRate is reported against
// L1: in steady state hot code should live there.
type Snapshot struct {
	Hits       [3]uint64
	Misses     [3]uint64
	Evictions  uint64
	Promotions uint64
	Bytes      uint64
	HitRate    float64
}

// Cache is the tiered translation cache.
type Cache struct {
	tiers [levelCount]*tier
	rec   *artifact.Reclaimer

	l2ToL1Threshold uint64
	l3ToL2Threshold uint64
	byteCeiling     uint64

	bytes      atomic.Uint64
	promotions atomic.Uint64
	ticks      atomic.Uint64

	fpMu sync.RWMutex
	fps  map[ir.Fingerprint]int
}

// New builds a cache from configuration. rec receives every artifact the
// cache drops.
func New(cfg config.Tiers, rec *artifact.Reclaimer) *Cache {
	c := &Cache{
		rec:             rec,
		l2ToL1Threshold: cfg.L2ToL1Threshold,
		l3ToL2Threshold: cfg.L3ToL2Threshold,
		byteCeiling:     cfg.ByteCeiling,
		fps:             make(map[ir.Fingerprint]int),
	}
	caps := [levelCount]int{cfg.L1Capacity, cfg.L2Capacity, cfg.L3Capacity}
	for i := range c.tiers {
		c.tiers[i] = &tier{
			entries: make(map[isa.GuestAddr]*entry),
			lru:     list.New(),
			cap:     caps[i],
		}
	}
	return c
}

func (c *Cache) tick() uint64 { return c.ticks.Add(1) }

// Lookup searches L1, then L2, then L3 by range containment. A hit bumps
// the entry's use counter and recency and may clone the entry one level
// up when its counter crosses the promotion threshold; promotion is
// skipped (and retried on a later hit) while the target tier is full.
func (c *Cache) Lookup(pc isa.GuestAddr) (*artifact.Artifact, bool) {
	if a, _ := c.lookupExact(L1, pc); a != nil {
		return a, true
	}
	if a, count := c.lookupExact(L2, pc); a != nil {
		if count >= c.l2ToL1Threshold {
			c.promote(L1, pc, a, count)
		}
		return a, true
	}
	if a, count := c.lookupRegion(pc); a != nil {
		if count >= c.l3ToL2Threshold {
			c.promote(L2, a.StartPC, a, count)
		}
		return a, true
	}
	return nil, false
}

func (c *Cache) lookupExact(l Level, pc isa.GuestAddr) (*artifact.Artifact, uint64) {
	t := c.tiers[l]
	t.mu.Lock()
	e, ok := t.entries[pc]
	if !ok {
		t.mu.Unlock()
		t.misses.Add(1)
		return nil, 0
	}
	e.useCount++
	e.lastAccess = c.tick()
	t.lru.MoveToBack(e.elem)
	a, count := e.art, e.useCount
	t.mu.Unlock()
	t.hits.Add(1)
	return a, count
}

// lookupRegion scans L3 for regions containing pc. Longest match wins;
// ties break on use count, then recency.
func (c *Cache) lookupRegion(pc isa.GuestAddr) (*artifact.Artifact, uint64) {
	t := c.tiers[L3]
	t.mu.Lock()
	var best *entry
	for _, e := range t.entries {
		if !e.art.Covers(pc) {
			continue
		}
		if best == nil || regionBetter(e, best) {
			best = e
		}
	}
	if best == nil {
		t.mu.Unlock()
		t.misses.Add(1)
		return nil, 0
	}
	best.useCount++
	best.lastAccess = c.tick()
	t.lru.MoveToBack(best.elem)
	a, count := best.art, best.useCount
	t.mu.Unlock()
	t.hits.Add(1)
	return a, count
}

func regionBetter(e, best *entry) bool {
	if e.art.GuestBytes != best.art.GuestBytes {
		return e.art.GuestBytes > best.art.GuestBytes
	}
	if e.useCount != best.useCount {
		return e.useCount > best.useCount
	}
	return e.lastAccess > best.lastAccess
}

// promote clones an entry into the next tier up, carrying its counters.
// A full target defers the promotion; the source entry stays usable.
func (c *Cache) promote(target Level, pc isa.GuestAddr, a *artifact.Artifact, count uint64) {
	t := c.tiers[target]
	t.mu.Lock()
	if _, present := t.entries[pc]; present || len(t.entries) >= t.cap {
		t.mu.Unlock()
		return
	}
	if !a.Retain() {
		t.mu.Unlock()
		return
	}
	e := &entry{art: a, useCount: count, lastAccess: c.tick()}
	e.elem = t.lru.PushBack(pc)
	t.entries[pc] = e
	t.mu.Unlock()
	c.bytes.Add(uint64(a.Desc.CodeSize))
	c.promotions.Add(1)
	c.trackFingerprint(a.Fingerprint, 1)
}

// Insert places an artifact at a level, evicting the level's LRU entry
// on overflow: L1 demotes into L2, L2 into L3, L3 retires. The cache
// takes over the caller's reference. Insert fails with
// ResourceExhausted only when the byte ceiling cannot be met even after
// eviction.
func (c *Cache) Insert(l Level, a *artifact.Artifact) error {
	size := uint64(a.Desc.CodeSize)
	if c.byteCeiling > 0 && size > c.byteCeiling {
		return fault.New(fault.KindResourceExhausted, a.StartPC, "artifact larger than cache ceiling")
	}
	for c.byteCeiling > 0 && c.bytes.Load()+size > c.byteCeiling {
		if !c.evictOne(L3) && !c.evictOne(L2) && !c.evictOne(L1) {
			return fault.New(fault.KindResourceExhausted, a.StartPC, "tier cache pinned at byte ceiling")
		}
	}
	c.insert(l, a, 0, c.tick(), false)
	return nil
}

// insert is the shared insertion path for Insert, demotion, and
// promotion bookkeeping. It assumes the caller transferred one
// reference.
func (c *Cache) insert(l Level, a *artifact.Artifact, useCount, lastAccess uint64, demoted bool) {
	t := c.tiers[l]
	var replaced *entry
	t.mu.Lock()
	if old, ok := t.entries[a.StartPC]; ok {
		// replace in place; the old artifact is retired
		t.lru.Remove(old.elem)
		delete(t.entries, a.StartPC)
		replaced = old
	}
	var victim *entry
	if len(t.entries) >= t.cap {
		if front := t.lru.Front(); front != nil {
			pc := front.Value.(isa.GuestAddr)
			victim = t.entries[pc]
			t.lru.Remove(front)
			delete(t.entries, pc)
			t.evictions.Add(1)
		}
	}
	e := &entry{art: a, useCount: useCount, lastAccess: lastAccess}
	e.elem = t.lru.PushBack(a.StartPC)
	t.entries[a.StartPC] = e
	t.mu.Unlock()

	if !demoted {
		// a demotion moves an already-accounted artifact between
		// levels; only fresh references add bytes and fingerprints
		c.bytes.Add(uint64(a.Desc.CodeSize))
		c.trackFingerprint(a.Fingerprint, 1)
	}
	if replaced != nil {
		c.retire(replaced)
	}

	if victim != nil {
		if l == L3 {
			c.retireEntry(victim)
		} else {
			// demotion carries the use counter and recency along
			c.insert(l+1, victim.art, victim.useCount, victim.lastAccess, true)
		}
	}
}

// evictOne force-drops the LRU entry of a level for ceiling enforcement.
func (c *Cache) evictOne(l Level) bool {
	t := c.tiers[l]
	t.mu.Lock()
	front := t.lru.Front()
	if front == nil {
		t.mu.Unlock()
		return false
	}
	pc := front.Value.(isa.GuestAddr)
	e := t.entries[pc]
	t.lru.Remove(front)
	delete(t.entries, pc)
	t.evictions.Add(1)
	t.mu.Unlock()
	c.retireEntry(e)
	return true
}

func (c *Cache) retireEntry(e *entry) {
	c.retire(e)
}

func (c *Cache) retire(e *entry) {
	c.bytes.Add(^uint64(uint64(e.art.Desc.CodeSize) - 1)) // subtract
	c.trackFingerprint(e.art.Fingerprint, -1)
	c.rec.Retire(e.art)
}

// InvalidateRange removes every entry whose guest range intersects
// [start, end). Removed artifacts are retired; chained siblings detect
// the removal when their Retain fails.
func (c *Cache) InvalidateRange(start, end isa.GuestAddr) {
	for l := L1; l < levelCount; l++ {
		t := c.tiers[l]
		t.mu.Lock()
		var dropped []*entry
		for pc, e := range t.entries {
			if e.art.StartPC < end && e.art.EndPC() > start {
				t.lru.Remove(e.elem)
				delete(t.entries, pc)
				dropped = append(dropped, e)
			}
		}
		t.mu.Unlock()
		for _, e := range dropped {
			c.retire(e)
		}
	}
}

// Invalidate removes the entries starting exactly at pc on every level.
func (c *Cache) Invalidate(pc isa.GuestAddr) {
	c.InvalidateRange(pc, pc+1)
}

func (c *Cache) trackFingerprint(fp ir.Fingerprint, delta int) {
	c.fpMu.Lock()
	c.fps[fp] += delta
	if c.fps[fp] <= 0 {
		delete(c.fps, fp)
	}
	c.fpMu.Unlock()
}

// ContainsFingerprint reports whether any tier holds an artifact with
// this fingerprint. The precompiler dedups against it.
func (c *Cache) ContainsFingerprint(fp ir.Fingerprint) bool {
	c.fpMu.RLock()
	defer c.fpMu.RUnlock()
	return c.fps[fp] > 0
}

// Sizes returns the entry count per tier.
func (c *Cache) Sizes() (int, int, int) {
	n := [levelCount]int{}
	for i, t := range c.tiers {
		t.mu.RLock()
		n[i] = len(t.entries)
		t.mu.RUnlock()
	}
	return n[0], n[1], n[2]
}

// Bytes returns the summed code size across tiers.
func (c *Cache) Bytes() uint64 { return c.bytes.Load() }

// Stats returns a statistics snapshot.
func (c *Cache) Stats() Snapshot {
	var s Snapshot
	for i, t := range c.tiers {
		s.Hits[i] = t.hits.Load()
		s.Misses[i] = t.misses.Load()
		s.Evictions += t.evictions.Load()
	}
	s.Promotions = c.promotions.Load()
	s.Bytes = c.bytes.Load()
	if total := s.Hits[0] + s.Misses[0]; total > 0 {
		s.HitRate = float64(s.Hits[0]) / float64(total)
	}
	return s
}

// UseCount reports the use counter for the entry starting at pc on a
// level; used by the dispatcher to feed the adaptive manager.
func (c *Cache) UseCount(l Level, pc isa.GuestAddr) (uint64, bool) {
	t := c.tiers[l]
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[pc]; ok {
		return e.useCount, true
	}
	return 0, false
}

// MarkPrefetch flags an entry as installed by prefetch rather than
// demand; statistics consumers can distinguish the two.
func (c *Cache) MarkPrefetch(l Level, pc isa.GuestAddr) {
	t := c.tiers[l]
	t.mu.Lock()
	if e, ok := t.entries[pc]; ok {
		e.prefetchMark = true
	}
	t.mu.Unlock()
}
