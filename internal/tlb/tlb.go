/*
Package tlb implements the software translation lookaside buffer: a
sharded cache of guest-virtual to host-physical translations with ASID
tagging, two-phase flushing, and neighbour-page prefetch.

Flushes are two-phase so in-flight readers see a deterministic state:
phase one marks matching entries Pending, and a Barrier drains Pending
entries to Invalid and drops them. A reader that observes Pending treats
the access as a miss and re-resolves.
*/
package tlb

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"

	"crossvm/internal/config"
	"crossvm/internal/isa"
)

// Consistency is the per-entry coherence state.
type Consistency uint8

const (
	// Valid entries are safely cacheable until an explicit
	// invalidation.
	Valid Consistency = iota
	// Pending entries have a flush in flight; readers retry.
	Pending
	// Invalid entries must be re-resolved before use.
	Invalid
)

func (c Consistency) String() string {
	switch c {
	case Valid:
		return "valid"
	case Pending:
		return "pending"
	default:
		return "invalid"
	}
}

// Entry is one cached translation. Size is the byte length of the mapped
// range; entries produced by refill cover a single page.
type Entry struct {
	Base   isa.GuestAddr
	Size   uint64
	PA     isa.HostPhysAddr
	Rights isa.Access
	ASID   isa.ASID
	Global bool
	State  Consistency
}

// contains reports whether the entry's range covers va.
func (e *Entry) contains(va isa.GuestAddr) bool {
	return va >= e.Base && uint64(va) < uint64(e.Base)+e.Size
}

// matches reports whether the entry satisfies a request from asid with
// the given access.
func (e *Entry) matches(va isa.GuestAddr, asid isa.ASID, access isa.Access) bool {
	if !e.contains(va) {
		return false
	}
	if !e.Global && e.ASID != asid {
		return false
	}
	return e.Rights.Dominates(access)
}

// Result classifies a lookup.
type Result int

const (
	// Miss means no usable entry; the caller refills.
	Miss Result = iota
	// Hit means the returned entry is usable.
	Hit
	// PendingFlush means a matching entry exists but a flush is in
	// flight; the caller re-resolves, same as a miss, but the state
	// was observed deterministically.
	PendingFlush
)

// Resolver refills a translation on miss or prefetch. It is the page
// table walk.
type Resolver func(va isa.GuestAddr, asid isa.ASID, access isa.Access) (isa.HostPhysAddr, isa.Access, error)

type slot struct {
	entry Entry
	freq  uint64
	elem  *list.Element // position in the shard's LRU list
}

type shard struct {
	mu  sync.RWMutex
	byBase map[isa.GuestAddr]*slot
	lru    *list.List // front = LRU, back = MRU; values are isa.GuestAddr
	cap    int

	hits     atomic.Uint64
	misses   atomic.Uint64
	poisoned atomic.Bool

	// rolling window for the adaptive prefetch policy
	windowHits   uint64
	windowTotal  uint64
	prefetchSpan int
}

// Snapshot is an aggregated statistics view.
type Snapshot struct {
	Hits        uint64
	Misses      uint64
	Flushes     uint64
	Prefetches  uint64
	Degraded    uint64
	HitRate     float64
}

type prefetchReq struct {
	va   isa.GuestAddr
	asid isa.ASID
}

// Cache is the sharded TLB.
type Cache struct {
	shards   []*shard
	mask     uint64
	resolver Resolver
	hotFreq  uint64

	flushes    atomic.Uint64
	prefetches atomic.Uint64
	degraded   atomic.Uint64

	prefetchCh chan prefetchReq
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New builds a TLB from configuration. resolver may be nil, in which
// case prefetch requests are dropped and only explicit Insert populates
// the cache.
func New(cfg config.TLB, resolver Resolver) *Cache {
	shards := make([]*shard, cfg.Shards)
	perShard := cfg.Capacity / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}
	span := cfg.PrefetchWindow
	if span < 1 {
		span = 1
	}
	for i := range shards {
		shards[i] = &shard{
			byBase:       make(map[isa.GuestAddr]*slot, perShard),
			lru:          list.New(),
			cap:          perShard,
			prefetchSpan: span,
		}
	}
	c := &Cache{
		shards:     shards,
		mask:       uint64(cfg.Shards - 1),
		resolver:   resolver,
		hotFreq:    cfg.HotFrequency,
		prefetchCh: make(chan prefetchReq, 256),
		stopCh:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.prefetchLoop()
	return c
}

// Close stops the background prefetcher.
func (c *Cache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache) shardFor(va isa.GuestAddr) *shard {
	return c.shards[(uint64(va)>>12)&c.mask]
}

// Lookup finds a usable translation. A Hit bumps the entry's frequency
// and LRU position. Observing a Pending entry returns PendingFlush; the
// caller retries through the resolver. A poisoned shard degrades to a
// miss without touching the shard.
func (c *Cache) Lookup(va isa.GuestAddr, asid isa.ASID, access isa.Access) (Entry, Result) {
	s := c.shardFor(va)
	if s.poisoned.Load() {
		c.degraded.Add(1)
		s.misses.Add(1)
		return Entry{}, Miss
	}
	s.mu.Lock()
	sl, ok := s.byBase[va.PageBase()]
	if ok && sl.entry.matches(va, asid, access) {
		switch sl.entry.State {
		case Valid:
			sl.freq++
			s.lru.MoveToBack(sl.elem)
			s.recordAccess(true)
			s.mu.Unlock()
			s.hits.Add(1)
			return sl.entry, Hit
		case Pending:
			s.recordAccess(false)
			s.mu.Unlock()
			s.misses.Add(1)
			return sl.entry, PendingFlush
		}
	}
	s.recordAccess(false)
	s.mu.Unlock()
	s.misses.Add(1)
	return Entry{}, Miss
}

// recordAccess updates the shard's rolling window and adapts the
// prefetch span. Called with the shard lock held. The span is not read
// when prefetching: a hot insert always queues two pages on each side.
func (s *shard) recordAccess(hit bool) {
	s.windowTotal++
	if hit {
		s.windowHits++
	}
	if s.windowTotal < 256 {
		return
	}
	rate := float64(s.windowHits) / float64(s.windowTotal)
	switch {
	case rate < 0.90 && s.prefetchSpan < 8:
		s.prefetchSpan *= 2
	case rate > 0.95 && s.prefetchSpan > 1:
		s.prefetchSpan /= 2
	}
	s.windowHits, s.windowTotal = 0, 0
}

// Insert installs an entry, evicting the shard's LRU slot when full.
// When the slot it replaces was hot, the neighbouring pages on either
// side are queued for prefetch.
func (c *Cache) Insert(e Entry) {
	if e.Size == 0 {
		e.Size = isa.PageSize
	}
	s := c.shardFor(e.Base)
	if s.poisoned.Load() {
		c.degraded.Add(1)
		return
	}
	s.mu.Lock()
	base := e.Base.PageBase()
	var hot bool
	if sl, ok := s.byBase[base]; ok {
		hot = c.hotFreq > 0 && sl.freq >= c.hotFreq
		sl.entry = e
		s.lru.MoveToBack(sl.elem)
	} else {
		if len(s.byBase) >= s.cap {
			if front := s.lru.Front(); front != nil {
				victim := front.Value.(isa.GuestAddr)
				delete(s.byBase, victim)
				s.lru.Remove(front)
			}
		}
		sl := &slot{entry: e}
		sl.elem = s.lru.PushBack(base)
		s.byBase[base] = sl
	}
	s.mu.Unlock()

	if hot {
		c.queuePrefetchNeighbours(e.Base, e.ASID)
	}
}

// queuePrefetchNeighbours schedules the two pages on either side of a
// hot translation.
func (c *Cache) queuePrefetchNeighbours(va isa.GuestAddr, asid isa.ASID) {
	for i := 1; i <= 2; i++ {
		for _, target := range []isa.GuestAddr{
			va.Add(uint64(i) * isa.PageSize),
			va.Sub(uint64(i) * isa.PageSize),
		} {
			select {
			case c.prefetchCh <- prefetchReq{va: target, asid: asid}:
			default:
				// full queue: prefetch is best effort
			}
		}
	}
}

// Prefetch queues explicit prefetch candidates for a window of
// addresses. Failures never propagate.
func (c *Cache) Prefetch(asid isa.ASID, window []isa.GuestAddr) {
	for _, va := range window {
		select {
		case c.prefetchCh <- prefetchReq{va: va, asid: asid}:
		default:
		}
	}
}

func (c *Cache) prefetchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.prefetchCh:
			c.resolvePrefetch(req)
		}
	}
}

// resolvePrefetch installs a Valid entry only when the resolver
// succeeds, so a prefetch can never manufacture a false translation.
func (c *Cache) resolvePrefetch(req prefetchReq) {
	if c.resolver == nil {
		return
	}
	if _, res := c.Lookup(req.va, req.asid, isa.AccessRead); res == Hit {
		return
	}
	pa, rights, err := c.resolver(req.va, req.asid, isa.AccessRead)
	if err != nil {
		slog.Debug("tlb prefetch skipped", slog.String("va", req.va.String()), slog.String("error", err.Error()))
		return
	}
	c.prefetches.Add(1)
	c.Insert(Entry{
		Base:   req.va.PageBase(),
		Size:   isa.PageSize,
		PA:     pa &^ (isa.PageSize - 1),
		Rights: rights,
		ASID:   req.asid,
		State:  Valid,
	})
}

// markWhere is flush phase one: matching Valid entries become Pending.
func (c *Cache) markWhere(pred func(*Entry) bool) {
	n := uint64(0)
	for _, s := range c.shards {
		s.mu.Lock()
		for _, sl := range s.byBase {
			if sl.entry.State == Valid && pred(&sl.entry) {
				sl.entry.State = Pending
				n++
			}
		}
		s.mu.Unlock()
	}
	c.flushes.Add(n)
}

// FlushOne begins a flush of the entry containing va.
func (c *Cache) FlushOne(va isa.GuestAddr) {
	c.markWhere(func(e *Entry) bool { return e.contains(va) })
}

// FlushASID begins a flush of every non-global entry tagged asid.
func (c *Cache) FlushASID(asid isa.ASID) {
	c.markWhere(func(e *Entry) bool { return !e.Global && e.ASID == asid })
}

// FlushAll begins a flush of every entry.
func (c *Cache) FlushAll() {
	c.markWhere(func(*Entry) bool { return true })
}

// FlushWhere begins a flush of entries satisfying pred.
func (c *Cache) FlushWhere(pred func(Entry) bool) {
	c.markWhere(func(e *Entry) bool { return pred(*e) })
}

// Barrier completes all in-flight flushes: every Pending entry becomes
// Invalid and is dropped. After Barrier returns, no reader can observe a
// translation that matched a flush issued before the Barrier.
func (c *Cache) Barrier() {
	for _, s := range c.shards {
		s.mu.Lock()
		for base, sl := range s.byBase {
			if sl.entry.State == Pending {
				sl.entry.State = Invalid
				s.lru.Remove(sl.elem)
				delete(s.byBase, base)
			}
		}
		s.mu.Unlock()
	}
}

// Poison marks the shard holding va as degraded; subsequent operations
// on it report misses until Unpoison. Used by recovery paths and tests.
func (c *Cache) Poison(va isa.GuestAddr)   { c.shardFor(va).poisoned.Store(true) }
func (c *Cache) Unpoison(va isa.GuestAddr) { c.shardFor(va).poisoned.Store(false) }

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.byBase)
		s.mu.RUnlock()
	}
	return n
}

// Stats aggregates counters across shards.
func (c *Cache) Stats() Snapshot {
	var snap Snapshot
	for _, s := range c.shards {
		snap.Hits += s.hits.Load()
		snap.Misses += s.misses.Load()
	}
	snap.Flushes = c.flushes.Load()
	snap.Prefetches = c.prefetches.Load()
	snap.Degraded = c.degraded.Load()
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}
