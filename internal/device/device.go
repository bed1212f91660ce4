/*
Package device is the zero-copy scatter-gather surface the device model
consumes. It hands out pooled DMA buffers, caches virtual-to-physical
mappings resolved through the core's TLB path, and tracks scatter chains
through their ring-style completion flow. Endianness and element size
ride in each scatter entry, so consumers never guess layout.
*/
package device

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"sync"
	"sync/atomic"

	"crossvm/internal/fault"
	"crossvm/internal/isa"
)

// BufferHandle names one pooled buffer.
type BufferHandle uint64

// Buffer is a pooled, reusable DMA staging area.
type Buffer struct {
	Handle BufferHandle
	Data   []byte
}

// Mapping is a cached translation for device access.
type Mapping struct {
	VAddr  isa.GuestAddr
	PAddr  isa.HostPhysAddr
	Len    uint64
	Rights isa.Access
}

// ScatterEntry is one element of a scatter-gather chain.
type ScatterEntry struct {
	VAddr       isa.GuestAddr
	Len         uint64
	ElementSize uint8
	Endian      isa.Endianness
	Write       bool
}

// ChainID names a registered scatter chain.
type ChainID uint64

// ChainState tracks a chain through its completion flow.
type ChainState int

const (
	ChainRegistered ChainState = iota
	ChainCompleted
)

type chain struct {
	entries []ScatterEntry
	state   ChainState
	written uint64
}

// Resolver translates a guest address for device access; the engine
// wires this to the TLB-backed translation path.
type Resolver func(va isa.GuestAddr, access isa.Access) (isa.HostPhysAddr, isa.Access, error)

// Surface is the device-facing endpoint.
type Surface struct {
	bufSize int
	resolve Resolver

	mu       sync.Mutex
	free     []*Buffer
	inUse    map[BufferHandle]*Buffer
	nextBuf  uint64
	mappings map[isa.GuestAddr]Mapping
	chains   map[ChainID]*chain
	nextChain uint64

	allocated atomic.Uint64
	released  atomic.Uint64
	mapHits   atomic.Uint64
	mapMisses atomic.Uint64
	completed atomic.Uint64
}

// NewSurface builds a surface with the given pooled-buffer size.
func NewSurface(bufSize int, resolve Resolver) *Surface {
	return &Surface{
		bufSize:  bufSize,
		resolve:  resolve,
		inUse:    make(map[BufferHandle]*Buffer),
		mappings: make(map[isa.GuestAddr]Mapping),
		chains:   make(map[ChainID]*chain),
	}
}

// AllocateBuffer takes a buffer from the pool, growing it when empty.
func (s *Surface) AllocateBuffer() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b *Buffer
	if n := len(s.free); n > 0 {
		b = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.nextBuf++
		b = &Buffer{Handle: BufferHandle(s.nextBuf), Data: make([]byte, s.bufSize)}
	}
	s.inUse[b.Handle] = b
	s.allocated.Add(1)
	return b
}

// ReleaseBuffer returns a buffer to the pool.
func (s *Surface) ReleaseBuffer(h BufferHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.inUse[h]
	if !ok {
		return fault.New(fault.KindResourceExhausted, 0, "buffer %d not allocated", h)
	}
	delete(s.inUse, h)
	s.free = append(s.free, b)
	s.released.Add(1)
	return nil
}

// LookupMapping returns the cached translation for va, resolving and
// caching on miss.
func (s *Surface) LookupMapping(va isa.GuestAddr) (Mapping, error) {
	s.mu.Lock()
	m, ok := s.mappings[va.PageBase()]
	s.mu.Unlock()
	if ok {
		s.mapHits.Add(1)
		return m, nil
	}
	s.mapMisses.Add(1)
	if s.resolve == nil {
		return Mapping{}, fault.New(fault.KindPageFault, va, "no resolver")
	}
	pa, rights, err := s.resolve(va.PageBase(), isa.AccessRead)
	if err != nil {
		return Mapping{}, err
	}
	m = Mapping{VAddr: va.PageBase(), PAddr: pa, Len: isa.PageSize, Rights: rights}
	s.CacheMapping(va, m)
	return m, nil
}

// CacheMapping installs a translation into the device-side cache.
func (s *Surface) CacheMapping(va isa.GuestAddr, m Mapping) {
	s.mu.Lock()
	s.mappings[va.PageBase()] = m
	s.mu.Unlock()
}

// InvalidateMappings drops cached device mappings intersecting the
// range; the engine calls it alongside TLB flushes.
func (s *Surface) InvalidateMappings(start, end isa.GuestAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for base, m := range s.mappings {
		if base < end && isa.GuestAddr(uint64(base)+m.Len) > start {
			delete(s.mappings, base)
		}
	}
}

// RegisterChain validates a scatter chain and tracks it until
// completion. Every entry's pages must already resolve.
func (s *Surface) RegisterChain(entries []ScatterEntry) (ChainID, error) {
	if len(entries) == 0 {
		return 0, fault.New(fault.KindResourceExhausted, 0, "empty scatter chain")
	}
	for _, e := range entries {
		access := isa.AccessRead
		if e.Write {
			access = isa.AccessWrite
		}
		for off := uint64(0); off < e.Len; off += isa.PageSize {
			m, err := s.LookupMapping(e.VAddr.Add(off))
			if err != nil {
				return 0, err
			}
			if !m.Rights.Dominates(access) {
				return 0, fault.New(fault.KindPageFault, e.VAddr.Add(off), "chain entry needs %s, page grants %s", access, m.Rights)
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChain++
	id := ChainID(s.nextChain)
	s.chains[id] = &chain{entries: entries}
	return id, nil
}

// CompleteChain marks a chain finished with the number of bytes the
// device produced or consumed, and forgets it.
func (s *Surface) CompleteChain(id ChainID, written uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return fault.New(fault.KindResourceExhausted, 0, "chain %d not registered", id)
	}
	c.state = ChainCompleted
	c.written = written
	delete(s.chains, id)
	s.completed.Add(1)
	return nil
}

// Stats reports the surface's counters.
type Stats struct {
	Allocated uint64
	Released  uint64
	MapHits   uint64
	MapMisses uint64
	Completed uint64
	LiveChains int
}

// Stats returns a counter snapshot.
func (s *Surface) Stats() Stats {
	s.mu.Lock()
	live := len(s.chains)
	s.mu.Unlock()
	return Stats{
		Allocated:  s.allocated.Load(),
		Released:   s.released.Load(),
		MapHits:    s.mapHits.Load(),
		MapMisses:  s.mapMisses.Load(),
		Completed:  s.completed.Load(),
		LiveChains: live,
	}
}
