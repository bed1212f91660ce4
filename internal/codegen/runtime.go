/*
Package codegen lowers IR blocks into host artifacts. Each compilation
consumes an IR block, a register allocation, and a target descriptor, and
produces two coupled representations: encoded host machine code (what
chaining patches operate on) and an entry thunk, the portable path the
dispatcher actually calls. The thunk executes the lowered,
register-allocated form, so allocation mistakes are observable, not
cosmetic.
*/
package codegen

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"sync"

	"crossvm/internal/fault"
	"crossvm/internal/isa"
	"crossvm/internal/mem"
	"crossvm/internal/tlb"
)

// Runtime bundles the services compiled code calls out to: the TLB fast
// path with page-walk refill, guest memory, atomics serialization, and
// the system-instruction handlers.
type Runtime struct {
	Mem mem.Memory
	TLB *tlb.Cache
	// GuestEndian drives byte-swapping when it differs from the host.
	GuestEndian isa.Endianness
	HostEndian  isa.Endianness
	// AlignmentFaults raises a guest trap on misaligned access instead
	// of the split-access fallback.
	AlignmentFaults bool

	// atomicMu serializes guest atomics; the software MMU has no
	// native RMW primitive.
	atomicMu sync.Mutex

	// CSR backs CSR reads and writes; keys are CSR ids.
	csrMu sync.RWMutex
	csr   map[uint32]uint64
}

// NewRuntime builds a runtime over a memory fabric and TLB.
func NewRuntime(m mem.Memory, t *tlb.Cache, guestEndian, hostEndian isa.Endianness, alignFaults bool) *Runtime {
	return &Runtime{
		Mem:             m,
		TLB:             t,
		GuestEndian:     guestEndian,
		HostEndian:      hostEndian,
		AlignmentFaults: alignFaults,
		csr:             make(map[uint32]uint64),
	}
}

// translate is the TLB fast path: lookup, and on miss (or an observed
// in-flight flush) walk the page table and refill.
func (rt *Runtime) translate(va isa.GuestAddr, asid isa.ASID, access isa.Access) (isa.HostPhysAddr, error) {
	if rt.TLB != nil {
		if e, res := rt.TLB.Lookup(va, asid, access); res == tlb.Hit {
			return e.PA + isa.HostPhysAddr(uint64(va)-uint64(e.Base)), nil
		}
	}
	pa, rights, err := rt.Mem.Translate(va, asid, access)
	if err != nil {
		return 0, err
	}
	if rt.TLB != nil {
		rt.TLB.Insert(tlb.Entry{
			Base:   va.PageBase(),
			Size:   isa.PageSize,
			PA:     pa - isa.HostPhysAddr(uint64(va)-uint64(va.PageBase())),
			Rights: rights,
			ASID:   asid,
			State:  tlb.Valid,
		})
	}
	return pa, nil
}

// Load reads size bytes at va. Unaligned accesses either fault (when
// configured) or take the split-access path; cross-endian values are
// swapped after the load.
func (rt *Runtime) Load(va isa.GuestAddr, asid isa.ASID, size uint8) (uint64, error) {
	if !mem.Aligned(va, size) && rt.AlignmentFaults {
		return 0, fault.New(fault.KindUnaligned, va, "unaligned %d-byte load", size)
	}
	var v uint64
	if mem.CrossesPage(va, size) || !mem.Aligned(va, size) {
		var err error
		v, err = rt.loadSplit(va, asid, size)
		if err != nil {
			return 0, err
		}
	} else {
		pa, err := rt.translate(va, asid, isa.AccessRead)
		if err != nil {
			return 0, err
		}
		switch size {
		case 1:
			b, err := rt.Mem.ReadU8(pa)
			if err != nil {
				return 0, err
			}
			v = uint64(b)
		case 2:
			h, err := rt.Mem.ReadU16(pa)
			if err != nil {
				return 0, err
			}
			v = uint64(h)
		case 4:
			w, err := rt.Mem.ReadU32(pa)
			if err != nil {
				return 0, err
			}
			v = uint64(w)
		default:
			d, err := rt.Mem.ReadU64(pa)
			if err != nil {
				return 0, err
			}
			v = d
		}
	}
	if mem.NeedsSwap(rt.GuestEndian, rt.HostEndian) {
		v = mem.Swap(v, size)
	}
	return v, nil
}

// loadSplit performs a byte-wise access for unaligned or page-straddling
// loads; each byte translates independently so a fault lands on the
// exact page.
func (rt *Runtime) loadSplit(va isa.GuestAddr, asid isa.ASID, size uint8) (uint64, error) {
	var v uint64
	for i := uint8(0); i < size; i++ {
		pa, err := rt.translate(va.Add(uint64(i)), asid, isa.AccessRead)
		if err != nil {
			return 0, err
		}
		b, err := rt.Mem.ReadU8(pa)
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// Store writes size bytes at va, mirroring Load's alignment and
// endianness handling.
func (rt *Runtime) Store(va isa.GuestAddr, asid isa.ASID, size uint8, v uint64) error {
	if !mem.Aligned(va, size) && rt.AlignmentFaults {
		return fault.New(fault.KindUnaligned, va, "unaligned %d-byte store", size)
	}
	if mem.NeedsSwap(rt.GuestEndian, rt.HostEndian) {
		v = mem.Swap(v, size)
	}
	if mem.CrossesPage(va, size) || !mem.Aligned(va, size) {
		for i := uint8(0); i < size; i++ {
			pa, err := rt.translate(va.Add(uint64(i)), asid, isa.AccessWrite)
			if err != nil {
				return err
			}
			if err := rt.Mem.WriteU8(pa, uint8(v>>(8*i))); err != nil {
				return err
			}
		}
		return nil
	}
	pa, err := rt.translate(va, asid, isa.AccessWrite)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		return rt.Mem.WriteU8(pa, uint8(v))
	case 2:
		return rt.Mem.WriteU16(pa, uint16(v))
	case 4:
		return rt.Mem.WriteU32(pa, uint32(v))
	default:
		return rt.Mem.WriteU64(pa, v)
	}
}

// AtomicRMW applies op to memory at va and returns the old value. The
// requested ordering maps onto the host as identity; the software path
// serializes through one lock, which satisfies every ordering.
func (rt *Runtime) AtomicRMW(va isa.GuestAddr, asid isa.ASID, size uint8, op func(old uint64) uint64) (uint64, error) {
	rt.atomicMu.Lock()
	defer rt.atomicMu.Unlock()
	old, err := rt.Load(va, asid, size)
	if err != nil {
		return 0, err
	}
	if err := rt.Store(va, asid, size, op(old)); err != nil {
		return 0, err
	}
	return old, nil
}

// AtomicCAS compares memory at va with expected and stores next on a
// match; the old value is returned either way.
func (rt *Runtime) AtomicCAS(va isa.GuestAddr, asid isa.ASID, size uint8, expected, next uint64) (uint64, error) {
	rt.atomicMu.Lock()
	defer rt.atomicMu.Unlock()
	old, err := rt.Load(va, asid, size)
	if err != nil {
		return 0, err
	}
	if old == expected {
		if err := rt.Store(va, asid, size, next); err != nil {
			return 0, err
		}
	}
	return old, nil
}

// ReadCSR returns a control/status register. Unknown CSRs read zero.
func (rt *Runtime) ReadCSR(id uint32) uint64 {
	rt.csrMu.RLock()
	defer rt.csrMu.RUnlock()
	return rt.csr[id]
}

// WriteCSR sets a control/status register.
func (rt *Runtime) WriteCSR(id uint32, v uint64) {
	rt.csrMu.Lock()
	defer rt.csrMu.Unlock()
	rt.csr[id] = v
}

// CPUID returns the guest-visible identification leaf. The values are
// synthetic: the guest sees the translator, not the host silicon.
func (rt *Runtime) CPUID(leaf uint64) [4]uint64 {
	switch leaf {
	case 0:
		return [4]uint64{1, 0x786f7263, 0x6d76_7373, 0x3436}
	case 1:
		return [4]uint64{0x000906A0, 0, 0, 0}
	default:
		return [4]uint64{}
	}
}

// FlushTLB drops the translation covering va across all address spaces
// and completes the flush before returning.
func (rt *Runtime) FlushTLB(va isa.GuestAddr) {
	if rt.TLB == nil {
		return
	}
	rt.TLB.FlushOne(va)
	rt.TLB.Barrier()
}
