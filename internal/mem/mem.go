/*
Package mem provides the memory fabric capability the execution core runs
against: physical byte access, guest virtual-to-physical translation via a
software page table, and the alignment/endianness helpers the code
generator and interpreter share.
*/
package mem

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"encoding/binary"
	"sync"

	"crossvm/internal/fault"
	"crossvm/internal/isa"
)

// Memory is the capability the core holds. Physical accesses never assume
// contiguity across page boundaries; Translate resolves one page at a
// time.
type Memory interface {
	ReadU8(pa isa.HostPhysAddr) (uint8, error)
	ReadU16(pa isa.HostPhysAddr) (uint16, error)
	ReadU32(pa isa.HostPhysAddr) (uint32, error)
	ReadU64(pa isa.HostPhysAddr) (uint64, error)
	WriteU8(pa isa.HostPhysAddr, v uint8) error
	WriteU16(pa isa.HostPhysAddr, v uint16) error
	WriteU32(pa isa.HostPhysAddr, v uint32) error
	WriteU64(pa isa.HostPhysAddr, v uint64) error
	// Translate walks the page table. On success it returns the
	// physical address and the full rights of the containing page; the
	// rights always dominate the requested access.
	Translate(va isa.GuestAddr, asid isa.ASID, access isa.Access) (isa.HostPhysAddr, isa.Access, error)
}

type mapping struct {
	pa     isa.HostPhysAddr
	rights isa.Access
}

// SoftMMU is an in-memory Memory implementation backed by sparse 4KiB
// pages and a per-ASID software page table. It is safe for concurrent
// use.
type SoftMMU struct {
	mu     sync.RWMutex
	pages  map[isa.HostPhysAddr]*[isa.PageSize]byte
	tables map[isa.ASID]map[isa.GuestAddr]mapping
	nextPA isa.HostPhysAddr
}

// NewSoftMMU returns an empty software MMU.
func NewSoftMMU() *SoftMMU {
	return &SoftMMU{
		pages:  make(map[isa.HostPhysAddr]*[isa.PageSize]byte),
		tables: make(map[isa.ASID]map[isa.GuestAddr]mapping),
		nextPA: isa.PageSize, // keep physical page zero unmapped
	}
}

// Map installs a guest page for asid with the given rights, allocating a
// fresh physical page, and returns its physical base.
func (m *SoftMMU) Map(asid isa.ASID, va isa.GuestAddr, rights isa.Access) isa.HostPhysAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := va.PageBase()
	table, ok := m.tables[asid]
	if !ok {
		table = make(map[isa.GuestAddr]mapping)
		m.tables[asid] = table
	}
	if mp, ok := table[base]; ok {
		mp.rights = rights
		table[base] = mp
		return mp.pa
	}
	pa := m.nextPA
	m.nextPA += isa.PageSize
	m.pages[pa] = new([isa.PageSize]byte)
	table[base] = mapping{pa: pa, rights: rights}
	return pa
}

// Unmap removes a guest page mapping. The backing page survives until
// every mapping to it is gone; callers flush their TLBs themselves.
func (m *SoftMMU) Unmap(asid isa.ASID, va isa.GuestAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if table, ok := m.tables[asid]; ok {
		delete(table, va.PageBase())
	}
}

// Translate implements Memory.
func (m *SoftMMU) Translate(va isa.GuestAddr, asid isa.ASID, access isa.Access) (isa.HostPhysAddr, isa.Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.tables[asid]
	if !ok {
		return 0, 0, fault.New(fault.KindPageFault, va, "no address space %d", asid)
	}
	mp, ok := table[va.PageBase()]
	if !ok {
		return 0, 0, fault.New(fault.KindPageFault, va, "unmapped page")
	}
	if !mp.rights.Dominates(access) {
		return 0, 0, fault.New(fault.KindPageFault, va, "access %s exceeds rights %s", access, mp.rights)
	}
	return mp.pa + isa.HostPhysAddr(uint64(va)&(isa.PageSize-1)), mp.rights, nil
}

func (m *SoftMMU) page(pa isa.HostPhysAddr) (*[isa.PageSize]byte, uint64, error) {
	base := pa &^ (isa.PageSize - 1)
	p, ok := m.pages[base]
	if !ok {
		return nil, 0, fault.New(fault.KindPageFault, 0, "physical address %#x not backed", uint64(pa))
	}
	return p, uint64(pa) & (isa.PageSize - 1), nil
}

// readBytes copies n bytes starting at pa into buf, crossing page
// boundaries one page at a time.
func (m *SoftMMU) readBytes(pa isa.HostPhysAddr, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for len(buf) > 0 {
		p, off, err := m.page(pa)
		if err != nil {
			return err
		}
		n := copy(buf, p[off:])
		buf = buf[n:]
		pa += isa.HostPhysAddr(n)
	}
	return nil
}

func (m *SoftMMU) writeBytes(pa isa.HostPhysAddr, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(buf) > 0 {
		p, off, err := m.page(pa)
		if err != nil {
			return err
		}
		n := copy(p[off:], buf)
		buf = buf[n:]
		pa += isa.HostPhysAddr(n)
	}
	return nil
}

// ReadU8 implements Memory.
func (m *SoftMMU) ReadU8(pa isa.HostPhysAddr) (uint8, error) {
	var b [1]byte
	if err := m.readBytes(pa, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 implements Memory.
func (m *SoftMMU) ReadU16(pa isa.HostPhysAddr) (uint16, error) {
	var b [2]byte
	if err := m.readBytes(pa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 implements Memory.
func (m *SoftMMU) ReadU32(pa isa.HostPhysAddr) (uint32, error) {
	var b [4]byte
	if err := m.readBytes(pa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64 implements Memory.
func (m *SoftMMU) ReadU64(pa isa.HostPhysAddr) (uint64, error) {
	var b [8]byte
	if err := m.readBytes(pa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteU8 implements Memory.
func (m *SoftMMU) WriteU8(pa isa.HostPhysAddr, v uint8) error {
	return m.writeBytes(pa, []byte{v})
}

// WriteU16 implements Memory.
func (m *SoftMMU) WriteU16(pa isa.HostPhysAddr, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.writeBytes(pa, b[:])
}

// WriteU32 implements Memory.
func (m *SoftMMU) WriteU32(pa isa.HostPhysAddr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.writeBytes(pa, b[:])
}

// WriteU64 implements Memory.
func (m *SoftMMU) WriteU64(pa isa.HostPhysAddr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.writeBytes(pa, b[:])
}
