package interp

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossvm/internal/codegen"
	"crossvm/internal/config"
	"crossvm/internal/guest"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
	"crossvm/internal/mem"
	"crossvm/internal/tlb"
)

func newInterp(t *testing.T) (*Interpreter, *mem.SoftMMU) {
	t.Helper()
	m := mem.NewSoftMMU()
	cache := tlb.New(config.TLB{Capacity: 64, Shards: 4, HotFrequency: 1 << 62, PrefetchWindow: 1}, m.Translate)
	t.Cleanup(cache.Close)
	rt := codegen.NewRuntime(m, cache, isa.LittleEndian, isa.LittleEndian, false)
	return New(rt), m
}

func TestArithmeticAndTemporaries(t *testing.T) {
	ip, _ := newInterp(t)
	b := &ir.Block{
		StartPC: 0x1000,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 10},
			{Kind: ir.OpMovImm, Dst: 40, Imm: 20}, // compiler temporary
			{Kind: ir.OpAdd, Dst: 3, Src1: 1, Src2: 40},
		},
		Term:       ir.Terminator{Kind: ir.TermReturn},
		GuestBytes: 12,
	}
	st := &guest.State{PC: 0x1000}
	ex := ip.Run(b, st)
	assert.Equal(t, guest.ExitDone, ex.Kind)
	assert.Equal(t, uint64(30), st.GP[3])
	assert.Equal(t, uint64(0), st.GP[31], "temporaries never leak into the guest file")
}

func TestBranchEdges(t *testing.T) {
	ip, _ := newInterp(t)
	b := &ir.Block{
		StartPC: 0x2000,
		Ops: []ir.Op{
			{Kind: ir.OpCmp, Dst: 4, Src1: 1, Src2: 2, Cond: ir.CondLTU},
		},
		Term:       ir.Terminator{Kind: ir.TermBranch, Cond: 4, Taken: 0x2100, NotTaken: 0x2200},
		GuestBytes: 4,
	}
	st := &guest.State{PC: 0x2000}
	st.GP[1], st.GP[2] = 1, 2
	ex := ip.Run(b, st)
	assert.Equal(t, isa.GuestAddr(0x2100), ex.NextPC)
	assert.Equal(t, guest.EdgeTaken, ex.Edge)
}

func TestMemoryAndTraps(t *testing.T) {
	ip, m := newInterp(t)
	m.Map(1, 0x8000, isa.AccessRead|isa.AccessWrite)

	store := &ir.Block{
		StartPC: 0x1000,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 0x8008},
			{Kind: ir.OpMovImm, Dst: 2, Imm: 0x77},
			{Kind: ir.OpStore, Src1: 1, Src2: 2, Size: 4},
			{Kind: ir.OpLoad, Dst: 3, Src1: 1, Size: 4},
		},
		Term:       ir.Terminator{Kind: ir.TermReturn},
		GuestBytes: 16,
	}
	st := &guest.State{PC: 0x1000, ASID: 1}
	ex := ip.Run(store, st)
	require.Equal(t, guest.ExitDone, ex.Kind)
	assert.Equal(t, uint64(0x77), st.GP[3])

	faulting := &ir.Block{
		StartPC: 0x1100,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 0xff000000},
			{Kind: ir.OpLoad, Dst: 2, Src1: 1, Size: 8},
		},
		Term:       ir.Terminator{Kind: ir.TermReturn},
		GuestBytes: 8,
	}
	st2 := &guest.State{PC: 0x1100, ASID: 1}
	ex = ip.Run(faulting, st2)
	assert.Equal(t, guest.ExitTrap, ex.Kind)
	assert.Equal(t, uint32(14), ex.TrapCode)
}

func TestDivideByZeroTraps(t *testing.T) {
	ip, _ := newInterp(t)
	b := &ir.Block{
		StartPC: 0x1000,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 9},
			{Kind: ir.OpMovImm, Dst: 2, Imm: 0},
			{Kind: ir.OpDiv, Dst: 3, Src1: 1, Src2: 2},
		},
		Term:       ir.Terminator{Kind: ir.TermReturn},
		GuestBytes: 12,
	}
	ex := ip.Run(b, &guest.State{PC: 0x1000})
	assert.Equal(t, guest.ExitTrap, ex.Kind)
	assert.Equal(t, uint32(0), ex.TrapCode)
}
