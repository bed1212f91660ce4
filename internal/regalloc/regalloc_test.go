package regalloc

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossvm/internal/config"
	"crossvm/internal/ir"
)

func allocCfg(strategy string, k int) config.RegAlloc {
	return config.RegAlloc{Strategy: strategy, PhysicalRegisters: k, GraphColoringMinOps: 50}
}

// chainOps builds n ops where op i defines reg i from regs i-1 and i-2;
// lifetimes overlap pairwise but pressure stays low.
func chainOps(n int) []ir.Op {
	ops := []ir.Op{
		{Kind: ir.OpMovImm, Dst: 0, Imm: 1},
		{Kind: ir.OpMovImm, Dst: 1, Imm: 2},
	}
	for i := 2; i < n; i++ {
		ops = append(ops, ir.Op{Kind: ir.OpAdd, Dst: ir.RegID(i), Src1: ir.RegID(i - 1), Src2: ir.RegID(i - 2)})
	}
	return ops
}

// pressureOps makes all n registers live at once: n defs followed by one
// consumer chain reading them all.
func pressureOps(n int) []ir.Op {
	var ops []ir.Op
	for i := 0; i < n; i++ {
		ops = append(ops, ir.Op{Kind: ir.OpMovImm, Dst: ir.RegID(i), Imm: int64(i)})
	}
	for i := 1; i < n; i++ {
		ops = append(ops, ir.Op{Kind: ir.OpAdd, Dst: ir.RegID(n + i), Src1: ir.RegID(i - 1), Src2: ir.RegID(i)})
	}
	return ops
}

func TestNewStrategies(t *testing.T) {
	for _, s := range []string{"linear", "graph", "hybrid"} {
		a, err := New(allocCfg(s, 8))
		require.NoError(t, err)
		require.NotNil(t, a)
	}
	_, err := New(allocCfg("random", 8))
	assert.Error(t, err)
}

func TestLinearScanSimple(t *testing.T) {
	a, err := New(allocCfg("linear", 8))
	require.NoError(t, err)

	ops := []ir.Op{
		{Kind: ir.OpMovImm, Dst: 1, Imm: 10},
		{Kind: ir.OpMovImm, Dst: 2, Imm: 20},
		{Kind: ir.OpAdd, Dst: 3, Src1: 1, Src2: 2},
	}
	term := &ir.Terminator{Kind: ir.TermReturn}
	res, err := a.Allocate(ops, term)
	require.NoError(t, err)

	assert.Equal(t, "linear_scan", res.Algorithm)
	assert.Len(t, res.Alloc, 3)
	assert.Zero(t, res.Spills)
	require.NoError(t, Verify(ops, term, res))
}

func TestLinearScanSpillsUnderPressure(t *testing.T) {
	const k = 4
	a, err := New(allocCfg("linear", k))
	require.NoError(t, err)

	ops := pressureOps(10)
	res, err := a.Allocate(ops, nil)
	require.NoError(t, err)

	// n simultaneously live registers with k physical ones spill at
	// least n-k times.
	assert.GreaterOrEqual(t, res.Spills, 10-k)
	require.NoError(t, Verify(ops, nil, res))
}

func TestLinearScanReusesExpiredRegisters(t *testing.T) {
	a, err := New(allocCfg("linear", 3))
	require.NoError(t, err)

	ops := chainOps(40)
	res, err := a.Allocate(ops, nil)
	require.NoError(t, err)
	require.NoError(t, Verify(ops, nil, res))
	assert.LessOrEqual(t, res.Spills, 1, "pairwise pressure fits three registers")
}

func TestGraphColouringSimple(t *testing.T) {
	a, err := New(allocCfg("graph", 8))
	require.NoError(t, err)

	ops := []ir.Op{
		{Kind: ir.OpMovImm, Dst: 1, Imm: 10},
		{Kind: ir.OpMovImm, Dst: 2, Imm: 20},
		{Kind: ir.OpAdd, Dst: 3, Src1: 1, Src2: 2},
	}
	res, err := a.Allocate(ops, nil)
	require.NoError(t, err)
	assert.Equal(t, "graph_coloring", res.Algorithm)
	require.NoError(t, Verify(ops, nil, res))

	// regs 1 and 2 interfere, so their host registers differ
	assert.NotEqual(t, res.Alloc[1].Reg, res.Alloc[2].Reg)
}

func TestGraphColouringSpillForcing(t *testing.T) {
	const k = 5
	a, err := New(allocCfg("graph", k))
	require.NoError(t, err)

	// 32 registers all live at the same instruction index.
	ops := pressureOps(32)
	res, err := a.Allocate(ops, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Spills, 32-k)
	require.NoError(t, Verify(ops, nil, res))

	spilled := 0
	for _, al := range res.Alloc {
		if al.Spilled {
			spilled++
		}
	}
	assert.GreaterOrEqual(t, spilled, 32-k)
}

func TestGraphColouringCoalescesMoves(t *testing.T) {
	a, err := New(allocCfg("graph", 8))
	require.NoError(t, err)

	// reg 2 is a pure copy of reg 1 with a disjoint lifetime: the
	// pair coalesces onto one host register.
	ops := []ir.Op{
		{Kind: ir.OpMovImm, Dst: 1, Imm: 10},
		{Kind: ir.OpMov, Dst: 2, Src1: 1},
		{Kind: ir.OpAdd, Dst: 3, Src1: 2, Src2: 2},
	}
	res, err := a.Allocate(ops, nil)
	require.NoError(t, err)
	require.NoError(t, Verify(ops, nil, res))
	assert.Equal(t, res.Alloc[1], res.Alloc[2], "coalesced pair shares a mapping")
}

func TestDeterministicResults(t *testing.T) {
	for _, s := range []string{"linear", "graph"} {
		t.Run(s, func(t *testing.T) {
			a, err := New(allocCfg(s, 6))
			require.NoError(t, err)
			ops := pressureOps(20)
			first, err := a.Allocate(ops, nil)
			require.NoError(t, err)
			for i := 0; i < 5; i++ {
				again, err := a.Allocate(ops, nil)
				require.NoError(t, err)
				assert.Equal(t, first.Alloc, again.Alloc)
				assert.Equal(t, first.Spills, again.Spills)
			}
		})
	}
}

func TestNoDoubleSpill(t *testing.T) {
	a, err := New(allocCfg("graph", 4))
	require.NoError(t, err)

	ops := pressureOps(16)
	res, err := a.Allocate(ops, nil)
	require.NoError(t, err)

	seen := map[int32]ir.RegID{}
	for reg, al := range res.Alloc {
		if !al.Spilled {
			continue
		}
		if prev, dup := seen[al.StackOffset]; dup {
			// a shared slot is only legal for coalesced copies, which
			// pressureOps never produces
			t.Fatalf("registers %d and %d share spill slot %d", prev, reg, al.StackOffset)
		}
		seen[al.StackOffset] = reg
	}
	assert.Equal(t, res.SpillBytes, len(seen)*8)
}

func TestHybridSelection(t *testing.T) {
	a, err := New(allocCfg("hybrid", 8))
	require.NoError(t, err)

	small, err := a.Allocate(chainOps(10), nil)
	require.NoError(t, err)
	assert.Equal(t, "linear_scan", small.Algorithm)

	large, err := a.Allocate(chainOps(80), nil)
	require.NoError(t, err)
	assert.Equal(t, "graph_coloring", large.Algorithm)
}

func TestTerminatorExtendsLiveness(t *testing.T) {
	a, err := New(allocCfg("linear", 4))
	require.NoError(t, err)

	ops := []ir.Op{
		{Kind: ir.OpMovImm, Dst: 1, Imm: 0},
		{Kind: ir.OpMovImm, Dst: 2, Imm: 1},
	}
	term := &ir.Terminator{Kind: ir.TermBranch, Cond: 1, Taken: 0x2100, NotTaken: 0x2200}
	res, err := a.Allocate(ops, term)
	require.NoError(t, err)
	require.NoError(t, Verify(ops, term, res))
	// the branch condition register must be mapped
	_, ok := res.Alloc[1]
	assert.True(t, ok)
}
