// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package run

import (
	"crossvm/internal/config"
	"crossvm/internal/engine"
	"crossvm/internal/fault"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
)

// The built-in workload: a counting loop that hammers the tier cache,
// the TLB (one load and one store per iteration), and the branch
// chaining path. It stands in for a decoder front-end, which is outside
// the execution core.
const (
	workloadEntry = isa.GuestAddr(0x10000)
	loopPC        = isa.GuestAddr(0x10010)
	exitPC        = isa.GuestAddr(0x10020)
	dataPage      = isa.GuestAddr(0x20000)
)

type workload struct {
	blocks map[isa.GuestAddr]*ir.Block
}

func newWorkload(cfg config.Config, iterations int64) *workload {
	return &workload{blocks: map[isa.GuestAddr]*ir.Block{
		workloadEntry: {
			StartPC: workloadEntry,
			Ops: []ir.Op{
				{Kind: ir.OpMovImm, Dst: 5, Imm: iterations},
				{Kind: ir.OpMovImm, Dst: 9, Imm: int64(dataPage)},
				{Kind: ir.OpMovImm, Dst: 10, Imm: 0}, // accumulator
			},
			Term:       ir.Terminator{Kind: ir.TermFallThrough},
			GuestBytes: 0x10,
		},
		loopPC: {
			StartPC: loopPC,
			Ops: []ir.Op{
				{Kind: ir.OpLoad, Dst: 11, Src1: 9, Size: 8},
				{Kind: ir.OpAdd, Dst: 11, Src1: 11, Src2: 5},
				{Kind: ir.OpStore, Src1: 9, Src2: 11, Size: 8},
				{Kind: ir.OpAdd, Dst: 10, Src1: 10, Src2: 11},
				{Kind: ir.OpMovImm, Dst: 6, Imm: 1},
				{Kind: ir.OpSub, Dst: 5, Src1: 5, Src2: 6},
				{Kind: ir.OpMovImm, Dst: 7, Imm: 0},
				{Kind: ir.OpCmp, Dst: 8, Src1: 5, Src2: 7, Cond: ir.CondNE},
			},
			Term:       ir.Terminator{Kind: ir.TermBranch, Cond: 8, Taken: loopPC, NotTaken: exitPC},
			GuestBytes: 0x10,
		},
		exitPC: {
			StartPC:    exitPC,
			Ops:        []ir.Op{{Kind: ir.OpNop}},
			Term:       ir.Terminator{Kind: ir.TermReturn},
			GuestBytes: 0x10,
		},
	}}
}

// install maps the workload's data page into the engine's MMU.
func (w *workload) install(e *engine.Engine) {
	e.Memory().Map(1, dataPage, isa.AccessRead|isa.AccessWrite)
}

// BlockAt implements engine.BlockSource.
func (w *workload) BlockAt(pc isa.GuestAddr, asid isa.ASID) (*ir.Block, error) {
	b, ok := w.blocks[pc]
	if !ok {
		return nil, fault.New(fault.KindDecode, pc, "no instruction bytes")
	}
	return b, nil
}
