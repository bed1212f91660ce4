// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package codegen

import (
	"log/slog"

	"crossvm/internal/artifact"
	"crossvm/internal/fault"
	"crossvm/internal/guest"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
	"crossvm/internal/regalloc"
)

// Backend is the strategy boundary the precompiler and dispatcher
// compile through; the test placeholder implements it too.
type Backend interface {
	Compile(b *ir.Block, level uint8, simd bool) (*artifact.Artifact, error)
}

// Generator is the real backend: register allocation, lowering, host
// encoding.
type Generator struct {
	target isa.Target
	rt     *Runtime
	alloc  regalloc.Allocator
}

// NewGenerator builds a backend for one host target.
func NewGenerator(target isa.Target, rt *Runtime, alloc regalloc.Allocator) *Generator {
	return &Generator{target: target, rt: rt, alloc: alloc}
}

// Compile lowers one block into an artifact. The artifact carries the
// encoded host bytes, the descriptor, and the entry thunk.
func (g *Generator) Compile(b *ir.Block, level uint8, simd bool) (*artifact.Artifact, error) {
	// Guest-aliased registers are loaded on entry and stored on exit, so
	// self-moves before and after the ops keep them live the whole block.
	var regs []ir.RegID
	for i := range b.Ops {
		regs = b.Ops[i].WrittenRegs(b.Ops[i].ReadRegs(regs))
	}
	var bracket []ir.Op
	seen := map[ir.RegID]bool{}
	for _, r := range b.Term.ReadRegs(regs) {
		if int(r) < guest.RegCount && !seen[r] {
			seen[r] = true
			bracket = append(bracket, ir.Op{Kind: ir.OpMov, Dst: r, Src1: r})
		}
	}
	allocOps := append(append(append([]ir.Op(nil), bracket...), b.Ops...), bracket...)
	allocRes, err := g.alloc.Allocate(allocOps, &b.Term)
	if err != nil {
		return nil, fault.Wrap(fault.KindCompile, b.StartPC, err)
	}
	lw, err := lower(b, allocRes, g.target)
	if err != nil {
		return nil, err
	}
	code, err := encodeBlock(b, allocRes, g.target)
	if err != nil {
		return nil, err
	}

	thunk := g.buildThunk(b, lw)
	desc := artifact.Descriptor{
		SpillBytes: allocRes.SpillBytes,
		RegMap:     make(map[uint32]artifact.Location, len(allocRes.Alloc)),
		Level:      level,
		SIMD:       simd,
	}
	for reg, a := range allocRes.Alloc {
		desc.RegMap[uint32(reg)] = artifact.Location{
			Reg:        int16(a.Reg),
			SlotOffset: a.StackOffset,
			Spilled:    a.Spilled,
		}
	}

	fp := ir.FingerprintOf(b, ir.FingerprintConfig{Target: g.target, OptLevel: level, EnableSIMD: simd})
	a, err := artifact.New(b.StartPC, b.GuestBytes, fp, code, desc, thunk)
	if err != nil {
		return nil, fault.Wrap(fault.KindCompile, b.StartPC, err)
	}
	slog.Debug("compiled block",
		slog.String("pc", b.StartPC.String()),
		slog.Int("ops", len(b.Ops)),
		slog.Int("code_bytes", len(code)),
		slog.String("allocator", allocRes.Algorithm),
		slog.Int("spills", allocRes.Spills))
	return a, nil
}

// buildThunk wires the lowered steps to the guest register file. IR
// registers below guest.RegCount alias the architectural GP file; the
// thunk loads them into their allocated locations on entry and stores
// the written ones back on every exit path.
func (g *Generator) buildThunk(b *ir.Block, lw *lowering) artifact.Thunk {
	type pair struct {
		guestReg int
		l        loc
	}
	var live, dirty []pair
	written := map[ir.RegID]bool{}
	var scratch []ir.RegID
	for i := range b.Ops {
		scratch = b.Ops[i].WrittenRegs(scratch[:0])
		for _, r := range scratch {
			written[r] = true
		}
	}
	for reg, l := range lw.locs {
		if int(reg) < guest.RegCount {
			live = append(live, pair{guestReg: int(reg), l: l})
			if written[reg] {
				dirty = append(dirty, pair{guestReg: int(reg), l: l})
			}
		}
	}

	steps := lw.steps
	term := b.Term
	endPC := b.EndPC()
	var condLoc, targetLoc loc
	if term.Kind == ir.TermBranch {
		condLoc = lw.locs[term.Cond]
	}
	if term.Kind == ir.TermIndirect {
		targetLoc = lw.locs[term.Target]
	}
	k, frameSz := lw.k, lw.frameSz
	cycles := uint64(len(steps) + 1)

	return func(st *guest.State) guest.Exit {
		e := &env{regs: make([]uint64, k), frame: make([]uint64, frameSz)}
		for _, p := range live {
			e.set(p.l, st.GP[p.guestReg])
		}

		writeback := func() {
			for _, p := range dirty {
				st.GP[p.guestReg] = e.get(p.l)
			}
		}

		for i, s := range steps {
			if ex := s(st, e, g.rt); ex != nil {
				writeback()
				st.Instructions += uint64(i + 1)
				return *ex
			}
		}
		writeback()
		st.Instructions += cycles

		switch term.Kind {
		case ir.TermBranch:
			if condLoc.present && e.get(condLoc) != 0 {
				ex := guest.Continue(term.Taken, cycles)
				ex.Edge = guest.EdgeTaken
				return ex
			}
			ex := guest.Continue(term.NotTaken, cycles)
			ex.Edge = guest.EdgeFallThrough
			return ex
		case ir.TermIndirect:
			if targetLoc.present {
				return guest.Continue(isa.GuestAddr(e.get(targetLoc)), cycles)
			}
			return guest.Fault(fault.New(fault.KindCompile, st.PC, "indirect target register unallocated"))
		case ir.TermReturn:
			return guest.Exit{Kind: guest.ExitDone, NextPC: endPC, Cycles: cycles}
		case ir.TermTrap:
			return guest.Trap(term.Code, cycles)
		default:
			return guest.Continue(endPC, cycles)
		}
	}
}
