/*
Package regalloc maps IR virtual registers onto host registers and spill
slots. Two strategies feed one consumer: linear scan for small blocks,
graph colouring with coalescing for large ones; the hybrid allocator
picks per block. Results are deterministic for identical input, which
the fingerprint-keyed caches depend on.
*/
package regalloc

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"sort"

	"crossvm/internal/config"
	"crossvm/internal/ir"
)

// Allocation is where one IR register lives for the block's lifetime.
type Allocation struct {
	// Reg is a host register index when Spilled is false.
	Reg int
	// StackOffset is a negative frame offset when Spilled is true.
	StackOffset int32
	Spilled     bool
}

// Result is the uniform allocator output the code generator consumes.
type Result struct {
	Alloc map[ir.RegID]Allocation
	// SpillBytes is the frame area the spilled registers occupy.
	SpillBytes int
	Spills     int
	Allocated  int
	Algorithm  string
}

// Allocator is the strategy boundary; runtime polymorphism stops here.
type Allocator interface {
	Allocate(ops []ir.Op, term *ir.Terminator) (Result, error)
	Name() string
}

// New builds the configured allocator.
func New(cfg config.RegAlloc) (Allocator, error) {
	switch cfg.Strategy {
	case "linear":
		return &linearScan{k: cfg.PhysicalRegisters}, nil
	case "graph":
		return &graphColouring{k: cfg.PhysicalRegisters}, nil
	case "hybrid":
		minOps := cfg.GraphColoringMinOps
		if minOps <= 0 {
			minOps = 50
		}
		return &hybrid{
			linear: &linearScan{k: cfg.PhysicalRegisters},
			graph:  &graphColouring{k: cfg.PhysicalRegisters},
			minOps: minOps,
		}, nil
	default:
		return nil, fmt.Errorf("unknown register allocation strategy %q", cfg.Strategy)
	}
}

// hybrid selects linear scan below the op-count cutoff and graph
// colouring at or above it.
type hybrid struct {
	linear *linearScan
	graph  *graphColouring
	minOps int
}

func (h *hybrid) Name() string { return "hybrid" }

func (h *hybrid) Allocate(ops []ir.Op, term *ir.Terminator) (Result, error) {
	if len(ops) < h.minOps {
		return h.linear.Allocate(ops, term)
	}
	return h.graph.Allocate(ops, term)
}

// interval is the live range of one virtual register within a single
// compilation.
type interval struct {
	reg   ir.RegID
	start int
	end   int
	freq  uint64
}

// liveIntervals scans the block once and produces one interval per
// register, sorted by start position then register id so the result is
// deterministic. Terminator reads extend intervals to the block's end.
func liveIntervals(ops []ir.Op, term *ir.Terminator) []interval {
	type span struct {
		start, end int
		freq       uint64
		seen       bool
	}
	spans := map[ir.RegID]*span{}
	var scratch []ir.RegID

	touch := func(reg ir.RegID, pos int) {
		s, ok := spans[reg]
		if !ok {
			s = &span{start: pos, end: pos}
			spans[reg] = s
		}
		if pos < s.start {
			s.start = pos
		}
		if pos > s.end {
			s.end = pos
		}
		s.freq++
	}

	for i := range ops {
		scratch = ops[i].ReadRegs(scratch[:0])
		for _, r := range scratch {
			touch(r, i)
		}
		scratch = ops[i].WrittenRegs(scratch[:0])
		for _, r := range scratch {
			touch(r, i)
		}
	}
	if term != nil {
		scratch = term.ReadRegs(scratch[:0])
		for _, r := range scratch {
			touch(r, len(ops))
		}
	}

	out := make([]interval, 0, len(spans))
	for reg, s := range spans {
		out = append(out, interval{reg: reg, start: s.start, end: s.end, freq: s.freq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].reg < out[j].reg
	})
	return out
}

// overlaps reports whether two intervals are simultaneously live.
func overlaps(a, b *interval) bool {
	return a.start <= b.end && b.start <= a.end
}

// moveConnected reports whether a reg-to-reg copy links the pair in
// either direction.
func moveConnected(ops []ir.Op, a, b ir.RegID) bool {
	for i := range ops {
		if !ops[i].IsMove() {
			continue
		}
		if (ops[i].Dst == a && ops[i].Src1 == b) || (ops[i].Dst == b && ops[i].Src1 == a) {
			return true
		}
	}
	return false
}

// frame hands out monotonically growing negative spill offsets. Each
// register receives at most one slot per compilation.
type frame struct {
	next int32
}

func (f *frame) slot() int32 {
	f.next -= 8
	return f.next
}

func (f *frame) bytes() int { return int(-f.next) }

// Verify checks the allocator contract: every register mapped, no two
// interfering registers sharing a host register. Tests and the debug
// path use it.
func Verify(ops []ir.Op, term *ir.Terminator, res Result) error {
	ivs := liveIntervals(ops, term)
	byReg := map[ir.RegID]*interval{}
	for i := range ivs {
		byReg[ivs[i].reg] = &ivs[i]
	}
	for reg := range byReg {
		if _, ok := res.Alloc[reg]; !ok {
			return fmt.Errorf("register %d unmapped", reg)
		}
	}
	for i := range ivs {
		for j := i + 1; j < len(ivs); j++ {
			if !overlaps(&ivs[i], &ivs[j]) {
				continue
			}
			ai, aj := res.Alloc[ivs[i].reg], res.Alloc[ivs[j].reg]
			if ai == aj && moveConnected(ops, ivs[i].reg, ivs[j].reg) {
				// coalesced copies legitimately share a location
				continue
			}
			if !ai.Spilled && !aj.Spilled && ai.Reg == aj.Reg {
				return fmt.Errorf("interfering registers %d and %d share host register %d",
					ivs[i].reg, ivs[j].reg, ai.Reg)
			}
			if ai.Spilled && aj.Spilled && ai.StackOffset == aj.StackOffset {
				return fmt.Errorf("interfering registers %d and %d share stack slot %d",
					ivs[i].reg, ivs[j].reg, ai.StackOffset)
			}
		}
	}
	return nil
}
