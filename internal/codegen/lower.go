// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package codegen

import (
	"crossvm/internal/fault"
	"crossvm/internal/guest"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
	"crossvm/internal/regalloc"
)

// loc is a resolved operand location inside the thunk's execution
// environment.
type loc struct {
	reg     int
	slot    int // frame index, -1 when in a register
	present bool
}

// env is the per-invocation execution environment of a thunk: the
// simulated host register file plus the spill frame. The guest register
// file is loaded on entry and stored back on exit, so misallocation
// corrupts results instead of hiding.
type env struct {
	regs  []uint64
	frame []uint64
}

func (e *env) get(l loc) uint64 {
	if l.slot >= 0 {
		return e.frame[l.slot]
	}
	return e.regs[l.reg]
}

func (e *env) set(l loc, v uint64) {
	if l.slot >= 0 {
		e.frame[l.slot] = v
		return
	}
	e.regs[l.reg] = v
}

// step executes one lowered operation. A non-nil return exits the
// block early.
type step func(st *guest.State, e *env, rt *Runtime) *guest.Exit

// lowering is the shared product of one compilation pass: the thunk
// steps and the resolved locations, which the encoder walks again for
// the host bytes.
type lowering struct {
	locs    map[ir.RegID]loc
	steps   []step
	frameSz int
	k       int
}

func resolveLocs(alloc regalloc.Result, k int) (map[ir.RegID]loc, int) {
	locs := make(map[ir.RegID]loc, len(alloc.Alloc))
	frameSz := alloc.SpillBytes / 8
	for reg, a := range alloc.Alloc {
		if a.Spilled {
			locs[reg] = loc{slot: int(-a.StackOffset)/8 - 1, present: true}
		} else {
			locs[reg] = loc{reg: a.Reg, slot: -1, present: true}
		}
	}
	return locs, frameSz
}

// lower builds the executable steps for a block. Every IR op becomes
// one step; vector ops wider than 64 bits fan out chunk-wise inside
// their step.
func lower(b *ir.Block, alloc regalloc.Result, target isa.Target) (*lowering, error) {
	lw := &lowering{k: target.PhysRegs}
	lw.locs, lw.frameSz = resolveLocs(alloc, target.PhysRegs)

	at := func(r ir.RegID) (loc, error) {
		l, ok := lw.locs[r]
		if !ok {
			return loc{}, fault.New(fault.KindCompile, b.StartPC, "register %d has no allocation", r)
		}
		return l, nil
	}

	for i := range b.Ops {
		op := b.Ops[i]
		s, err := lowerOp(&op, at, b.StartPC)
		if err != nil {
			return nil, err
		}
		if s != nil {
			lw.steps = append(lw.steps, s)
		}
	}
	return lw, nil
}

func lowerOp(op *ir.Op, at func(ir.RegID) (loc, error), pc isa.GuestAddr) (step, error) {
	switch op.Kind {
	case ir.OpNop:
		// keep a step so cycle accounting matches the interpreter
		return func(*guest.State, *env, *Runtime) *guest.Exit { return nil }, nil

	case ir.OpMovImm:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		imm := uint64(op.Imm)
		return func(_ *guest.State, e *env, _ *Runtime) *guest.Exit {
			e.set(dst, imm)
			return nil
		}, nil

	case ir.OpMov:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		src, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		return func(_ *guest.State, e *env, _ *Runtime) *guest.Exit {
			e.set(dst, e.get(src))
			return nil
		}, nil

	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpAnd, ir.OpOr, ir.OpXor,
		ir.OpShl, ir.OpShr, ir.OpSar:
		return lowerALU(op, at, pc)

	case ir.OpCmp:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		a, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		bl, err := at(op.Src2)
		if err != nil {
			return nil, err
		}
		cond := op.Cond
		return func(_ *guest.State, e *env, _ *Runtime) *guest.Exit {
			if ir.Compare(cond, e.get(a), e.get(bl)) {
				e.set(dst, 1)
			} else {
				e.set(dst, 0)
			}
			return nil
		}, nil

	case ir.OpLoad:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		base, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		disp, size := op.Imm, op.Size
		return func(st *guest.State, e *env, rt *Runtime) *guest.Exit {
			va := isa.GuestAddr(e.get(base)).Add(uint64(disp))
			v, err := rt.Load(va, st.ASID, size)
			if err != nil {
				return exitFor(err)
			}
			e.set(dst, v)
			return nil
		}, nil

	case ir.OpStore:
		base, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		val, err := at(op.Src2)
		if err != nil {
			return nil, err
		}
		disp, size := op.Imm, op.Size
		return func(st *guest.State, e *env, rt *Runtime) *guest.Exit {
			va := isa.GuestAddr(e.get(base)).Add(uint64(disp))
			if err := rt.Store(va, st.ASID, size, e.get(val)); err != nil {
				return exitFor(err)
			}
			return nil
		}, nil

	case ir.OpVecAdd, ir.OpVecSub, ir.OpVecAddSat, ir.OpVecSubSat:
		return lowerVector(op, at)

	case ir.OpAtomicRMW:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		addr, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		operand, err := at(op.Src2)
		if err != nil {
			return nil, err
		}
		kind, size := op.Atomic, op.Size
		return func(st *guest.State, e *env, rt *Runtime) *guest.Exit {
			arg := e.get(operand)
			old, err := rt.AtomicRMW(isa.GuestAddr(e.get(addr)), st.ASID, size, func(old uint64) uint64 {
				return ApplyRMW(kind, old, arg)
			})
			if err != nil {
				return exitFor(err)
			}
			e.set(dst, old)
			return nil
		}, nil

	case ir.OpAtomicCAS:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		addr, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		expected, err := at(op.Src2)
		if err != nil {
			return nil, err
		}
		next, err := at(op.SrcC)
		if err != nil {
			return nil, err
		}
		size := op.Size
		return func(st *guest.State, e *env, rt *Runtime) *guest.Exit {
			old, err := rt.AtomicCAS(isa.GuestAddr(e.get(addr)), st.ASID, size, e.get(expected), e.get(next))
			if err != nil {
				return exitFor(err)
			}
			e.set(dst, old)
			return nil
		}, nil

	case ir.OpCPUID:
		leafLoc, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		var outs [4]loc
		for j := ir.RegID(0); j < 4; j++ {
			outs[j], err = at(op.Dst + j)
			if err != nil {
				return nil, err
			}
		}
		return func(_ *guest.State, e *env, rt *Runtime) *guest.Exit {
			vals := rt.CPUID(e.get(leafLoc))
			for j := 0; j < 4; j++ {
				e.set(outs[j], vals[j])
			}
			return nil
		}, nil

	case ir.OpCSRRead:
		dst, err := at(op.Dst)
		if err != nil {
			return nil, err
		}
		id := op.CSR
		return func(_ *guest.State, e *env, rt *Runtime) *guest.Exit {
			e.set(dst, rt.ReadCSR(id))
			return nil
		}, nil

	case ir.OpCSRWrite:
		src, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		id := op.CSR
		return func(_ *guest.State, e *env, rt *Runtime) *guest.Exit {
			rt.WriteCSR(id, e.get(src))
			return nil
		}, nil

	case ir.OpTLBFlush:
		src, err := at(op.Src1)
		if err != nil {
			return nil, err
		}
		return func(_ *guest.State, e *env, rt *Runtime) *guest.Exit {
			rt.FlushTLB(isa.GuestAddr(e.get(src)))
			return nil
		}, nil

	case ir.OpTrap:
		code := uint32(op.Imm)
		return func(st *guest.State, _ *env, _ *Runtime) *guest.Exit {
			ex := guest.Trap(code, 1)
			return &ex
		}, nil

	default:
		return nil, fault.New(fault.KindIllegalInstruction, pc, "op %s not lowerable", op.Kind)
	}
}

func lowerALU(op *ir.Op, at func(ir.RegID) (loc, error), pc isa.GuestAddr) (step, error) {
	dst, err := at(op.Dst)
	if err != nil {
		return nil, err
	}
	a, err := at(op.Src1)
	if err != nil {
		return nil, err
	}
	b, err := at(op.Src2)
	if err != nil {
		return nil, err
	}
	kind, signed := op.Kind, op.Signed
	return func(st *guest.State, e *env, _ *Runtime) *guest.Exit {
		x, y := e.get(a), e.get(b)
		var v uint64
		switch kind {
		case ir.OpAdd:
			v = x + y
		case ir.OpSub:
			v = x - y
		case ir.OpMul:
			v = x * y
		case ir.OpDiv:
			if y == 0 {
				ex := guest.Trap(trapDivideByZero, 1)
				return &ex
			}
			if signed {
				v = uint64(int64(x) / int64(y))
			} else {
				v = x / y
			}
		case ir.OpAnd:
			v = x & y
		case ir.OpOr:
			v = x | y
		case ir.OpXor:
			v = x ^ y
		case ir.OpShl:
			v = x << (y & 63)
		case ir.OpShr:
			v = x >> (y & 63)
		case ir.OpSar:
			v = uint64(int64(x) >> (y & 63))
		}
		e.set(dst, v)
		return nil
	}, nil
}

// lowerVector fans a vector op out over its 64-bit chunks; saturated
// variants clamp lane-wise, which is the software sequence hosts without
// the lane width fall back to.
func lowerVector(op *ir.Op, at func(ir.RegID) (loc, error)) (step, error) {
	chunks := op.Chunks()
	lane := op.Size
	if lane == 0 {
		lane = 1
	}
	type trio struct{ d, a, b loc }
	parts := make([]trio, chunks)
	for j := 0; j < chunks; j++ {
		var t trio
		var err error
		if t.d, err = at(op.Dst + ir.RegID(j)); err != nil {
			return nil, err
		}
		if t.a, err = at(op.Src1 + ir.RegID(j)); err != nil {
			return nil, err
		}
		if t.b, err = at(op.Src2 + ir.RegID(j)); err != nil {
			return nil, err
		}
		parts[j] = t
	}
	kind, signed := op.Kind, op.Signed
	return func(_ *guest.State, e *env, _ *Runtime) *guest.Exit {
		for _, t := range parts {
			e.set(t.d, VectorChunk(kind, e.get(t.a), e.get(t.b), lane, signed))
		}
		return nil
	}, nil
}

// VectorChunk applies a lane-wise vector op within one 64-bit chunk.
func VectorChunk(kind ir.OpKind, x, y uint64, lane uint8, signed bool) uint64 {
	laneBits := uint(lane) * 8
	mask := ^uint64(0)
	if laneBits < 64 {
		mask = (1 << laneBits) - 1
	}
	var out uint64
	for off := uint(0); off < 64; off += laneBits {
		a := (x >> off) & mask
		b := (y >> off) & mask
		var r uint64
		switch kind {
		case ir.OpVecAdd:
			r = (a + b) & mask
		case ir.OpVecSub:
			r = (a - b) & mask
		case ir.OpVecAddSat:
			r = satAdd(a, b, laneBits, signed)
		case ir.OpVecSubSat:
			r = satSub(a, b, laneBits, signed)
		}
		out |= r << off
	}
	return out
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func satAdd(a, b uint64, bits uint, signed bool) uint64 {
	mask := ^uint64(0) >> (64 - bits)
	if !signed {
		s := a + b
		if s > mask {
			return mask
		}
		return s
	}
	sa, sb := signExtend(a, bits), signExtend(b, bits)
	s := sa + sb
	maxV := int64(mask >> 1)
	minV := -maxV - 1
	if s > maxV {
		s = maxV
	} else if s < minV {
		s = minV
	}
	return uint64(s) & mask
}

func satSub(a, b uint64, bits uint, signed bool) uint64 {
	mask := ^uint64(0) >> (64 - bits)
	if !signed {
		if b > a {
			return 0
		}
		return a - b
	}
	sa, sb := signExtend(a, bits), signExtend(b, bits)
	s := sa - sb
	maxV := int64(mask >> 1)
	minV := -maxV - 1
	if s > maxV {
		s = maxV
	} else if s < minV {
		s = minV
	}
	return uint64(s) & mask
}

func ApplyRMW(kind ir.AtomicOp, old, arg uint64) uint64 {
	switch kind {
	case ir.AtomicAdd:
		return old + arg
	case ir.AtomicAnd:
		return old & arg
	case ir.AtomicOr:
		return old | arg
	case ir.AtomicXor:
		return old ^ arg
	default: // exchange
		return arg
	}
}

// trap codes the dispatcher decodes back into guest semantics
const (
	trapDivideByZero = 0
	trapUnaligned    = 4
	trapPageFault    = 14
)

// exitFor turns a runtime-helper error into the block exit the
// dispatcher expects: page faults and configured alignment faults
// become guest traps, everything else a host fault.
func exitFor(err error) *guest.Exit {
	switch {
	case fault.IsKind(err, fault.KindPageFault):
		ex := guest.Trap(trapPageFault, 1)
		ex.Err = err
		return &ex
	case fault.IsKind(err, fault.KindUnaligned):
		ex := guest.Trap(trapUnaligned, 1)
		ex.Err = err
		return &ex
	default:
		ex := guest.Fault(err)
		return &ex
	}
}
