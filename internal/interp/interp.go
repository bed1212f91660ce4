/*
Package interp executes IR blocks directly against guest state. It is
the fall-back path the dispatcher takes on first execution, while a
background compile is pending, and for blacklisted PCs. Its
guest-observable behaviour is identical to compiled execution: two runs
of the same block must produce the same register and memory trace
whichever path served them.
*/
package interp

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"crossvm/internal/codegen"
	"crossvm/internal/fault"
	"crossvm/internal/guest"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
)

// Interpreter executes one block at a time through the same runtime
// helpers compiled code uses, so memory semantics cannot diverge.
type Interpreter struct {
	rt *codegen.Runtime
}

// New builds an interpreter over the shared runtime.
func New(rt *codegen.Runtime) *Interpreter {
	return &Interpreter{rt: rt}
}

// regFile is the interpreter's register view: architectural registers
// alias the guest file, compiler temporaries live in a side map.
type regFile struct {
	st   *guest.State
	temp map[ir.RegID]uint64
}

func (r *regFile) get(reg ir.RegID) uint64 {
	if int(reg) < guest.RegCount {
		return r.st.GP[reg]
	}
	return r.temp[reg]
}

func (r *regFile) set(reg ir.RegID, v uint64) {
	if int(reg) < guest.RegCount {
		r.st.GP[reg] = v
		return
	}
	if r.temp == nil {
		r.temp = make(map[ir.RegID]uint64)
	}
	r.temp[reg] = v
}

// Run executes b against st and returns the block exit.
func (ip *Interpreter) Run(b *ir.Block, st *guest.State) guest.Exit {
	regs := regFile{st: st}
	cycles := uint64(len(b.Ops) + 1)

	for i := range b.Ops {
		if ex := ip.step(&b.Ops[i], &regs, st); ex != nil {
			st.Instructions += uint64(i + 1)
			return *ex
		}
	}
	st.Instructions += cycles

	switch b.Term.Kind {
	case ir.TermBranch:
		if regs.get(b.Term.Cond) != 0 {
			ex := guest.Continue(b.Term.Taken, cycles)
			ex.Edge = guest.EdgeTaken
			return ex
		}
		ex := guest.Continue(b.Term.NotTaken, cycles)
		ex.Edge = guest.EdgeFallThrough
		return ex
	case ir.TermIndirect:
		return guest.Continue(isa.GuestAddr(regs.get(b.Term.Target)), cycles)
	case ir.TermReturn:
		return guest.Exit{Kind: guest.ExitDone, NextPC: b.EndPC(), Cycles: cycles}
	case ir.TermTrap:
		return guest.Trap(b.Term.Code, cycles)
	default:
		return guest.Continue(b.EndPC(), cycles)
	}
}

func (ip *Interpreter) step(op *ir.Op, regs *regFile, st *guest.State) *guest.Exit {
	switch op.Kind {
	case ir.OpNop:

	case ir.OpMovImm:
		regs.set(op.Dst, uint64(op.Imm))

	case ir.OpMov:
		regs.set(op.Dst, regs.get(op.Src1))

	case ir.OpAdd:
		regs.set(op.Dst, regs.get(op.Src1)+regs.get(op.Src2))
	case ir.OpSub:
		regs.set(op.Dst, regs.get(op.Src1)-regs.get(op.Src2))
	case ir.OpMul:
		regs.set(op.Dst, regs.get(op.Src1)*regs.get(op.Src2))
	case ir.OpDiv:
		d := regs.get(op.Src2)
		if d == 0 {
			ex := guest.Trap(0, 1)
			return &ex
		}
		if op.Signed {
			regs.set(op.Dst, uint64(int64(regs.get(op.Src1))/int64(d)))
		} else {
			regs.set(op.Dst, regs.get(op.Src1)/d)
		}
	case ir.OpAnd:
		regs.set(op.Dst, regs.get(op.Src1)&regs.get(op.Src2))
	case ir.OpOr:
		regs.set(op.Dst, regs.get(op.Src1)|regs.get(op.Src2))
	case ir.OpXor:
		regs.set(op.Dst, regs.get(op.Src1)^regs.get(op.Src2))
	case ir.OpShl:
		regs.set(op.Dst, regs.get(op.Src1)<<(regs.get(op.Src2)&63))
	case ir.OpShr:
		regs.set(op.Dst, regs.get(op.Src1)>>(regs.get(op.Src2)&63))
	case ir.OpSar:
		regs.set(op.Dst, uint64(int64(regs.get(op.Src1))>>(regs.get(op.Src2)&63)))

	case ir.OpCmp:
		if ir.Compare(op.Cond, regs.get(op.Src1), regs.get(op.Src2)) {
			regs.set(op.Dst, 1)
		} else {
			regs.set(op.Dst, 0)
		}

	case ir.OpLoad:
		va := isa.GuestAddr(regs.get(op.Src1)).Add(uint64(op.Imm))
		v, err := ip.rt.Load(va, st.ASID, op.Size)
		if err != nil {
			return exitFor(err)
		}
		regs.set(op.Dst, v)

	case ir.OpStore:
		va := isa.GuestAddr(regs.get(op.Src1)).Add(uint64(op.Imm))
		if err := ip.rt.Store(va, st.ASID, op.Size, regs.get(op.Src2)); err != nil {
			return exitFor(err)
		}

	case ir.OpVecAdd, ir.OpVecSub, ir.OpVecAddSat, ir.OpVecSubSat:
		for j := 0; j < op.Chunks(); j++ {
			r := codegen.VectorChunk(op.Kind,
				regs.get(op.Src1+ir.RegID(j)),
				regs.get(op.Src2+ir.RegID(j)),
				op.Size, op.Signed)
			regs.set(op.Dst+ir.RegID(j), r)
		}

	case ir.OpAtomicRMW:
		arg := regs.get(op.Src2)
		kind := op.Atomic
		old, err := ip.rt.AtomicRMW(isa.GuestAddr(regs.get(op.Src1)), st.ASID, op.Size, func(old uint64) uint64 {
			return codegen.ApplyRMW(kind, old, arg)
		})
		if err != nil {
			return exitFor(err)
		}
		regs.set(op.Dst, old)

	case ir.OpAtomicCAS:
		old, err := ip.rt.AtomicCAS(isa.GuestAddr(regs.get(op.Src1)), st.ASID, op.Size,
			regs.get(op.Src2), regs.get(op.SrcC))
		if err != nil {
			return exitFor(err)
		}
		regs.set(op.Dst, old)

	case ir.OpCPUID:
		vals := ip.rt.CPUID(regs.get(op.Src1))
		for j := ir.RegID(0); j < 4; j++ {
			regs.set(op.Dst+j, vals[j])
		}

	case ir.OpCSRRead:
		regs.set(op.Dst, ip.rt.ReadCSR(op.CSR))

	case ir.OpCSRWrite:
		ip.rt.WriteCSR(op.CSR, regs.get(op.Src1))

	case ir.OpTLBFlush:
		ip.rt.FlushTLB(isa.GuestAddr(regs.get(op.Src1)))

	case ir.OpTrap:
		ex := guest.Trap(uint32(op.Imm), 1)
		return &ex

	default:
		ex := guest.Fault(fault.New(fault.KindIllegalInstruction, st.PC, "op %s not interpretable", op.Kind))
		return &ex
	}
	return nil
}

func exitFor(err error) *guest.Exit {
	switch {
	case fault.IsKind(err, fault.KindPageFault):
		ex := guest.Trap(14, 1)
		ex.Err = err
		return &ex
	case fault.IsKind(err, fault.KindUnaligned):
		ex := guest.Trap(4, 1)
		ex.Err = err
		return &ex
	default:
		ex := guest.Fault(err)
		return &ex
	}
}
