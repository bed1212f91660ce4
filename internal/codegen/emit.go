// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package codegen

import (
	"crossvm/internal/fault"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
	"crossvm/internal/regalloc"
)

// Runtime helper indices compiled code calls through the helper table.
// The encoded call sequence loads the index into a scratch register and
// performs the arch's indirect call.
const (
	helperTLBRefill = iota
	helperStoreSlow
	helperAtomic
	helperCPUID
	helperCSR
	helperTLBFlush
	helperCompare
	helperVector
	helperCompileAndContinue
)

// assembler is the per-host-architecture encoder. Register operands are
// allocatable indices (the allocator's colour space); scratch(i) yields
// reserved registers outside that space.
type assembler interface {
	movImm(rd int, imm uint64)
	movReg(rd, rs int)
	alu(kind ir.OpKind, rd, rn, rm int)
	shiftImm(kind ir.OpKind, rd int, amount uint8)
	loadSpill(rd int, off int32)
	storeSpill(rs int, off int32)
	callHelper(index int)
	condBranchStub(rn int)
	ret()
	trap(code uint32)
	scratch(i int) int
	bytes() []byte
}

func newAssembler(target isa.Target) (assembler, error) {
	switch target.Arch {
	case isa.ArchX86_64:
		return &asmAMD64{}, nil
	case isa.ArchARM64:
		return &asmARM64{}, nil
	case isa.ArchRISCV64:
		return &asmRISCV64{}, nil
	default:
		return nil, fault.New(fault.KindCompile, 0, "no encoder for host %s", target.Arch)
	}
}

// encodeBlock walks the block once more and emits host bytes using the
// allocation. Spilled operands round-trip through scratch registers;
// memory ops emit the TLB fast-path skeleton (page shift, lookup call)
// with the slow path behind a helper call.
func encodeBlock(b *ir.Block, alloc regalloc.Result, target isa.Target) ([]byte, error) {
	a, err := newAssembler(target)
	if err != nil {
		return nil, err
	}

	// materialize returns a host register holding reg's value.
	materialize := func(reg ir.RegID, scratchSlot int) int {
		al, ok := alloc.Alloc[reg]
		if !ok {
			return a.scratch(scratchSlot)
		}
		if al.Spilled {
			s := a.scratch(scratchSlot)
			a.loadSpill(s, al.StackOffset)
			return s
		}
		return al.Reg
	}
	// sink returns the destination register, and a flush writes it back
	// to the spill slot when needed.
	sink := func(reg ir.RegID) (int, func()) {
		al, ok := alloc.Alloc[reg]
		if !ok || !al.Spilled {
			if !ok {
				return a.scratch(0), func() {}
			}
			return al.Reg, func() {}
		}
		s := a.scratch(0)
		return s, func() { a.storeSpill(s, al.StackOffset) }
	}

	for i := range b.Ops {
		op := &b.Ops[i]
		switch op.Kind {
		case ir.OpNop:

		case ir.OpMovImm:
			rd, flush := sink(op.Dst)
			a.movImm(rd, uint64(op.Imm))
			flush()

		case ir.OpMov:
			rs := materialize(op.Src1, 1)
			rd, flush := sink(op.Dst)
			a.movReg(rd, rs)
			flush()

		case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor,
			ir.OpShl, ir.OpShr, ir.OpSar, ir.OpDiv:
			rn := materialize(op.Src1, 1)
			rm := materialize(op.Src2, 2)
			rd, flush := sink(op.Dst)
			a.alu(op.Kind, rd, rn, rm)
			flush()

		case ir.OpCmp:
			rn := materialize(op.Src1, 1)
			rm := materialize(op.Src2, 2)
			rd, flush := sink(op.Dst)
			// comparison materializes through the helper: setcc
			// variants differ too much across hosts to inline here
			a.alu(ir.OpSub, rd, rn, rm)
			a.callHelper(helperCompare)
			flush()

		case ir.OpLoad, ir.OpStore:
			base := materialize(op.Src1, 1)
			// TLB fast path: page number = va >> 12, then the
			// lookup call; a miss tail-calls the page walker.
			idx := a.scratch(0)
			a.movReg(idx, base)
			a.shiftImm(ir.OpShr, idx, 12)
			a.movImm(a.scratch(1), uint64(op.Imm))
			if op.Kind == ir.OpLoad {
				a.callHelper(helperTLBRefill)
			} else {
				materialize(op.Src2, 2)
				a.callHelper(helperStoreSlow)
			}
			if op.Kind == ir.OpLoad {
				rd, flush := sink(op.Dst)
				a.movReg(rd, a.scratch(0))
				flush()
			}

		case ir.OpVecAdd, ir.OpVecSub, ir.OpVecAddSat, ir.OpVecSubSat:
			for j := 0; j < op.Chunks(); j++ {
				rn := materialize(op.Src1+ir.RegID(j), 1)
				rm := materialize(op.Src2+ir.RegID(j), 2)
				rd, flush := sink(op.Dst + ir.RegID(j))
				switch op.Kind {
				case ir.OpVecAdd:
					a.alu(ir.OpAdd, rd, rn, rm)
				case ir.OpVecSub:
					a.alu(ir.OpSub, rd, rn, rm)
				default:
					// saturated lanes go through the clamped helper
					a.alu(ir.OpAdd, rd, rn, rm)
					a.callHelper(helperVector)
				}
				flush()
			}

		case ir.OpAtomicRMW, ir.OpAtomicCAS:
			materialize(op.Src1, 1)
			materialize(op.Src2, 2)
			a.callHelper(helperAtomic)
			rd, flush := sink(op.Dst)
			a.movReg(rd, a.scratch(0))
			flush()

		case ir.OpCPUID:
			materialize(op.Src1, 1)
			a.callHelper(helperCPUID)

		case ir.OpCSRRead, ir.OpCSRWrite:
			a.movImm(a.scratch(1), uint64(op.CSR))
			a.callHelper(helperCSR)

		case ir.OpTLBFlush:
			materialize(op.Src1, 1)
			a.callHelper(helperTLBFlush)

		case ir.OpTrap:
			a.trap(uint32(op.Imm))

		default:
			return nil, fault.New(fault.KindIllegalInstruction, b.StartPC, "op %s not encodable", op.Kind)
		}
	}

	switch b.Term.Kind {
	case ir.TermBranch:
		cond := materialize(b.Term.Cond, 1)
		a.condBranchStub(cond)
		a.ret()
	case ir.TermTrap:
		a.trap(b.Term.Code)
	default:
		a.ret()
	}
	return a.bytes(), nil
}
