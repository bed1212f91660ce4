// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package codegen

import (
	"encoding/binary"

	"crossvm/internal/ir"
)

// asmRISCV64 encodes RV64IM. Allocatable registers are t0,t1, a0..a7,
// s2..s11 and t3..t6; t2 and s1 are scratch, s0 the spill frame base.
type asmRISCV64 struct {
	buf []byte
}

var riscvRegs = [...]uint8{
	5, 6, // t0, t1
	10, 11, 12, 13, 14, 15, 16, 17, // a0..a7
	18, 19, 20, 21, 22, 23, 24, 25, 26, 27, // s2..s11
	28, 29, 30, 31, // t3..t6
	7, 9, // scratch: t2, s1
}

const riscvFrameReg = 8 // s0

func (a *asmRISCV64) scratch(i int) int { return 24 + i%2 }

func (a *asmRISCV64) hostReg(idx int) uint32 {
	if idx >= 0 && idx < len(riscvRegs) {
		return uint32(riscvRegs[idx])
	}
	return uint32(riscvRegs[len(riscvRegs)-1])
}

func (a *asmRISCV64) word(w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	a.buf = append(a.buf, b[:]...)
}

func rType(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func iType(imm, rs1, funct3, rd, opcode uint32) uint32 {
	return (imm&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// movImm materializes an immediate with lui+addi for 32-bit values and
// a shift-or sequence through scratch for the full 64 bits.
func (a *asmRISCV64) movImm(rd int, imm uint64) {
	d := a.hostReg(rd)
	lo := int64(int32(uint32(imm)))
	if uint64(lo) == imm {
		upper := (uint32(imm) + 0x800) >> 12
		a.word(upper<<12 | d<<7 | 0x37)            // lui
		a.word(iType(uint32(imm), d, 0, d, 0x13)) // addi
		return
	}
	// high half into rd, shift, or in the low half via scratch
	a.movImm(rd, imm>>32)
	a.word(iType(32, d, 1, d, 0x13)) // slli rd, rd, 32
	s := a.hostReg(a.scratch(1))
	a.movImm(a.scratch(1), uint64(uint32(imm)))
	a.word(rType(0, s, d, 6, d, 0x33)) // or rd, rd, s
}

// movReg emits addi rd, rs, 0.
func (a *asmRISCV64) movReg(rd, rs int) {
	a.word(iType(0, a.hostReg(rs), 0, a.hostReg(rd), 0x13))
}

func (a *asmRISCV64) alu(kind ir.OpKind, rd, rn, rm int) {
	d, n, m := a.hostReg(rd), a.hostReg(rn), a.hostReg(rm)
	switch kind {
	case ir.OpAdd:
		a.word(rType(0, m, n, 0, d, 0x33))
	case ir.OpSub:
		a.word(rType(0x20, m, n, 0, d, 0x33))
	case ir.OpAnd:
		a.word(rType(0, m, n, 7, d, 0x33))
	case ir.OpOr:
		a.word(rType(0, m, n, 6, d, 0x33))
	case ir.OpXor:
		a.word(rType(0, m, n, 4, d, 0x33))
	case ir.OpMul:
		a.word(rType(1, m, n, 0, d, 0x33))
	case ir.OpDiv:
		a.word(rType(1, m, n, 4, d, 0x33)) // div
	case ir.OpShl:
		a.word(rType(0, m, n, 1, d, 0x33)) // sll
	case ir.OpShr:
		a.word(rType(0, m, n, 5, d, 0x33)) // srl
	case ir.OpSar:
		a.word(rType(0x20, m, n, 5, d, 0x33)) // sra
	}
}

// shiftImm emits slli/srli/srai.
func (a *asmRISCV64) shiftImm(kind ir.OpKind, rd int, amount uint8) {
	d := a.hostReg(rd)
	sh := uint32(amount) & 63
	switch kind {
	case ir.OpShl:
		a.word(iType(sh, d, 1, d, 0x13))
	case ir.OpSar:
		a.word(iType(sh|0x400, d, 5, d, 0x13))
	default:
		a.word(iType(sh, d, 5, d, 0x13))
	}
}

// loadSpill emits ld rd, off(s0).
func (a *asmRISCV64) loadSpill(rd int, off int32) {
	a.word(iType(uint32(off), riscvFrameReg, 3, a.hostReg(rd), 0x03))
}

// storeSpill emits sd rs, off(s0).
func (a *asmRISCV64) storeSpill(rs int, off int32) {
	imm := uint32(off) & 0xFFF
	s := a.hostReg(rs)
	a.word((imm>>5)<<25 | s<<20 | riscvFrameReg<<15 | 3<<12 | (imm&0x1F)<<7 | 0x23)
}

// callHelper stages the index in t2 and emits jalr ra, 0(t2); the
// helper table dispatch lives behind t2 at run time.
func (a *asmRISCV64) callHelper(index int) {
	a.movImm(24, uint64(index)) // t2
	a.word(iType(0, 7, 0, 1, 0x67))
}

// condBranchStub emits bne rn, x0 with a zero offset the chain patcher
// fills in.
func (a *asmRISCV64) condBranchStub(rn int) {
	n := a.hostReg(rn)
	a.word(rType(0, 0, n, 1, 0, 0x63))
}

// ret emits jalr x0, 0(ra).
func (a *asmRISCV64) ret() { a.word(0x00008067) }

// trap emits ebreak; the code rides in t1.
func (a *asmRISCV64) trap(code uint32) {
	a.movImm(1, uint64(code)) // t1
	a.word(0x00100073)
}

func (a *asmRISCV64) bytes() []byte { return a.buf }
