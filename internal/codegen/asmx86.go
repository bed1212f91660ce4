// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package codegen

import (
	"encoding/binary"

	"crossvm/internal/ir"
)

// asmAMD64 encodes for x86-64. The allocatable set is
// rax,rcx,rdx,rbx,rsi,rdi,r8..r13; r14 and r15 are scratch, rbp is the
// spill frame base.
type asmAMD64 struct {
	buf []byte
}

var amd64Regs = [...]uint8{0, 1, 2, 3, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

const amd64FrameReg = 5 // rbp

func (a *asmAMD64) scratch(i int) int { return 12 + i%2 } // r14, r15

func (a *asmAMD64) hostReg(idx int) uint8 {
	if idx >= 0 && idx < len(amd64Regs) {
		return amd64Regs[idx]
	}
	return amd64Regs[len(amd64Regs)-1]
}

func (a *asmAMD64) emit(bs ...byte) { a.buf = append(a.buf, bs...) }

func (a *asmAMD64) rex(w bool, reg, rm uint8) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg >= 8 {
		b |= 0x04
	}
	if rm >= 8 {
		b |= 0x01
	}
	return b
}

func (a *asmAMD64) modrm(mod, reg, rm uint8) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// movImm emits REX.W B8+rd imm64.
func (a *asmAMD64) movImm(rd int, imm uint64) {
	r := a.hostReg(rd)
	a.emit(a.rex(true, 0, r), 0xB8+r&7)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], imm)
	a.emit(b[:]...)
}

// movReg emits REX.W 89 /r (mov r/m64, r64).
func (a *asmAMD64) movReg(rd, rs int) {
	d, s := a.hostReg(rd), a.hostReg(rs)
	a.emit(a.rex(true, s, d), 0x89, a.modrm(3, s, d))
}

func (a *asmAMD64) alu(kind ir.OpKind, rd, rn, rm int) {
	d, n, m := a.hostReg(rd), a.hostReg(rn), a.hostReg(rm)
	if d != n {
		a.emit(a.rex(true, n, d), 0x89, a.modrm(3, n, d))
	}
	switch kind {
	case ir.OpAdd:
		a.emit(a.rex(true, m, d), 0x01, a.modrm(3, m, d))
	case ir.OpSub:
		a.emit(a.rex(true, m, d), 0x29, a.modrm(3, m, d))
	case ir.OpAnd:
		a.emit(a.rex(true, m, d), 0x21, a.modrm(3, m, d))
	case ir.OpOr:
		a.emit(a.rex(true, m, d), 0x09, a.modrm(3, m, d))
	case ir.OpXor:
		a.emit(a.rex(true, m, d), 0x31, a.modrm(3, m, d))
	case ir.OpMul:
		// imul r64, r/m64: REX.W 0F AF /r
		a.emit(a.rex(true, d, m), 0x0F, 0xAF, a.modrm(3, d, m))
	case ir.OpShl, ir.OpShr, ir.OpSar, ir.OpDiv:
		// variable shifts and division need CL/RDX fixed operands;
		// they go through the helper table
		a.callHelper(helperVector)
	}
}

// shiftImm emits REX.W C1 /n ib.
func (a *asmAMD64) shiftImm(kind ir.OpKind, rd int, amount uint8) {
	d := a.hostReg(rd)
	var ext uint8
	switch kind {
	case ir.OpShl:
		ext = 4
	case ir.OpSar:
		ext = 7
	default:
		ext = 5 // shr
	}
	a.emit(a.rex(true, 0, d), 0xC1, a.modrm(3, ext, d), amount)
}

// loadSpill emits mov r64, [rbp+disp32].
func (a *asmAMD64) loadSpill(rd int, off int32) {
	d := a.hostReg(rd)
	a.emit(a.rex(true, d, amd64FrameReg), 0x8B, a.modrm(2, d, amd64FrameReg))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(off))
	a.emit(b[:]...)
}

// storeSpill emits mov [rbp+disp32], r64.
func (a *asmAMD64) storeSpill(rs int, off int32) {
	s := a.hostReg(rs)
	a.emit(a.rex(true, s, amd64FrameReg), 0x89, a.modrm(2, s, amd64FrameReg))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(off))
	a.emit(b[:]...)
}

// callHelper loads the helper index into r15 and calls through the
// helper table slot (call [r15*8 + table] is resolved by the loader; a
// rel32 stub stands in here and is patched at publication).
func (a *asmAMD64) callHelper(index int) {
	a.movImm(13, uint64(index)) // r15 in the extended map
	a.emit(0xE8, 0, 0, 0, 0)    // call rel32, patched
}

// condBranchStub emits test rn, rn; jnz rel32 with a zero displacement
// the chain patcher fills in.
func (a *asmAMD64) condBranchStub(rn int) {
	n := a.hostReg(rn)
	a.emit(a.rex(true, n, n), 0x85, a.modrm(3, n, n)) // test rn, rn
	a.emit(0x0F, 0x85, 0, 0, 0, 0)                    // jnz rel32
}

func (a *asmAMD64) ret() { a.emit(0xC3) }

// trap emits ud2 after staging the trap code in r14; the dispatcher
// decodes the code from the exit record.
func (a *asmAMD64) trap(code uint32) {
	a.movImm(12, uint64(code))
	a.emit(0x0F, 0x0B)
}

func (a *asmAMD64) bytes() []byte { return a.buf }
