// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package codegen

import (
	"encoding/binary"

	"crossvm/internal/ir"
)

// asmARM64 encodes A64. Allocatable registers are x0..x15 and x19..x26;
// x27 and x28 are scratch, x29 the spill frame base.
type asmARM64 struct {
	buf []byte
}

var arm64Regs = [...]uint8{
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	19, 20, 21, 22, 23, 24, 25, 26, 27, 28,
}

const (
	arm64FrameReg = 29
	arm64ZR       = 31
)

func (a *asmARM64) scratch(i int) int { return 24 + i%2 } // x27, x28

func (a *asmARM64) hostReg(idx int) uint32 {
	if idx >= 0 && idx < len(arm64Regs) {
		return uint32(arm64Regs[idx])
	}
	return uint32(arm64Regs[len(arm64Regs)-1])
}

func (a *asmARM64) word(w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	a.buf = append(a.buf, b[:]...)
}

// movImm builds a 64-bit immediate with movz + movk chunks, skipping
// zero halfwords.
func (a *asmARM64) movImm(rd int, imm uint64) {
	d := a.hostReg(rd)
	a.word(0xD2800000 | uint32(imm&0xFFFF)<<5 | d) // movz xd, #imm16
	for shift := uint(16); shift < 64; shift += 16 {
		half := uint32(imm>>shift) & 0xFFFF
		if half == 0 {
			continue
		}
		a.word(0xF2800000 | uint32(shift/16)<<21 | half<<5 | d) // movk
	}
}

// movReg emits orr xd, xzr, xm.
func (a *asmARM64) movReg(rd, rs int) {
	d, s := a.hostReg(rd), a.hostReg(rs)
	a.word(0xAA0003E0 | s<<16 | d)
}

func (a *asmARM64) alu(kind ir.OpKind, rd, rn, rm int) {
	d, n, m := a.hostReg(rd), a.hostReg(rn), a.hostReg(rm)
	switch kind {
	case ir.OpAdd:
		a.word(0x8B000000 | m<<16 | n<<5 | d)
	case ir.OpSub:
		a.word(0xCB000000 | m<<16 | n<<5 | d)
	case ir.OpAnd:
		a.word(0x8A000000 | m<<16 | n<<5 | d)
	case ir.OpOr:
		a.word(0xAA000000 | m<<16 | n<<5 | d)
	case ir.OpXor:
		a.word(0xCA000000 | m<<16 | n<<5 | d)
	case ir.OpMul:
		// madd xd, xn, xm, xzr
		a.word(0x9B007C00 | m<<16 | n<<5 | d)
	case ir.OpShl:
		a.word(0x9AC02000 | m<<16 | n<<5 | d) // lslv
	case ir.OpShr:
		a.word(0x9AC02400 | m<<16 | n<<5 | d) // lsrv
	case ir.OpSar:
		a.word(0x9AC02800 | m<<16 | n<<5 | d) // asrv
	case ir.OpDiv:
		a.word(0x9AC00C00 | m<<16 | n<<5 | d) // sdiv
	}
}

// shiftImm emits ubfm/sbfm-based immediate shifts.
func (a *asmARM64) shiftImm(kind ir.OpKind, rd int, amount uint8) {
	d := a.hostReg(rd)
	r := uint32(amount) & 63
	switch kind {
	case ir.OpShl:
		// lsl xd, xd, #n == ubfm xd, xd, #(64-n)%64, #(63-n)
		a.word(0xD3400000 | ((64-r)%64)<<16 | (63-r)<<10 | d<<5 | d)
	case ir.OpSar:
		a.word(0x9340FC00 | r<<16 | d<<5 | d) // asr (sbfm)
	default:
		a.word(0xD340FC00 | r<<16 | d<<5 | d) // lsr (ubfm)
	}
}

// loadSpill emits ldur xd, [x29, #off].
func (a *asmARM64) loadSpill(rd int, off int32) {
	d := a.hostReg(rd)
	imm9 := uint32(off) & 0x1FF
	a.word(0xF8400000 | imm9<<12 | arm64FrameReg<<5 | d)
}

// storeSpill emits stur xs, [x29, #off].
func (a *asmARM64) storeSpill(rs int, off int32) {
	s := a.hostReg(rs)
	imm9 := uint32(off) & 0x1FF
	a.word(0xF8000000 | imm9<<12 | arm64FrameReg<<5 | s)
}

// callHelper stages the index in x28 and emits blr x27; the helper
// table base lives in x27 at run time.
func (a *asmARM64) callHelper(index int) {
	a.movImm(25, uint64(index)) // x28
	a.word(0xD63F0000 | 27<<5)  // blr x27
}

// condBranchStub emits cbnz rn with a zero offset the chain patcher
// fills in.
func (a *asmARM64) condBranchStub(rn int) {
	n := a.hostReg(rn)
	a.word(0xB5000000 | n)
}

func (a *asmARM64) ret() { a.word(0xD65F03C0) }

func (a *asmARM64) trap(code uint32) {
	a.word(0xD4200000 | (code&0xFFFF)<<5) // brk #code
}

func (a *asmARM64) bytes() []byte { return a.buf }
