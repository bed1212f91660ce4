package ir

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crossvm/internal/isa"
)

func TestReadWrittenRegs(t *testing.T) {
	tests := []struct {
		name    string
		op      Op
		reads   []RegID
		writes  []RegID
	}{
		{"movimm", Op{Kind: OpMovImm, Dst: 1, Imm: 10}, nil, []RegID{1}},
		{"add", Op{Kind: OpAdd, Dst: 3, Src1: 1, Src2: 2}, []RegID{1, 2}, []RegID{3}},
		{"load", Op{Kind: OpLoad, Dst: 4, Src1: 2, Imm: 8}, []RegID{2}, []RegID{4}},
		{"store", Op{Kind: OpStore, Src1: 2, Src2: 5}, []RegID{2, 5}, nil},
		{"cas", Op{Kind: OpAtomicCAS, Dst: 1, Src1: 2, Src2: 3, SrcC: 4}, []RegID{2, 3, 4}, []RegID{1}},
		{"cpuid", Op{Kind: OpCPUID, Dst: 8, Src1: 1}, []RegID{1}, []RegID{8, 9, 10, 11}},
		{"nop", Op{Kind: OpNop}, nil, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.reads, test.op.ReadRegs(nil))
			assert.Equal(t, test.writes, test.op.WrittenRegs(nil))
		})
	}
}

func TestBlockRange(t *testing.T) {
	b := &Block{StartPC: 0x1000, GuestBytes: 0x20}
	assert.Equal(t, isa.GuestAddr(0x1020), b.EndPC())
	assert.True(t, b.Contains(0x1000))
	assert.True(t, b.Contains(0x101f))
	assert.False(t, b.Contains(0x1020))
}

func TestFingerprintDeterministic(t *testing.T) {
	b := &Block{
		StartPC: 0x1000,
		Ops: []Op{
			{Kind: OpMovImm, Dst: 1, Imm: 10},
			{Kind: OpAdd, Dst: 3, Src1: 1, Src2: 2},
		},
		Term: Terminator{Kind: TermReturn},
	}
	cfg := FingerprintConfig{Target: isa.NativeTarget(isa.ArchX86_64), OptLevel: 1}

	assert.Equal(t, FingerprintOf(b, cfg), FingerprintOf(b, cfg))
}

func TestFingerprintSensitivity(t *testing.T) {
	base := &Block{
		StartPC: 0x1000,
		Ops:     []Op{{Kind: OpMovImm, Dst: 1, Imm: 10}},
		Term:    Terminator{Kind: TermReturn},
	}
	cfg := FingerprintConfig{Target: isa.NativeTarget(isa.ArchX86_64), OptLevel: 1}
	want := FingerprintOf(base, cfg)

	changedImm := *base
	changedImm.Ops = []Op{{Kind: OpMovImm, Dst: 1, Imm: 11}}
	assert.NotEqual(t, want, FingerprintOf(&changedImm, cfg))

	changedCfg := cfg
	changedCfg.OptLevel = 2
	assert.NotEqual(t, want, FingerprintOf(base, changedCfg))

	changedTarget := cfg
	changedTarget.Target = isa.NativeTarget(isa.ArchARM64)
	assert.NotEqual(t, want, FingerprintOf(base, changedTarget))
}

func TestIsMove(t *testing.T) {
	assert.True(t, (&Op{Kind: OpMov, Dst: 1, Src1: 2}).IsMove())
	assert.False(t, (&Op{Kind: OpAdd}).IsMove())
}
