package isa

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestAddrWrapping(t *testing.T) {
	a := GuestAddr(0xFFFFFFFFFFFFFFFF)
	assert.Equal(t, GuestAddr(0), a.Add(1))
	assert.Equal(t, GuestAddr(0xFFFFFFFFFFFFFFFF), GuestAddr(0).Sub(1))
}

func TestPageBase(t *testing.T) {
	assert.Equal(t, GuestAddr(0x1000), GuestAddr(0x1fff).PageBase())
	assert.Equal(t, GuestAddr(0x1000), GuestAddr(0x1000).PageBase())
}

func TestAccessDominates(t *testing.T) {
	tests := []struct {
		have, want Access
		expected   bool
	}{
		{AccessRead | AccessWrite, AccessRead, true},
		{AccessRead | AccessWrite, AccessWrite, true},
		{AccessRead, AccessWrite, false},
		{AccessRead | AccessWrite | AccessExec, AccessExec | AccessRead, true},
		{AccessExec, AccessRead, false},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.have.Dominates(test.want), "%s vs %s", test.have, test.want)
	}
}

func TestParseArch(t *testing.T) {
	arch, err := ParseArch("aarch64")
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, arch)

	_, err = ParseArch("vax")
	assert.Error(t, err)
}

func TestCompatibilityFactors(t *testing.T) {
	tests := []struct {
		guest, host Arch
		factor      float64
	}{
		{ArchX86_64, ArchX86_64, 1.0},
		{ArchX86_64, ArchARM64, 0.95},
		{ArchX86_64, ArchRISCV64, 0.85},
		{ArchARM64, ArchX86_64, 0.92},
		{ArchRISCV64, ArchX86_64, 0.80},
	}
	for _, test := range tests {
		c, err := Compatible(test.guest, test.host)
		require.NoError(t, err)
		assert.InDelta(t, test.factor, c.Factor, 1e-9)
	}
}

func TestCompatibilityUnknown(t *testing.T) {
	_, err := Compatible(ArchUnknown, ArchX86_64)
	assert.Error(t, err)
}

func TestSelectStrategy(t *testing.T) {
	s, err := SelectStrategy(ArchX86_64, ArchARM64, StrategyRequirements{HighPerformance: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyOptimized, s)

	s, err = SelectStrategy(ArchX86_64, ArchARM64, StrategyRequirements{MemoryLimit: 16 << 20})
	require.NoError(t, err)
	assert.Equal(t, StrategyMemoryOptimized, s)

	s, err = SelectStrategy(ArchX86_64, ArchARM64, StrategyRequirements{RealTime: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyFast, s)

	s, err = SelectStrategy(ArchX86_64, ArchX86_64, StrategyRequirements{})
	require.NoError(t, err)
	assert.Equal(t, StrategyStandard, s)
}
