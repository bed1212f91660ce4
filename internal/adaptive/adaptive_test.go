package adaptive

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossvm/internal/config"
	"crossvm/internal/isa"
)

func testCfg() config.Adaptive {
	return config.Adaptive{
		MinExecutionsForAnalysis: 10,
		ImprovementPct:           5.0,
		DegradationPct:           10.0,
		AutoApply:                true,
		Window:                   10,
	}
}

func TestClassifyTrends(t *testing.T) {
	tests := []struct {
		name    string
		samples []uint64
		want    Trend
	}{
		{"too few", []uint64{100, 100}, TrendUnknown},
		{"degrading 5pct", []uint64{1000, 1050, 1103, 1158, 1216, 1276}, TrendDegrading},
		{"improving", []uint64{1000, 900, 810, 730, 650}, TrendImproving},
		{"stable", []uint64{1000, 1010, 990, 1005, 995}, TrendStable},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, classify(test.samples))
		})
	}
}

func TestDegradationRaisesLevel(t *testing.T) {
	var invalidated []isa.GuestAddr
	m, err := New(testCfg(), func(pc isa.GuestAddr) { invalidated = append(invalidated, pc) })
	require.NoError(t, err)

	pc := isa.GuestAddr(0x1000)
	// last-10 samples rise 5% each at level 1
	ns := uint64(1_000_000)
	var last *Suggestion
	for i := 0; i < 12 && last == nil; i++ {
		m.Touch(pc)
		if s := m.Observe(pc, ns, 128, 1, false); s != nil {
			last = s
		}
		ns = ns * 105 / 100
	}

	require.NotNil(t, last, "degrading series must produce a suggestion")
	assert.Equal(t, uint8(2), last.Level, "suggested level rises by one")
	assert.GreaterOrEqual(t, last.Confidence, 0.7)
	assert.NotEmpty(t, last.Reason)

	// auto-apply fired and invalidated the cache entry
	assert.Contains(t, invalidated, pc)
	level, _ := m.Level(pc)
	assert.Equal(t, uint8(2), level)
}

func TestHotPCLowersThreshold(t *testing.T) {
	m, err := New(testCfg(), nil)
	require.NoError(t, err)

	pc := isa.GuestAddr(0x2000)
	var sug *Suggestion
	for i := 0; i < 50; i++ {
		m.Touch(pc)
		if s := m.Observe(pc, 1000, 64, 1, true); s != nil {
			sug = s
		}
	}
	require.NotNil(t, sug)
	assert.Less(t, sug.Threshold, uint64(DefaultHotThreshold))
	assert.GreaterOrEqual(t, sug.Threshold, uint64(minThreshold))
}

func TestThresholdBounds(t *testing.T) {
	assert.Equal(t, uint64(minThreshold), bound(0))
	assert.Equal(t, uint64(maxThreshold), bound(1<<40))
	assert.Equal(t, uint64(500), bound(500))
}

func TestNoSuggestionBeforeMinExecutions(t *testing.T) {
	m, err := New(testCfg(), nil)
	require.NoError(t, err)

	pc := isa.GuestAddr(0x3000)
	for i := 0; i < 5; i++ {
		m.Touch(pc)
		assert.Nil(t, m.Observe(pc, 1000, 64, 1, false))
	}
}

func TestGuardBlocksAutoApply(t *testing.T) {
	cfg := testCfg()
	cfg.Guard = "exec_count > 100000"
	applied := false
	m, err := New(cfg, func(isa.GuestAddr) { applied = true })
	require.NoError(t, err)

	pc := isa.GuestAddr(0x4000)
	ns := uint64(1_000_000)
	for i := 0; i < 12; i++ {
		m.Touch(pc)
		m.Observe(pc, ns, 128, 1, false)
		ns = ns * 105 / 100
	}
	assert.False(t, applied, "guard expression gates auto-apply")
}

func TestInvalidGuardRejected(t *testing.T) {
	cfg := testCfg()
	cfg.Guard = "exec_count >>>"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestTouchCounts(t *testing.T) {
	m, err := New(testCfg(), nil)
	require.NoError(t, err)

	count, threshold := m.Touch(0x5000)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, uint64(DefaultHotThreshold), threshold)
	count, _ = m.Touch(0x5000)
	assert.Equal(t, uint64(2), count)
}

func TestSuggestionsDrain(t *testing.T) {
	m, err := New(testCfg(), nil)
	require.NoError(t, err)

	pc := isa.GuestAddr(0x6000)
	ns := uint64(2_000_000)
	for i := 0; i < 12; i++ {
		m.Touch(pc)
		m.Observe(pc, ns, 128, 1, false)
		ns = ns * 110 / 100
	}
	first := m.Suggestions()
	assert.NotEmpty(t, first)
	assert.Empty(t, m.Suggestions(), "drained")
}
