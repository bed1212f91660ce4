package precompile

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossvm/internal/artifact"
	"crossvm/internal/config"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
	"crossvm/internal/tiercache"
)

func testCache() (*tiercache.Cache, *artifact.Reclaimer) {
	rec := artifact.NewReclaimer()
	return tiercache.New(config.Tiers{
		L1Capacity: 1024, L2Capacity: 4096, L3Capacity: 16384,
		L2ToL1Threshold: 100, L3ToL2Threshold: 50, ByteCeiling: 1 << 28,
	}, rec), rec
}

func testBlock(pc isa.GuestAddr) *ir.Block {
	return &ir.Block{
		StartPC:    pc,
		Ops:        []ir.Op{{Kind: ir.OpMovImm, Dst: 1, Imm: 1}},
		Term:       ir.Terminator{Kind: ir.TermReturn},
		GuestBytes: 4,
	}
}

func taskFor(pc isa.GuestAddr) Task {
	b := testBlock(pc)
	fp := ir.FingerprintOf(b, ir.FingerprintConfig{Target: isa.Target{Arch: isa.ArchX86_64}, OptLevel: 1})
	return Task{Block: b, Fingerprint: fp, Priority: 5, Level: 1, Tier: tiercache.L3}
}

func TestCompilesAndPublishes(t *testing.T) {
	cache, _ := testCache()
	p := New(config.Precompile{Workers: 2, ChannelCapacity: 16}, Placeholder{}, cache)

	task := taskFor(0x1000)
	require.True(t, p.Enqueue(task))

	require.Eventually(t, func() bool {
		_, ok := cache.Lookup(0x1000)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	p.Close()
	s := p.Stats()
	assert.Equal(t, uint64(1), s.Compiled)
	assert.Zero(t, s.Failed)
}

func TestOverflowDropsAndCounts(t *testing.T) {
	cache, _ := testCache()
	// No workers draining yet: build with 1 worker but flood fast
	// enough that the 100-slot channel overflows.
	p := New(config.Precompile{Workers: 1, ChannelCapacity: 100}, slowBackend{delay: 5 * time.Millisecond}, cache)
	defer p.Close()

	accepted := 0
	for i := 0; i < 200; i++ {
		if p.Enqueue(taskFor(isa.GuestAddr(0x1000 + i*0x100))) {
			accepted++
		}
	}
	dropped := p.Stats().Dropped
	assert.Equal(t, uint64(200-accepted), dropped)
	assert.LessOrEqual(t, accepted, 102, "at most capacity plus in-flight accepted")
	assert.GreaterOrEqual(t, dropped, uint64(98))
}

func TestDedupAgainstCache(t *testing.T) {
	cache, _ := testCache()
	p := New(config.Precompile{Workers: 1, ChannelCapacity: 8}, Placeholder{}, cache)
	defer p.Close()

	task := taskFor(0x2000)
	require.True(t, p.Enqueue(task))
	require.Eventually(t, func() bool {
		_, ok := cache.Lookup(0x2000)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, p.Enqueue(task), "already-published fingerprint dedups")
	assert.Equal(t, uint64(1), p.Stats().Deduped)
}

func TestCloseDrainsQueue(t *testing.T) {
	cache, _ := testCache()
	p := New(config.Precompile{Workers: 2, ChannelCapacity: 64}, Placeholder{}, cache)

	for i := 0; i < 20; i++ {
		p.Enqueue(taskFor(isa.GuestAddr(0x9000 + i*0x100)))
	}
	p.Close()

	assert.Zero(t, p.QueueLen(), "queued tasks drained at shutdown")
	_, _, l3 := cache.Sizes()
	assert.Equal(t, 20, l3)
}

func TestEnqueueAfterCloseDrops(t *testing.T) {
	cache, _ := testCache()
	p := New(config.Precompile{Workers: 1, ChannelCapacity: 8}, Placeholder{}, cache)
	p.Close()

	assert.False(t, p.Enqueue(taskFor(0x3000)))
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestFailedCompilationCounts(t *testing.T) {
	cache, _ := testCache()
	p := New(config.Precompile{Workers: 1, ChannelCapacity: 8}, failingBackend{}, cache)

	require.True(t, p.Enqueue(taskFor(0x4000)))
	require.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	p.Close()

	_, ok := cache.Lookup(0x4000)
	assert.False(t, ok, "failed task is dropped, not published")
}

// slowBackend delays to keep the queue backed up during the overflow
// test.
type slowBackend struct {
	delay time.Duration
}

func (s slowBackend) Compile(b *ir.Block, level uint8, simd bool) (*artifact.Artifact, error) {
	time.Sleep(s.delay)
	return Placeholder{}.Compile(b, level, simd)
}

type failingBackend struct{}

func (failingBackend) Compile(b *ir.Block, level uint8, simd bool) (*artifact.Artifact, error) {
	return nil, fmt.Errorf("no backend for block at %s", b.StartPC)
}
