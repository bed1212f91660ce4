package sched

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossvm/internal/artifact"
	"crossvm/internal/config"
	"crossvm/internal/guest"
)

func testSchedConfig(workers int) config.Sched {
	return config.Sched{
		Workers:              workers,
		TimeSliceUS:          100,
		LoadBalanceThreshold: 0.3,
		MaxCoroutines:        1000,
	}
}

// runScheduler runs s until the test ends.
func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func TestCoroutineCompletes(t *testing.T) {
	s := New(testSchedConfig(2))
	runScheduler(t, s)

	var ran atomic.Bool
	id, err := s.Submit(func(st *guest.State, budget uint64) SliceResult {
		ran.Store(true)
		return SliceResult{Status: SliceDone, Cycles: 10}
	}, PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := s.Lookup(id)
		return ok && c.State() == StateDone
	}, 2*time.Second, time.Millisecond)
	assert.True(t, ran.Load())

	c, _ := s.Lookup(id)
	assert.Equal(t, uint64(10), c.CyclesExecuted())
}

func TestYieldResumesLater(t *testing.T) {
	s := New(testSchedConfig(1))
	runScheduler(t, s)

	var slices atomic.Int32
	id, err := s.Submit(func(st *guest.State, budget uint64) SliceResult {
		if slices.Add(1) < 3 {
			return SliceResult{Status: SliceYield, Cycles: budget}
		}
		return SliceResult{Status: SliceDone, Cycles: 1}
	}, PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := s.Lookup(id)
		return ok && c.State() == StateDone
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), slices.Load(), "coroutine was rescheduled after each yield")
}

func TestWaitAndResume(t *testing.T) {
	s := New(testSchedConfig(1))
	runScheduler(t, s)

	var slices atomic.Int32
	id, err := s.Submit(func(st *guest.State, budget uint64) SliceResult {
		if slices.Add(1) == 1 {
			return SliceResult{Status: SliceWait, Cycles: 5}
		}
		return SliceResult{Status: SliceDone, Cycles: 5}
	}, PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, _ := s.Lookup(id)
		return c.State() == StateWaiting
	}, 2*time.Second, time.Millisecond)

	require.True(t, s.Resume(id))
	require.Eventually(t, func() bool {
		c, _ := s.Lookup(id)
		return c.State() == StateDone
	}, 2*time.Second, time.Millisecond)

	assert.False(t, s.Resume(id), "done coroutine cannot resume")
}

func TestPriorityOrderWithinVCPU(t *testing.T) {
	// Single worker: queue order must respect strict priority.
	s := New(testSchedConfig(1))

	var order []CoroutineID
	var mu atomic.Pointer[[]CoroutineID]
	mu.Store(&order)
	record := func(id *CoroutineID) Body {
		return func(st *guest.State, budget uint64) SliceResult {
			cur := mu.Load()
			next := append(*cur, *id)
			mu.Store(&next)
			return SliceResult{Status: SliceDone, Cycles: 1}
		}
	}

	var lowID, rtID, normalID CoroutineID
	var err error
	lowID, err = s.Submit(record(&lowID), PriorityLow)
	require.NoError(t, err)
	normalID, err = s.Submit(record(&normalID), PriorityNormal)
	require.NoError(t, err)
	rtID, err = s.Submit(record(&rtID), PriorityRealTime)
	require.NoError(t, err)

	runScheduler(t, s)

	require.Eventually(t, func() bool {
		return len(*mu.Load()) == 3
	}, 2*time.Second, time.Millisecond)

	got := *mu.Load()
	assert.Equal(t, []CoroutineID{rtID, normalID, lowID}, got)
}

func TestCancelDropsReferences(t *testing.T) {
	s := New(testSchedConfig(1))

	id, err := s.Submit(func(st *guest.State, budget uint64) SliceResult {
		return SliceResult{Status: SliceYield, Cycles: 1}
	}, PriorityLow)
	require.NoError(t, err)

	c, ok := s.Lookup(id)
	require.True(t, ok)

	a, err := artifact.New(0x1000, 4, 1, []byte{0xc3},
		artifact.Descriptor{RegMap: map[uint32]artifact.Location{}},
		func(st *guest.State) guest.Exit { return guest.Continue(0x1004, 1) })
	require.NoError(t, err)
	require.True(t, a.Retain())
	require.True(t, c.HoldArtifact(a))

	refsBefore := a.Refs()
	require.True(t, s.Cancel(id))
	assert.Equal(t, StateDone, c.State())
	assert.Zero(t, c.ArtifactRefs(), "done coroutine holds no references")
	assert.Equal(t, refsBefore-1, a.Refs())

	assert.False(t, c.HoldArtifact(a), "done coroutine refuses new references")
}

func TestMaxCoroutinesBound(t *testing.T) {
	cfg := testSchedConfig(1)
	cfg.MaxCoroutines = 2
	s := New(cfg)

	body := func(st *guest.State, budget uint64) SliceResult {
		return SliceResult{Status: SliceYield, Cycles: 1}
	}
	_, err := s.Submit(body, PriorityNormal)
	require.NoError(t, err)
	_, err = s.Submit(body, PriorityNormal)
	require.NoError(t, err)
	_, err = s.Submit(body, PriorityNormal)
	assert.Error(t, err)
}

func TestWorkSpreadsAcrossWorkers(t *testing.T) {
	s := New(testSchedConfig(4))
	runScheduler(t, s)

	var seen [8]atomic.Uint64
	const n = 200
	for i := 0; i < n; i++ {
		_, err := s.Submit(func(st *guest.State, budget uint64) SliceResult {
			// record which vCPU served us via its pointer identity
			for idx, v := range s.VCPUs() {
				if &v.State == st {
					seen[idx].Add(1)
					break
				}
			}
			return SliceResult{Status: SliceDone, Cycles: 100}
		}, PriorityNormal)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		var total uint64
		for i := range seen {
			total += seen[i].Load()
		}
		return total == n
	}, 5*time.Second, time.Millisecond)

	busy := 0
	for i := range seen {
		if seen[i].Load() > 0 {
			busy++
		}
	}
	assert.GreaterOrEqual(t, busy, 2, "work spread over multiple vCPUs")
	assert.Equal(t, uint64(n), s.Stats().Created)
}

func TestRebalanceShedsOverload(t *testing.T) {
	s := New(testSchedConfig(2))

	// Pile everything on vCPU 0 before starting the workers.
	for i := 0; i < 50; i++ {
		c := &Coroutine{ID: CoroutineID(1000 + i), Priority: PriorityNormal,
			body: func(st *guest.State, budget uint64) SliceResult {
				time.Sleep(time.Millisecond)
				return SliceResult{Status: SliceDone, Cycles: 1}
			}}
		c.vcpu.Store(0)
		s.mu.Lock()
		s.coroutines[c.ID] = c
		s.mu.Unlock()
		s.vcpus[0].push(c)
	}

	runScheduler(t, s)
	require.Eventually(t, func() bool {
		util := s.Utilization()
		return util[0] == 0 && util[1] == 0
	}, 10*time.Second, 5*time.Millisecond)

	st := s.Stats()
	assert.NotZero(t, st.Scheduled)
	assert.NotZero(t, st.Steals+st.LoadBalances, "idle worker stole or rebalancing moved work")
}

func TestDrainDone(t *testing.T) {
	s := New(testSchedConfig(1))
	runScheduler(t, s)

	for i := 0; i < 5; i++ {
		_, err := s.Submit(func(st *guest.State, budget uint64) SliceResult {
			return SliceResult{Status: SliceDone, Cycles: 1}
		}, PriorityNormal)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return s.DrainDone() > 0 || s.Stats().Live == 0
	}, 2*time.Second, time.Millisecond)
}
