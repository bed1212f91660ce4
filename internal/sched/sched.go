/*
Package sched multiplexes guest coroutines over a fixed pool of worker
goroutines. Each worker owns one or more vCPUs; every vCPU keeps strict
priority-ordered local ready queues, with one global queue absorbing
overflow and rebalanced work. Idle workers steal the lowest-priority
tail of the most loaded peer. Coroutines are cooperative: a slice runs
until the cycle budget expires, the coroutine blocks, or it completes.
*/
package sched

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"crossvm/internal/artifact"
	"crossvm/internal/config"
	"crossvm/internal/fault"
	"crossvm/internal/guest"
)

// CoroutineID names one coroutine for resume and cancellation.
type CoroutineID uint64

// Priority orders coroutines strictly within a vCPU.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealTime
	priorityLevels
)

func (p Priority) String() string {
	switch p {
	case PriorityRealTime:
		return "realtime"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// State is the coroutine lifecycle state.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	default:
		return "done"
	}
}

// SliceStatus says how a coroutine's slice ended.
type SliceStatus int

const (
	// SliceYield means the budget ran out or the coroutine chose to
	// yield; it goes back to Ready.
	SliceYield SliceStatus = iota
	// SliceWait means the coroutine blocks on an external event until
	// Resume.
	SliceWait
	// SliceDone means the coroutine completed.
	SliceDone
	// SliceFatal carries a host-side failure that terminates the
	// coroutine.
	SliceFatal
)

// SliceResult is what a coroutine body reports after one slice.
type SliceResult struct {
	Status SliceStatus
	Cycles uint64
	Err    error
}

// Body runs one slice of guest execution against the owning vCPU's
// state. The only suspension points are block boundaries and
// runtime-helper returns, so the budget check happens between blocks.
type Body func(st *guest.State, budget uint64) SliceResult

// Coroutine is the schedulable unit.
type Coroutine struct {
	ID       CoroutineID
	Priority Priority
	body     Body

	state         atomic.Int32
	cyclesGranted atomic.Uint64
	cyclesRun     atomic.Uint64
	vcpu          atomic.Int32 // assigned vCPU or -1

	refMu sync.Mutex
	refs  []*artifact.Artifact
}

// State returns the coroutine's lifecycle state.
func (c *Coroutine) State() State { return State(c.state.Load()) }

// CyclesExecuted returns the cycles the coroutine has consumed.
func (c *Coroutine) CyclesExecuted() uint64 { return c.cyclesRun.Load() }

// VCPU returns the assigned vCPU id, or -1.
func (c *Coroutine) VCPU() int { return int(c.vcpu.Load()) }

// HoldArtifact records a reference the coroutine holds across slices.
// All references drop when the coroutine finishes. It reports false,
// without taking the reference, when the coroutine is already Done, so
// a cancel racing a yield cannot strand a pin.
func (c *Coroutine) HoldArtifact(a *artifact.Artifact) bool {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.State() == StateDone {
		return false
	}
	c.refs = append(c.refs, a)
	return true
}

// ReleaseArtifacts drops every held artifact reference.
func (c *Coroutine) ReleaseArtifacts() {
	c.refMu.Lock()
	refs := c.refs
	c.refs = nil
	c.refMu.Unlock()
	for _, a := range refs {
		a.Release()
	}
}

// ArtifactRefs reports how many references the coroutine holds.
func (c *Coroutine) ArtifactRefs() int {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return len(c.refs)
}

// VCPU is one virtual CPU: architectural state plus local ready queues.
type VCPU struct {
	ID    int
	State guest.State

	mu     sync.Mutex
	queues [priorityLevels][]*Coroutine
	// running is the coroutine currently on this vCPU.
	running *Coroutine

	scheduled atomic.Uint64
}

// push appends a coroutine to its priority queue.
func (v *VCPU) push(c *Coroutine) {
	v.mu.Lock()
	v.queues[c.Priority] = append(v.queues[c.Priority], c)
	v.mu.Unlock()
}

// pop removes the highest-priority ready coroutine.
func (v *VCPU) pop() *Coroutine {
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := PriorityRealTime; p >= PriorityLow; p-- {
		q := v.queues[p]
		if len(q) > 0 {
			c := q[0]
			v.queues[p] = q[1:]
			return c
		}
	}
	return nil
}

// stealTail removes the tail of the lowest-priority non-empty queue;
// peers call this, so thieves take the work least likely to matter.
func (v *VCPU) stealTail() *Coroutine {
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := PriorityLow; p < priorityLevels; p++ {
		q := v.queues[p]
		if len(q) > 0 {
			c := q[len(q)-1]
			v.queues[p] = q[:len(q)-1]
			return c
		}
	}
	return nil
}

// depth is the local ready-queue population; the utilization gauge.
func (v *VCPU) depth() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for p := range v.queues {
		n += len(v.queues[p])
	}
	if v.running != nil {
		n++
	}
	return n
}

// Stats is the scheduler's counter snapshot.
type Stats struct {
	Created        uint64
	Scheduled      uint64
	ContextSwitches uint64
	LoadBalances   uint64
	Steals         uint64
	Live           int
}

// Scheduler owns the vCPUs and workers.
type Scheduler struct {
	cfg    config.Sched
	vcpus  []*VCPU
	global chan *Coroutine

	mu         sync.Mutex
	coroutines map[CoroutineID]*Coroutine
	nextID     atomic.Uint64

	created      atomic.Uint64
	scheduled    atomic.Uint64
	switches     atomic.Uint64
	loadBalances atomic.Uint64
	steals       atomic.Uint64

	// Quiesce hooks into epoch reclamation: each worker reports a
	// quiescent point between slices.
	Reclaimer *artifact.Reclaimer
}

// New builds a scheduler with cfg.Workers vCPUs (one per worker).
func New(cfg config.Sched) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		global:     make(chan *Coroutine, cfg.MaxCoroutines),
		coroutines: make(map[CoroutineID]*Coroutine),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.vcpus = append(s.vcpus, &VCPU{ID: i})
	}
	return s
}

// VCPUs exposes the vCPU set (the engine seeds register state through
// it).
func (s *Scheduler) VCPUs() []*VCPU { return s.vcpus }

// Submit creates a Ready coroutine and places it on the least-loaded
// vCPU's local queue.
func (s *Scheduler) Submit(body Body, prio Priority) (CoroutineID, error) {
	s.mu.Lock()
	if len(s.coroutines) >= s.cfg.MaxCoroutines {
		s.mu.Unlock()
		return 0, fault.New(fault.KindResourceExhausted, 0, "coroutine limit %d reached", s.cfg.MaxCoroutines)
	}
	id := CoroutineID(s.nextID.Add(1))
	c := &Coroutine{ID: id, Priority: prio, body: body}
	c.vcpu.Store(-1)
	s.coroutines[id] = c
	s.mu.Unlock()

	s.created.Add(1)
	target := s.leastLoaded()
	c.vcpu.Store(int32(target.ID))
	target.push(c)
	return id, nil
}

func (s *Scheduler) leastLoaded() *VCPU {
	best := s.vcpus[0]
	bestDepth := best.depth()
	for _, v := range s.vcpus[1:] {
		if d := v.depth(); d < bestDepth {
			best, bestDepth = v, d
		}
	}
	return best
}

// Resume transitions a Waiting coroutine back to Ready and requeues it.
func (s *Scheduler) Resume(id CoroutineID) bool {
	s.mu.Lock()
	c, ok := s.coroutines[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !c.state.CompareAndSwap(int32(StateWaiting), int32(StateReady)) {
		return false
	}
	if v := c.VCPU(); v >= 0 && v < len(s.vcpus) {
		s.vcpus[v].push(c)
	} else {
		s.global <- c
	}
	return true
}

// Cancel terminates a coroutine: it goes Done and drops its references.
// A Running coroutine finishes its current slice first; the dispatcher
// never blocks on a coroutine it is evicting.
func (s *Scheduler) Cancel(id CoroutineID) bool {
	s.mu.Lock()
	c, ok := s.coroutines[id]
	s.mu.Unlock()
	if !ok || c.State() == StateDone {
		return false
	}
	c.state.Store(int32(StateDone))
	c.ReleaseArtifacts()
	return true
}

// Lookup returns a coroutine by id.
func (s *Scheduler) Lookup(id CoroutineID) (*Coroutine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coroutines[id]
	return c, ok
}

// Run drives the workers until ctx is cancelled or a worker fails.
// Worker death is fatal and propagates to the caller.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range s.vcpus {
		v := s.vcpus[i]
		g.Go(func() error { return s.worker(ctx, v) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fault.Wrap(fault.KindFatal, 0, err)
	}
	return nil
}

// sliceCycles converts the configured time slice into the cycle budget
// charged per slice; the core's only clock is instruction counting.
func (s *Scheduler) sliceCycles() uint64 {
	return s.cfg.TimeSliceUS * 1000
}

const rebalanceEvery = 64

func (s *Scheduler) worker(ctx context.Context, v *VCPU) error {
	workerID := -1
	if s.Reclaimer != nil {
		workerID = s.Reclaimer.RegisterWorker()
		defer s.Reclaimer.UnregisterWorker(workerID)
	}
	slog.Debug("scheduler worker started", slog.Int("vcpu", v.ID))
	iter := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		iter++
		if iter%rebalanceEvery == 0 {
			s.rebalance()
		}
		if s.Reclaimer != nil {
			s.Reclaimer.Quiesce(workerID)
			s.Reclaimer.Collect()
		}

		c := v.pop()
		if c == nil {
			c = s.takeGlobal()
		}
		if c == nil {
			c = s.steal(v)
			if c != nil {
				s.steals.Add(1)
			}
		}
		if c == nil {
			select {
			case <-ctx.Done():
				return nil
			case c = <-s.global:
			case <-time.After(time.Millisecond):
				continue
			}
		}

		if c.State() == StateDone {
			continue // cancelled while queued
		}
		s.runSlice(ctx, v, c)
	}
}

func (s *Scheduler) takeGlobal() *Coroutine {
	select {
	case c := <-s.global:
		return c
	default:
		return nil
	}
}

// steal takes the lowest-priority tail of the most loaded peer.
func (s *Scheduler) steal(self *VCPU) *Coroutine {
	var target *VCPU
	targetDepth := 0
	for _, v := range s.vcpus {
		if v == self {
			continue
		}
		if d := v.depth(); d > targetDepth {
			target, targetDepth = v, d
		}
	}
	if target == nil {
		return nil
	}
	return target.stealTail()
}

// rebalance sheds one coroutine from every vCPU whose depth exceeds the
// mean by the configured threshold.
func (s *Scheduler) rebalance() {
	total := 0
	depths := make([]int, len(s.vcpus))
	for i, v := range s.vcpus {
		depths[i] = v.depth()
		total += depths[i]
	}
	mean := float64(total) / float64(len(s.vcpus))
	if mean == 0 {
		return
	}
	limit := mean * (1 + s.cfg.LoadBalanceThreshold)
	for i, v := range s.vcpus {
		if float64(depths[i]) > limit {
			if c := v.stealTail(); c != nil {
				c.vcpu.Store(-1)
				select {
				case s.global <- c:
					s.loadBalances.Add(1)
				default:
					v.push(c) // global full, keep it local
				}
			}
		}
	}
}

func (s *Scheduler) runSlice(ctx context.Context, v *VCPU, c *Coroutine) {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		return
	}
	c.vcpu.Store(int32(v.ID))
	v.mu.Lock()
	v.running = c
	v.mu.Unlock()
	v.scheduled.Add(1)
	s.scheduled.Add(1)

	budget := s.sliceCycles()
	c.cyclesGranted.Store(budget)
	res := c.body(&v.State, budget)
	c.cyclesRun.Add(res.Cycles)

	v.mu.Lock()
	v.running = nil
	v.mu.Unlock()
	s.switches.Add(1)

	switch res.Status {
	case SliceYield:
		if c.state.CompareAndSwap(int32(StateRunning), int32(StateReady)) {
			v.push(c)
		}
	case SliceWait:
		c.state.CompareAndSwap(int32(StateRunning), int32(StateWaiting))
	case SliceDone:
		c.state.Store(int32(StateDone))
		c.ReleaseArtifacts()
	case SliceFatal:
		c.state.Store(int32(StateDone))
		c.ReleaseArtifacts()
		slog.Error("coroutine terminated by host fault",
			slog.Uint64("coroutine", uint64(c.ID)),
			slog.String("error", res.Err.Error()))
	}
}

// DrainDone removes Done coroutines from the registry and returns how
// many were reaped.
func (s *Scheduler) DrainDone() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.coroutines {
		if c.State() == StateDone {
			delete(s.coroutines, id)
			n++
		}
	}
	return n
}

// Utilization reports per-vCPU queue depths.
func (s *Scheduler) Utilization() []int {
	out := make([]int, len(s.vcpus))
	for i, v := range s.vcpus {
		out[i] = v.depth()
	}
	return out
}

// Stats returns a counter snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	live := len(s.coroutines)
	s.mu.Unlock()
	return Stats{
		Created:         s.created.Load(),
		Scheduled:       s.scheduled.Load(),
		ContextSwitches: s.switches.Load(),
		LoadBalances:    s.loadBalances.Load(),
		Steals:          s.steals.Load(),
		Live:            live,
	}
}
