/*
Package engine glues the execution core together: the per-vCPU dispatch
loop over the tier cache, synchronous and background compilation, the
adaptive manager's feedback, TLB-backed memory access, and the
coroutine scheduler. The dispatch loop is the only place all the
components meet.
*/
package engine

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crossvm/internal/adaptive"
	"crossvm/internal/artifact"
	"crossvm/internal/codegen"
	"crossvm/internal/config"
	"crossvm/internal/device"
	"crossvm/internal/fault"
	"crossvm/internal/guest"
	"crossvm/internal/interp"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
	"crossvm/internal/mem"
	"crossvm/internal/precompile"
	"crossvm/internal/regalloc"
	"crossvm/internal/sched"
	"crossvm/internal/tiercache"
	"crossvm/internal/tlb"
)

// BlockSource is the decoder boundary: it produces a complete IR block
// for a guest PC. No partial blocks cross it.
type BlockSource interface {
	BlockAt(pc isa.GuestAddr, asid isa.ASID) (*ir.Block, error)
}

// GuestStatus is the user-visible outcome of one guest coroutine.
type GuestStatus int

const (
	// StatusRunning means the coroutine has not finished.
	StatusRunning GuestStatus = iota
	// StatusCompleted means the guest finished normally.
	StatusCompleted
	// StatusTrapped means a guest trap ended execution; TrapCode is
	// set.
	StatusTrapped
	// StatusFatal means a host-side failure ended execution; Err is
	// set.
	StatusFatal
)

// GuestResult is the terminal record of one guest coroutine.
type GuestResult struct {
	Status   GuestStatus
	TrapCode uint32
	PC       isa.GuestAddr
	Err      error
}

// asyncOpThreshold is the block size above which synchronous
// compilation would stall the fast path; such blocks go to the
// precompiler and the interpreter serves the miss.
const asyncOpThreshold = 64

// blacklistWindow is the back-off after a compile failure at a PC; the
// interpreter serves the PC until it passes. A decode failure is not
// blacklisted: it faults the coroutine.
const blacklistWindow = 250 * time.Millisecond

// errorHistoryDepth bounds the queryable per-PC error ring.
const errorHistoryDepth = 8

// Engine is the assembled execution core.
type Engine struct {
	cfg    config.Config
	target isa.Target

	mmu     *mem.SoftMMU
	tlb     *tlb.Cache
	rt      *codegen.Runtime
	tiers   *tiercache.Cache
	rec     *artifact.Reclaimer
	gen     *codegen.Generator
	interp  *interp.Interpreter
	adapt   *adaptive.Manager
	pre     *precompile.Precompiler
	sched   *sched.Scheduler
	surface *device.Surface
	source  BlockSource

	strategy isa.TranslationStrategy

	resMu   sync.Mutex
	results map[sched.CoroutineID]*GuestResult

	blMu      sync.Mutex
	blacklist map[isa.GuestAddr]time.Time

	histMu  sync.Mutex
	history map[isa.GuestAddr][]error

	dispatchEntries atomic.Uint64
	chainFollows    atomic.Uint64
	chainPatches    atomic.Uint64
	interpRuns      atomic.Uint64
	syncCompiles    atomic.Uint64
}

// New assembles an engine from configuration and a decoder.
func New(cfg config.Config, source BlockSource) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	guestArch, err := isa.ParseArch(cfg.GuestArch)
	if err != nil {
		return nil, err
	}
	hostArch, err := isa.ParseArch(cfg.HostArch)
	if err != nil {
		return nil, err
	}
	strategy, err := isa.SelectStrategy(guestArch, hostArch, isa.StrategyRequirements{})
	if err != nil {
		return nil, err
	}
	// The allocator and the encoder must agree on the register budget:
	// the smaller of the configured and the native count wins.
	target := isa.NativeTarget(hostArch)
	if cfg.RegAlloc.PhysicalRegisters < target.PhysRegs {
		target.PhysRegs = cfg.RegAlloc.PhysicalRegisters
	} else {
		cfg.RegAlloc.PhysicalRegisters = target.PhysRegs
	}

	e := &Engine{
		cfg:       cfg,
		target:    target,
		mmu:       mem.NewSoftMMU(),
		rec:       artifact.NewReclaimer(),
		source:    source,
		strategy:  strategy,
		results:   make(map[sched.CoroutineID]*GuestResult),
		blacklist: make(map[isa.GuestAddr]time.Time),
		history:   make(map[isa.GuestAddr][]error),
	}
	e.tlb = tlb.New(cfg.TLB, e.mmu.Translate)
	e.rt = codegen.NewRuntime(e.mmu, e.tlb, isa.LittleEndian, target.Endianness, cfg.AlignmentFaults)
	e.tiers = tiercache.New(cfg.Tiers, e.rec)

	alloc, err := regalloc.New(cfg.RegAlloc)
	if err != nil {
		return nil, err
	}
	e.gen = codegen.NewGenerator(target, e.rt, alloc)
	e.interp = interp.New(e.rt)

	e.adapt, err = adaptive.New(cfg.Adaptive, func(pc isa.GuestAddr) {
		e.tiers.Invalidate(pc)
	})
	if err != nil {
		return nil, err
	}
	e.pre = precompile.New(cfg.Precompile, e.gen, e.tiers)
	e.sched = sched.New(cfg.Sched)
	e.sched.Reclaimer = e.rec
	e.surface = device.NewSurface(int(isa.PageSize), func(va isa.GuestAddr, access isa.Access) (isa.HostPhysAddr, isa.Access, error) {
		return e.mmu.Translate(va, isa.ASIDGlobal, access)
	})

	slog.Info("engine assembled",
		slog.String("guest", guestArch.String()),
		slog.String("host", hostArch.String()),
		slog.String("strategy", strategy.String()),
		slog.Int("workers", cfg.Sched.Workers))
	return e, nil
}

// Memory exposes the engine's MMU for loaders and tests.
func (e *Engine) Memory() *mem.SoftMMU { return e.mmu }

// TLB exposes the translation cache.
func (e *Engine) TLB() *tlb.Cache { return e.tlb }

// Tiers exposes the tier cache.
func (e *Engine) Tiers() *tiercache.Cache { return e.tiers }

// Adaptive exposes the threshold manager.
func (e *Engine) Adaptive() *adaptive.Manager { return e.adapt }

// Precompiler exposes the background compiler.
func (e *Engine) Precompiler() *precompile.Precompiler { return e.pre }

// Scheduler exposes the coroutine scheduler.
func (e *Engine) Scheduler() *sched.Scheduler { return e.sched }

// Device exposes the zero-copy surface.
func (e *Engine) Device() *device.Surface { return e.surface }

// Strategy reports the selected translation strategy.
func (e *Engine) Strategy() isa.TranslationStrategy { return e.strategy }

// Run drives the scheduler until ctx is cancelled. Worker death
// surfaces as a Fatal error.
func (e *Engine) Run(ctx context.Context) error {
	return e.sched.Run(ctx)
}

// Close stops background machinery and reclaims what can be reclaimed.
func (e *Engine) Close() {
	e.pre.Close()
	e.tlb.Close()
	e.rec.Collect()
}

// Spawn creates a guest coroutine starting at entry in the given
// address space. Each coroutine carries its own guest context, loaded
// onto the owning vCPU's register file for the duration of a slice,
// and a resident artifact: the compiled block a yielded coroutine will
// resume into, pinned through the coroutine's reference so
// cancellation releases it.
func (e *Engine) Spawn(entry isa.GuestAddr, asid isa.ASID, prio sched.Priority) (sched.CoroutineID, error) {
	var idBits atomic.Uint64
	var resident *artifact.Artifact
	local := &guest.State{PC: entry, ASID: asid}
	body := func(st *guest.State, budget uint64) sched.SliceResult {
		id := sched.CoroutineID(idBits.Load())
		*st = *local // context switch in
		res := e.slice(id, st, budget, &resident)
		*local = *st // context switch out
		return res
	}
	cid, err := e.sched.Submit(body, prio)
	if err != nil {
		return 0, err
	}
	idBits.Store(uint64(cid))
	e.resMu.Lock()
	if _, ok := e.results[cid]; !ok {
		e.results[cid] = &GuestResult{Status: StatusRunning, PC: entry}
	}
	e.resMu.Unlock()
	return cid, nil
}

// Result returns the current record for a coroutine.
func (e *Engine) Result(id sched.CoroutineID) (GuestResult, bool) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	r, ok := e.results[id]
	if !ok {
		return GuestResult{}, false
	}
	return *r, true
}

func (e *Engine) setResult(id sched.CoroutineID, mut func(*GuestResult)) {
	e.resMu.Lock()
	r, ok := e.results[id]
	if !ok {
		r = &GuestResult{Status: StatusRunning}
		e.results[id] = r
	}
	mut(r)
	e.resMu.Unlock()
}

// slice runs one scheduler slice of guest code. resident, when non-nil,
// is the coroutine's pinned artifact from the previous slice; the first
// dispatch resumes into it without a cache lookup.
func (e *Engine) slice(id sched.CoroutineID, st *guest.State, budget uint64, resident **artifact.Artifact) sched.SliceResult {
	var used uint64
	first := true
	for used < budget {
		var ex guest.Exit
		if first && resident != nil && *resident != nil &&
			(*resident).StartPC == st.PC && (*resident).Retain() {
			e.dispatchEntries.Add(1)
			ex = e.runArtifact(*resident, st)
		} else {
			ex = e.dispatchOnce(st)
		}
		first = false
		used += ex.Cycles
		switch ex.Kind {
		case guest.ExitNext:
			st.PC = ex.NextPC
		case guest.ExitDone:
			st.PC = ex.NextPC
			e.setResult(id, func(r *GuestResult) {
				r.Status = StatusCompleted
				r.PC = st.PC
			})
			return sched.SliceResult{Status: sched.SliceDone, Cycles: used}
		case guest.ExitTrap:
			e.recordError(st.PC, fault.Trap(st.PC, ex.TrapCode))
			e.setResult(id, func(r *GuestResult) {
				r.Status = StatusTrapped
				r.TrapCode = ex.TrapCode
				r.PC = st.PC
				r.Err = ex.Err
			})
			return sched.SliceResult{Status: sched.SliceDone, Cycles: used}
		case guest.ExitFault:
			e.recordError(st.PC, ex.Err)
			e.setResult(id, func(r *GuestResult) {
				r.Status = StatusFatal
				r.PC = st.PC
				r.Err = ex.Err
			})
			return sched.SliceResult{Status: sched.SliceFatal, Cycles: used, Err: ex.Err}
		}
	}
	e.setResult(id, func(r *GuestResult) { r.PC = st.PC })
	if resident != nil {
		e.pinResident(id, st.PC, resident)
	}
	return sched.SliceResult{Status: sched.SliceYield, Cycles: used}
}

// pinResident parks a reference to the artifact the coroutine will
// resume into. The reference is held through the coroutine, so a
// cancelled or completed coroutine drops it without the engine's help.
func (e *Engine) pinResident(id sched.CoroutineID, pc isa.GuestAddr, resident **artifact.Artifact) {
	co, ok := e.sched.Lookup(id)
	if !ok {
		return
	}
	if *resident != nil {
		co.ReleaseArtifacts()
		*resident = nil
	}
	if a, hit := e.tiers.Lookup(pc); hit && a.StartPC == pc && a.Retain() {
		if co.HoldArtifact(a) {
			*resident = a
		} else {
			a.Release() // coroutine finished while we were pinning
		}
	}
}

// dispatchOnce is one dispatcher entry: tier lookup, then hit, compile,
// or interpret. Chained artifacts execute inside a single entry.
func (e *Engine) dispatchOnce(st *guest.State) guest.Exit {
	e.dispatchEntries.Add(1)
	pc := st.PC

	if a, ok := e.tiers.Lookup(pc); ok && a.StartPC == pc && a.Retain() {
		return e.runArtifact(a, st)
	}

	e.adapt.Touch(pc)
	blk, err := e.source.BlockAt(pc, st.ASID)
	if err != nil {
		// decode failure is terminal for the coroutine
		e.recordError(pc, err)
		return guest.Fault(fault.Wrap(fault.KindDecode, pc, err))
	}

	if e.blacklisted(pc) {
		return e.interpret(blk, st)
	}

	level, simd := e.adapt.Level(pc)
	if len(blk.Ops) >= asyncOpThreshold || e.strategy == isa.StrategyFast {
		// heavy block: compile in the background, serve this miss
		// from the interpreter
		fp := ir.FingerprintOf(blk, ir.FingerprintConfig{Target: e.target, OptLevel: level, EnableSIMD: simd})
		e.pre.Enqueue(precompile.Task{
			Block:       blk,
			Fingerprint: fp,
			Priority:    5,
			Level:       level,
			SIMD:        simd,
			Tier:        tiercache.L3,
		})
		return e.interpret(blk, st)
	}

	a, err := e.gen.Compile(blk, level, simd)
	if err != nil {
		e.recordError(pc, err)
		e.blacklistPC(pc)
		slog.Warn("synchronous compilation failed, interpreting",
			slog.String("pc", pc.String()), slog.String("error", err.Error()))
		return e.interpret(blk, st)
	}
	e.syncCompiles.Add(1)
	if err := e.tiers.Insert(tiercache.L3, a); err != nil {
		// cache pinned: run the artifact once and let it go
		e.recordError(pc, err)
		ex := e.timedRun(a, st)
		e.rec.Retire(a)
		return ex
	}
	if !a.Retain() {
		return e.interpret(blk, st)
	}
	return e.runArtifact(a, st)
}

// maxChainFollows bounds in-entry chain traversal so one dispatcher
// entry cannot monopolize a slice.
const maxChainFollows = 64

// runArtifact executes a retained artifact, following chained direct
// branches without re-entering the dispatcher. It releases the
// artifact reference(s) it holds.
func (e *Engine) runArtifact(a *artifact.Artifact, st *guest.State) guest.Exit {
	cur := a
	var total uint64
	for follows := 0; ; follows++ {
		ex := e.timedRun(cur, st)
		total += ex.Cycles

		if ex.Kind == guest.ExitNext && ex.Edge != guest.EdgeNone && follows < maxChainFollows {
			edge := 0
			if ex.Edge == guest.EdgeFallThrough {
				edge = 1
			}
			sib := cur.Chained(edge)
			if sib == nil {
				// patch the edge when the sibling is already compiled
				if cand, ok := e.tiers.Lookup(ex.NextPC); ok && cand.StartPC == ex.NextPC {
					cur.Chain(edge, cand)
					e.chainPatches.Add(1)
					sib = cand
				}
			}
			if sib != nil {
				if sib.Retain() {
					st.PC = ex.NextPC
					cur.Release()
					cur = sib
					e.chainFollows.Add(1)
					continue
				}
				// sibling was invalidated: undo the patch atomically
				cur.Unchain(edge)
			}
		}

		cur.Release()
		ex.Cycles = total
		return ex
	}
}

// timedRun executes one artifact and feeds the sample to the adaptive
// manager.
func (e *Engine) timedRun(a *artifact.Artifact, st *guest.State) guest.Exit {
	start := time.Now()
	ex := a.Run(st)
	elapsed := uint64(time.Since(start).Nanoseconds())
	if sug := e.adapt.Observe(a.StartPC, elapsed, a.Desc.CodeSize, a.Desc.Level, a.Desc.SIMD); sug != nil {
		slog.Debug("adaptive suggestion",
			slog.String("pc", sug.PC.String()),
			slog.Int("level", int(sug.Level)),
			slog.String("reason", sug.Reason))
	}
	return ex
}

// interpret serves one block from the interpreter.
func (e *Engine) interpret(blk *ir.Block, st *guest.State) guest.Exit {
	e.interpRuns.Add(1)
	return e.interp.Run(blk, st)
}

func (e *Engine) blacklisted(pc isa.GuestAddr) bool {
	e.blMu.Lock()
	defer e.blMu.Unlock()
	until, ok := e.blacklist[pc]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.blacklist, pc)
		return false
	}
	return true
}

func (e *Engine) blacklistPC(pc isa.GuestAddr) {
	e.blMu.Lock()
	e.blacklist[pc] = time.Now().Add(blacklistWindow)
	e.blMu.Unlock()
}

// recordError appends to the PC's bounded error history.
func (e *Engine) recordError(pc isa.GuestAddr, err error) {
	if err == nil {
		return
	}
	e.histMu.Lock()
	h := append(e.history[pc], err)
	if len(h) > errorHistoryDepth {
		h = h[len(h)-errorHistoryDepth:]
	}
	e.history[pc] = h
	e.histMu.Unlock()
}

// ErrorHistory returns the recorded errors for a PC, oldest first.
func (e *Engine) ErrorHistory(pc isa.GuestAddr) []error {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	return append([]error(nil), e.history[pc]...)
}

// Snapshot aggregates statistics across the core.
type Snapshot struct {
	Tiers      tiercache.Snapshot
	TLB        tlb.Snapshot
	Precompile precompile.Stats
	Sched      sched.Stats
	Device     device.Stats

	DispatchEntries uint64
	ChainFollows    uint64
	ChainPatches    uint64
	InterpRuns      uint64
	SyncCompiles    uint64
	AdaptiveTracked int
	AdaptiveApplied uint64
	ArtifactsFreed  uint64
}

// Stats returns an engine-wide snapshot.
func (e *Engine) Stats() Snapshot {
	tracked, applied := e.adapt.Stats()
	return Snapshot{
		Tiers:           e.tiers.Stats(),
		TLB:             e.tlb.Stats(),
		Precompile:      e.pre.Stats(),
		Sched:           e.sched.Stats(),
		Device:          e.surface.Stats(),
		DispatchEntries: e.dispatchEntries.Load(),
		ChainFollows:    e.chainFollows.Load(),
		ChainPatches:    e.chainPatches.Load(),
		InterpRuns:      e.interpRuns.Load(),
		SyncCompiles:    e.syncCompiles.Load(),
		AdaptiveTracked: tracked,
		AdaptiveApplied: applied,
		ArtifactsFreed:  e.rec.Freed(),
	}
}
