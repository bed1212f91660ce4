/*
Package precompile runs background compilation: a bounded work channel
feeding a pool of workers that compile IR blocks and publish the results
into the tier cache. Enqueueing never blocks the dispatcher; overflow
drops the task and counts it. Shutdown is cooperative: workers poll a
running flag with a receive timeout and drain what is already queued.
*/
package precompile

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crossvm/internal/codegen"
	"crossvm/internal/config"
	"crossvm/internal/ir"
	"crossvm/internal/tiercache"
)

// Task is one unit of background compilation work.
type Task struct {
	Block       *ir.Block
	Fingerprint ir.Fingerprint
	Priority    uint8
	Level       uint8
	SIMD        bool
	// Tier is the cache level the result is inserted at.
	Tier tiercache.Level
}

// Stats is the precompiler's counter snapshot.
type Stats struct {
	Compiled    uint64
	Failed      uint64
	Dropped     uint64
	Deduped     uint64
	TotalTimeMS uint64
	AvgTimeMS   float64
}

// receiveTimeout bounds how long an idle worker sleeps before
// re-checking the running flag.
const receiveTimeout = time.Second

// Precompiler owns the queue and workers.
type Precompiler struct {
	tasks chan Task
	cache *tiercache.Cache
	be    codegen.Backend

	running atomic.Bool
	wg      sync.WaitGroup

	compiled atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	deduped  atomic.Uint64
	totalMS  atomic.Uint64
}

// New builds a precompiler over a backend and the tier cache it
// publishes into.
func New(cfg config.Precompile, be codegen.Backend, cache *tiercache.Cache) *Precompiler {
	p := &Precompiler{
		tasks: make(chan Task, cfg.ChannelCapacity),
		cache: cache,
		be:    be,
	}
	p.running.Store(true)
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	return p
}

// Enqueue offers a task without blocking. It reports whether the task
// was accepted; a full queue drops it.
func (p *Precompiler) Enqueue(t Task) bool {
	if !p.running.Load() {
		p.dropped.Add(1)
		return false
	}
	if p.cache.ContainsFingerprint(t.Fingerprint) {
		p.deduped.Add(1)
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

func (p *Precompiler) worker(id int) {
	defer p.wg.Done()
	slog.Debug("precompiler worker started", slog.Int("worker", id))
	timer := time.NewTimer(receiveTimeout)
	defer timer.Stop()

	for {
		if !p.running.Load() {
			// drain whatever is already queued, then leave
			for {
				select {
				case t := <-p.tasks:
					p.compileOne(&t)
				default:
					slog.Debug("precompiler worker stopped", slog.Int("worker", id))
					return
				}
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(receiveTimeout)
		select {
		case t := <-p.tasks:
			p.compileOne(&t)
		case <-timer.C:
			// timeout: loop to re-check the running flag
		}
	}
}

func (p *Precompiler) compileOne(t *Task) {
	if p.cache.ContainsFingerprint(t.Fingerprint) {
		p.deduped.Add(1)
		return
	}
	start := time.Now()
	a, err := p.be.Compile(t.Block, t.Level, t.SIMD)
	elapsed := uint64(time.Since(start).Milliseconds())
	p.totalMS.Add(elapsed)
	if err != nil {
		p.failed.Add(1)
		slog.Warn("background compilation failed",
			slog.String("pc", t.Block.StartPC.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := p.cache.Insert(t.Tier, a); err != nil {
		p.failed.Add(1)
		slog.Warn("publishing compiled block failed",
			slog.String("pc", t.Block.StartPC.String()),
			slog.String("error", err.Error()))
		return
	}
	p.compiled.Add(1)
	slog.Debug("background compiled",
		slog.String("pc", t.Block.StartPC.String()),
		slog.Uint64("ms", elapsed),
		slog.Int("priority", int(t.Priority)))
}

// Close clears the running flag and waits for the workers to drain the
// queue and exit.
func (p *Precompiler) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.wg.Wait()
}

// QueueLen reports the tasks currently waiting.
func (p *Precompiler) QueueLen() int { return len(p.tasks) }

// Stats returns a counter snapshot.
func (p *Precompiler) Stats() Stats {
	s := Stats{
		Compiled:    p.compiled.Load(),
		Failed:      p.failed.Load(),
		Dropped:     p.dropped.Load(),
		Deduped:     p.deduped.Load(),
		TotalTimeMS: p.totalMS.Load(),
	}
	if s.Compiled > 0 {
		s.AvgTimeMS = float64(s.TotalTimeMS) / float64(s.Compiled)
	}
	return s
}
