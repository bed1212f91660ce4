/*
Package artifact owns compiled code: the executable buffer, its
structural descriptor, reference counting, and epoch-based reclamation.

An artifact is written once by the compiler, published through an atomic
pointer in the tier cache, and read by many dispatchers. It is freed only
after (a) every tier has dropped it, (b) its reference count is zero, and
(c) every worker has crossed a quiescent point since it was retired.
*/
package artifact

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"crossvm/internal/guest"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
)

// Location is where one IR register lives at run time.
type Location struct {
	// Reg is a host register index when Spilled is false.
	Reg int16
	// SlotOffset is a negative frame offset when Spilled is true.
	SlotOffset int32
	Spilled    bool
}

// Descriptor is the structural metadata of a compiled artifact.
type Descriptor struct {
	EntryOffset int
	CodeSize    int
	// SpillBytes is the stack frame area reserved for spilled
	// registers.
	SpillBytes int
	RegMap     map[uint32]Location
	// Level is the tier optimisation level the artifact was built for.
	Level uint8
	SIMD  bool
}

// Thunk is the portable entry path: it executes the artifact's lowered
// form against a vCPU state and returns the exit record. The encoded
// host bytes are the chained/patched representation; the thunk is what
// the dispatcher calls.
type Thunk func(st *guest.State) guest.Exit

// Artifact is an ownership-exclusive handle to one compiled block or
// region.
type Artifact struct {
	StartPC     isa.GuestAddr
	GuestBytes  uint64
	Fingerprint ir.Fingerprint
	Desc        Descriptor

	buf   *codeBuf
	entry Thunk

	refs  atomic.Int64
	freed atomic.Bool

	// chain holds the patched direct-branch targets: sibling artifacts
	// entered without returning to the dispatcher. Index 0 is the
	// taken edge, 1 the fall-through edge.
	chain [2]atomic.Pointer[Artifact]
}

// New allocates an artifact over code bytes. The buffer is sealed
// read-execute before the artifact is returned.
func New(pc isa.GuestAddr, guestBytes uint64, fp ir.Fingerprint, code []byte, desc Descriptor, entry Thunk) (*Artifact, error) {
	buf, err := newCodeBuf(len(code))
	if err != nil {
		return nil, err
	}
	copy(buf.mem, code)
	if err := buf.seal(); err != nil {
		_ = buf.free()
		return nil, err
	}
	desc.CodeSize = len(code)
	a := &Artifact{
		StartPC:     pc,
		GuestBytes:  guestBytes,
		Fingerprint: fp,
		Desc:        desc,
		buf:         buf,
		entry:       entry,
	}
	a.refs.Store(1) // creator's reference, handed to the cache
	return a, nil
}

// Code exposes the sealed host bytes (read-only).
func (a *Artifact) Code() []byte { return a.buf.mem }

// EndPC returns the first guest address past the artifact's region.
func (a *Artifact) EndPC() isa.GuestAddr { return a.StartPC.Add(a.GuestBytes) }

// Covers reports whether pc lies inside the artifact's guest range.
func (a *Artifact) Covers(pc isa.GuestAddr) bool {
	return pc >= a.StartPC && pc < a.EndPC()
}

// Run enters the artifact.
func (a *Artifact) Run(st *guest.State) guest.Exit {
	return a.entry(st)
}

// Retain takes a reference. It reports false if the artifact has already
// been freed, in which case the caller must re-resolve.
func (a *Artifact) Retain() bool {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return false
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference.
func (a *Artifact) Release() {
	a.refs.Add(-1)
}

// Refs returns the current reference count.
func (a *Artifact) Refs() int64 { return a.refs.Load() }

// Chain atomically patches a direct-branch edge (0 = taken, 1 =
// fall-through) to jump into sibling.
func (a *Artifact) Chain(edge int, sibling *Artifact) {
	a.chain[edge].Store(sibling)
}

// Unchain atomically removes a patched edge; used on invalidation.
func (a *Artifact) Unchain(edge int) {
	a.chain[edge].Store(nil)
}

// Chained returns the patched sibling for an edge, or nil.
func (a *Artifact) Chained(edge int) *Artifact {
	return a.chain[edge].Load()
}

// free releases the code buffer. Only the reclaimer calls this, and only
// once.
func (a *Artifact) free() {
	if !a.freed.CompareAndSwap(false, true) {
		return
	}
	a.Unchain(0)
	a.Unchain(1)
	if err := a.buf.free(); err != nil {
		slog.Warn("releasing code buffer", slog.String("pc", a.StartPC.String()), slog.String("error", err.Error()))
	}
}

// Reclaimer frees retired artifacts once every registered worker has
// passed a quiescent point past the retirement epoch and the reference
// count has drained.
type Reclaimer struct {
	mu      sync.Mutex
	epoch   atomic.Uint64
	workers map[int]*atomic.Uint64
	retired []retiredArtifact
	freed   atomic.Uint64
}

type retiredArtifact struct {
	a     *Artifact
	epoch uint64
}

// NewReclaimer returns an empty reclaimer at epoch 1.
func NewReclaimer() *Reclaimer {
	r := &Reclaimer{workers: make(map[int]*atomic.Uint64)}
	r.epoch.Store(1)
	return r
}

// RegisterWorker adds a worker to the quiescence set and returns its id.
func (r *Reclaimer) RegisterWorker() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := len(r.workers)
	e := &atomic.Uint64{}
	e.Store(r.epoch.Load())
	r.workers[id] = e
	return id
}

// UnregisterWorker removes a worker; a dead worker must not hold back
// reclamation.
func (r *Reclaimer) UnregisterWorker(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Quiesce records that worker id holds no artifact references right now.
// Dispatchers call this at block boundaries.
func (r *Reclaimer) Quiesce(id int) {
	r.mu.Lock()
	e, ok := r.workers[id]
	r.mu.Unlock()
	if ok {
		e.Store(r.epoch.Load())
	}
}

// Retire hands an artifact to the reclaimer after cache eviction. The
// cache's own reference is dropped here; the artifact is freed on a
// later Collect once readers drain.
func (r *Reclaimer) Retire(a *Artifact) {
	a.Release()
	epoch := r.epoch.Add(1)
	r.mu.Lock()
	r.retired = append(r.retired, retiredArtifact{a: a, epoch: epoch})
	r.mu.Unlock()
}

// Collect frees every retired artifact whose retirement epoch every
// worker has passed and whose reference count is zero. Returns the
// number freed.
func (r *Reclaimer) Collect() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	minEpoch := r.epoch.Load()
	for _, e := range r.workers {
		if we := e.Load(); we < minEpoch {
			minEpoch = we
		}
	}

	kept := r.retired[:0]
	n := 0
	for _, ra := range r.retired {
		if ra.epoch <= minEpoch && ra.a.Refs() <= 0 {
			ra.a.free()
			n++
			continue
		}
		kept = append(kept, ra)
	}
	r.retired = kept
	if n > 0 {
		r.freed.Add(uint64(n))
	}
	return n
}

// PendingRetired returns how many artifacts await reclamation.
func (r *Reclaimer) PendingRetired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retired)
}

// Freed returns the total number of artifacts freed so far.
func (r *Reclaimer) Freed() uint64 { return r.freed.Load() }
