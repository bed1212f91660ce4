/*
Package guest holds the architectural state of a virtual CPU and the
status record compiled code hands back to the dispatcher. It sits below
the scheduler, the code generator, and the interpreter so all three share
one view of guest state.
*/
package guest

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"crossvm/internal/isa"
)

// RegCount is the size of the general-purpose and floating-point
// register files. The decoders map every source architecture into this
// space.
const RegCount = 32

// State is the architectural state of one vCPU. It is owned exclusively
// by the vCPU executing it; nothing in the core shares it across
// workers.
type State struct {
	GP   [RegCount]uint64
	FP   [RegCount]uint64
	PC   isa.GuestAddr
	ASID isa.ASID
	// Instructions counts retired guest instructions; the core's only
	// guest-visible clock.
	Instructions uint64
}

// ExitKind says why compiled code (or the interpreter) returned to the
// dispatcher.
type ExitKind int

const (
	// ExitNext continues at Exit.NextPC.
	ExitNext ExitKind = iota
	// ExitTrap raises a guest trap with Exit.TrapCode.
	ExitTrap
	// ExitFault carries a host-side fault in Exit.Err.
	ExitFault
	// ExitDone marks guest-requested termination.
	ExitDone
)

// Edge identifies which static branch edge an exit took, for chain
// following in the dispatcher.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeTaken
	EdgeFallThrough
)

// Exit is the small status record every block execution returns. The
// dispatcher decodes it instead of unwinding through panics.
type Exit struct {
	Kind     ExitKind
	NextPC   isa.GuestAddr
	TrapCode uint32
	Err      error
	// Edge marks a conditional branch's resolved direction so the
	// dispatcher can follow a chained sibling without a cache lookup.
	Edge Edge
	// Cycles is the cost charged against the coroutine's slice.
	Cycles uint64
}

// Continue builds the common fall-through exit.
func Continue(next isa.GuestAddr, cycles uint64) Exit {
	return Exit{Kind: ExitNext, NextPC: next, Cycles: cycles}
}

// Trap builds a guest trap exit.
func Trap(code uint32, cycles uint64) Exit {
	return Exit{Kind: ExitTrap, TrapCode: code, Cycles: cycles}
}

// Fault builds a host fault exit.
func Fault(err error) Exit {
	return Exit{Kind: ExitFault, Err: err}
}
