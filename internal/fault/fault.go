/*
Package fault defines the typed error surface of the execution core. Every
public core operation that can fail returns a *fault.Error (or wraps one),
so callers can dispatch on the kind without string matching.
*/
package fault

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"errors"
	"fmt"

	"crossvm/internal/isa"
)

// Kind classifies a core failure.
type Kind int

const (
	// KindDecode marks an undecodable guest instruction sequence.
	KindDecode Kind = iota
	// KindCompile marks a code-generation failure for a block.
	KindCompile
	// KindPageFault marks a failed guest address translation.
	KindPageFault
	// KindUnaligned marks a misaligned access when alignment faulting
	// is enabled.
	KindUnaligned
	// KindIllegalInstruction marks an architecturally invalid op.
	KindIllegalInstruction
	// KindTrap carries a guest trap with its architectural code.
	KindTrap
	// KindResourceExhausted marks a full queue or pinned cache.
	KindResourceExhausted
	// KindConcurrency marks a degraded cache access that was treated
	// as a miss.
	KindConcurrency
	// KindFatal marks host-side failures that unwind the run loop.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindCompile:
		return "compile"
	case KindPageFault:
		return "page-fault"
	case KindUnaligned:
		return "unaligned"
	case KindIllegalInstruction:
		return "illegal-instruction"
	case KindTrap:
		return "trap"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindConcurrency:
		return "concurrency"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the core's error type. PC is the guest address the failure is
// attributed to, when one exists. TrapCode is meaningful only for
// KindTrap.
type Error struct {
	Kind     Kind
	PC       isa.GuestAddr
	TrapCode uint32
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Kind == KindTrap {
		s = fmt.Sprintf("%s(%d)", s, e.TrapCode)
	}
	if e.PC != 0 {
		s = fmt.Sprintf("%s at %s", s, e.PC)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two faults of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindPageFault}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a fault of the given kind at pc.
func New(kind Kind, pc isa.GuestAddr, format string, args ...any) *Error {
	return &Error{Kind: kind, PC: pc, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and pc. A nil err returns nil.
func Wrap(kind Kind, pc isa.GuestAddr, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, PC: pc, Err: err}
}

// Trap builds a guest trap fault with its architectural code.
func Trap(pc isa.GuestAddr, code uint32) *Error {
	return &Error{Kind: KindTrap, PC: pc, TrapCode: code}
}

// KindOf extracts the kind from err, or (0, false) when err is not a
// core fault.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a core fault of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
