// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package precompile

import (
	"bytes"

	"crossvm/internal/artifact"
	"crossvm/internal/guest"
	"crossvm/internal/ir"
	"crossvm/internal/isa"
)

// Placeholder is the backend test builds plug in instead of the real
// code generator: the artifact's buffer is a return-opcode filler and
// its thunk simply falls through. Publication, dedup, and eviction
// behave exactly as with real artifacts.
type Placeholder struct{}

// Compile implements codegen.Backend.
func (Placeholder) Compile(b *ir.Block, level uint8, simd bool) (*artifact.Artifact, error) {
	size := len(b.Ops) * 4
	if size == 0 {
		size = 4
	}
	code := bytes.Repeat([]byte{0xC3}, size)
	fp := ir.FingerprintOf(b, ir.FingerprintConfig{Target: isa.Target{Arch: isa.ArchX86_64}, OptLevel: level, EnableSIMD: simd})
	end := b.EndPC()
	cycles := uint64(len(b.Ops) + 1)
	return artifact.New(b.StartPC, b.GuestBytes, fp, code,
		artifact.Descriptor{RegMap: map[uint32]artifact.Location{}, Level: level, SIMD: simd},
		func(st *guest.State) guest.Exit { return guest.Continue(end, cycles) })
}
