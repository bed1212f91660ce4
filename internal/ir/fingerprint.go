// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package ir

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"crossvm/internal/isa"
)

// Fingerprint identifies a (block, configuration, target) triple. Two
// compilations with equal fingerprints are interchangeable, which is what
// lets the precompiler dedup against the tier cache.
type Fingerprint uint64

// FingerprintConfig is the slice of compiler configuration that affects
// generated code.
type FingerprintConfig struct {
	Target    isa.Target
	OptLevel  uint8
	EnableSIMD bool
}

// FingerprintOf hashes the block's ops, terminator, start PC and the
// code-affecting configuration. The op encoding is fixed-width so the
// hash is deterministic across runs.
func FingerprintOf(b *Block, cfg FingerprintConfig) Fingerprint {
	d := xxhash.New()
	var buf [8]byte

	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}

	put(uint64(b.StartPC))
	put(uint64(len(b.Ops)))
	for i := range b.Ops {
		op := &b.Ops[i]
		put(uint64(op.Kind)<<32 | uint64(op.Dst))
		put(uint64(op.Src1)<<32 | uint64(op.Src2))
		put(uint64(op.SrcC))
		put(uint64(op.Imm))
		var flags uint64
		if op.Signed {
			flags = 1
		}
		put(flags<<56 | uint64(op.Size)<<48 | uint64(op.VecBytes)<<40 |
			uint64(op.Cond)<<32 | uint64(op.Atomic)<<24 | uint64(op.Order)<<16 | uint64(op.CSR))
	}
	put(uint64(b.Term.Kind)<<32 | uint64(b.Term.Cond))
	put(uint64(b.Term.Taken))
	put(uint64(b.Term.NotTaken))
	put(uint64(b.Term.Target)<<32 | uint64(b.Term.Code))

	put(uint64(cfg.Target.Arch)<<8 | uint64(cfg.Target.Endianness))
	var simd uint64
	if cfg.EnableSIMD {
		simd = 1
	}
	put(uint64(cfg.OptLevel)<<8 | simd)

	return Fingerprint(d.Sum64())
}
