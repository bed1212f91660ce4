// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package mem

import (
	"math/bits"

	"crossvm/internal/isa"
)

// Aligned reports whether an access of size bytes at va is naturally
// aligned. Naturally aligned accesses lower to a single host
// instruction; the runtime splits the rest into single-byte accesses.
func Aligned(va isa.GuestAddr, size uint8) bool {
	return uint64(va)&(uint64(size)-1) == 0
}

// CrossesPage reports whether [va, va+size) straddles a page boundary,
// which forces two separate translations.
func CrossesPage(va isa.GuestAddr, size uint8) bool {
	return va.PageBase() != va.Add(uint64(size)-1).PageBase()
}

// MergeUnaligned combines two aligned loads into the value of an
// unaligned access. lo is the aligned word containing the first byte,
// hi the following word; shift is the byte offset of va within lo.
func MergeUnaligned(lo, hi uint64, shift uint, size uint8) uint64 {
	low := lo >> (shift * 8)
	var high uint64
	if shift > 0 {
		high = hi << ((8 - shift) * 8)
	}
	v := low | high
	if size < 8 {
		v &= (1 << (uint(size) * 8)) - 1
	}
	return v
}

// Swap reverses the byte order of the low size bytes of v. Used when
// guest and host endianness differ.
func Swap(v uint64, size uint8) uint64 {
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return uint64(bits.ReverseBytes16(uint16(v)))
	case 4:
		return uint64(bits.ReverseBytes32(uint32(v)))
	default:
		return bits.ReverseBytes64(v)
	}
}

// SwapBuf reverses byte order element-wise in place. Larger blocks go
// through here rather than per-value Swap calls.
func SwapBuf(buf []byte, elemSize int) {
	for i := 0; i+elemSize <= len(buf); i += elemSize {
		for j, k := i, i+elemSize-1; j < k; j, k = j+1, k-1 {
			buf[j], buf[k] = buf[k], buf[j]
		}
	}
}

// NeedsSwap reports whether values moving between guest and host must be
// byte-swapped.
func NeedsSwap(guest, host isa.Endianness) bool {
	return guest != host
}
