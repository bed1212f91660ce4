// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package artifact

import (
	"golang.org/x/sys/unix"
)

// codeBuf is an executable host-code buffer. On linux it is an anonymous
// mapping created writable and flipped to read-execute once the bytes
// are final, so no page is ever writable and executable at once.
type codeBuf struct {
	mem    []byte
	mapped bool
}

func newCodeBuf(size int) (*codeBuf, error) {
	if size == 0 {
		return &codeBuf{}, nil
	}
	mem, err := unix.Mmap(-1, 0, roundUpPage(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &codeBuf{mem: mem[:size], mapped: true}, nil
}

// seal flips the mapping to read-execute.
func (b *codeBuf) seal() error {
	if !b.mapped {
		return nil
	}
	return unix.Mprotect(b.mem[:cap(b.mem)], unix.PROT_READ|unix.PROT_EXEC)
}

func (b *codeBuf) free() error {
	if !b.mapped {
		return nil
	}
	mem := b.mem[:cap(b.mem)]
	b.mem = nil
	b.mapped = false
	return unix.Munmap(mem)
}

func roundUpPage(n int) int {
	const page = 4096
	return (n + page - 1) &^ (page - 1)
}
