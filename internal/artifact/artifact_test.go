package artifact

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossvm/internal/guest"
	"crossvm/internal/isa"
)

func newTestArtifact(t *testing.T, pc uint64, size uint64) *Artifact {
	t.Helper()
	a, err := New(
		isa.GuestAddr(pc), size, 0x1234,
		[]byte{0xc3},
		Descriptor{RegMap: map[uint32]Location{}},
		func(st *guest.State) guest.Exit { return guest.Continue(st.PC.Add(size), 1) },
	)
	require.NoError(t, err)
	return a
}

func TestCoversRange(t *testing.T) {
	a := newTestArtifact(t, 0x1000, 0x20)
	assert.True(t, a.Covers(0x1000))
	assert.True(t, a.Covers(0x101f))
	assert.False(t, a.Covers(0x1020))
	assert.False(t, a.Covers(0xfff))
}

func TestRetainRelease(t *testing.T) {
	a := newTestArtifact(t, 0x1000, 4)
	assert.Equal(t, int64(1), a.Refs())

	require.True(t, a.Retain())
	assert.Equal(t, int64(2), a.Refs())

	a.Release()
	a.Release()
	assert.Equal(t, int64(0), a.Refs())
	assert.False(t, a.Retain(), "drained artifact cannot be revived")
}

func TestChaining(t *testing.T) {
	a := newTestArtifact(t, 0x2000, 4)
	b := newTestArtifact(t, 0x2100, 4)

	assert.Nil(t, a.Chained(0))
	a.Chain(0, b)
	assert.Same(t, b, a.Chained(0))
	a.Unchain(0)
	assert.Nil(t, a.Chained(0))
}

func TestReclaimerWaitsForQuiescence(t *testing.T) {
	r := NewReclaimer()
	w := r.RegisterWorker()

	a := newTestArtifact(t, 0x1000, 4)
	r.Retire(a) // drops the cache reference
	assert.Equal(t, int64(0), a.Refs())

	// The worker has not quiesced past the retirement epoch yet.
	assert.Equal(t, 0, r.Collect())
	assert.Equal(t, 1, r.PendingRetired())

	r.Quiesce(w)
	assert.Equal(t, 1, r.Collect())
	assert.Equal(t, 0, r.PendingRetired())
	assert.Equal(t, uint64(1), r.Freed())

	// A second collect must not free the same artifact again.
	assert.Equal(t, 0, r.Collect())
}

func TestReclaimerWaitsForReferences(t *testing.T) {
	r := NewReclaimer()
	w := r.RegisterWorker()

	a := newTestArtifact(t, 0x1000, 4)
	require.True(t, a.Retain()) // a running coroutine's reference
	r.Retire(a)
	r.Quiesce(w)

	assert.Equal(t, 0, r.Collect(), "live reference pins the artifact")

	a.Release()
	assert.Equal(t, 1, r.Collect())
}

func TestReclaimerIgnoresDeadWorkers(t *testing.T) {
	r := NewReclaimer()
	w1 := r.RegisterWorker()
	w2 := r.RegisterWorker()

	a := newTestArtifact(t, 0x1000, 4)
	r.Retire(a)
	r.Quiesce(w1)
	assert.Equal(t, 0, r.Collect(), "w2 has not quiesced")

	r.UnregisterWorker(w2)
	assert.Equal(t, 1, r.Collect())
}
