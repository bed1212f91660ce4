// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package regalloc

import (
	"sort"

	"crossvm/internal/ir"
)

// linearScan is the small-block strategy: intervals ordered by start, an
// active set ordered by end, spill the furthest-ending interval when the
// register file is exhausted.
type linearScan struct {
	k int
}

func (l *linearScan) Name() string { return "linear_scan" }

func (l *linearScan) Allocate(ops []ir.Op, term *ir.Terminator) (Result, error) {
	ivs := liveIntervals(ops, term)
	res := Result{
		Alloc:     make(map[ir.RegID]Allocation, len(ivs)),
		Algorithm: l.Name(),
	}

	var fr frame
	// free host registers, lowest index preferred
	free := make([]int, l.k)
	for i := range free {
		free[i] = i
	}
	// active intervals ordered by end position
	var active []*interval

	expire := func(pos int) {
		kept := active[:0]
		for _, a := range active {
			if a.end < pos {
				alloc := res.Alloc[a.reg]
				if !alloc.Spilled {
					free = append(free, alloc.Reg)
					sort.Ints(free)
				}
				continue
			}
			kept = append(kept, a)
		}
		active = kept
	}

	insertActive := func(iv *interval) {
		i := sort.Search(len(active), func(j int) bool { return active[j].end > iv.end })
		active = append(active, nil)
		copy(active[i+1:], active[i:])
		active[i] = iv
	}

	for idx := range ivs {
		iv := &ivs[idx]
		expire(iv.start)

		if len(free) > 0 {
			reg := free[0]
			free = free[1:]
			res.Alloc[iv.reg] = Allocation{Reg: reg}
			insertActive(iv)
			continue
		}

		// No register free: the interval in the active set with the
		// latest end is the spill victim, unless the current interval
		// ends even later.
		victim := active[len(active)-1]
		if victim.end > iv.end {
			stolen := res.Alloc[victim.reg]
			res.Alloc[victim.reg] = Allocation{StackOffset: fr.slot(), Spilled: true}
			res.Spills++
			active = active[:len(active)-1]

			res.Alloc[iv.reg] = Allocation{Reg: stolen.Reg}
			insertActive(iv)
		} else {
			res.Alloc[iv.reg] = Allocation{StackOffset: fr.slot(), Spilled: true}
			res.Spills++
		}
	}

	res.SpillBytes = fr.bytes()
	res.Allocated = len(ivs) - res.Spills
	return res, nil
}
