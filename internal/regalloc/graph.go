// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package regalloc

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"crossvm/internal/ir"
)

// graphColouring is the large-block strategy: build the interference
// graph, coalesce non-interfering move pairs, simplify, then select in
// reverse removal order. Spill candidates prefer low-frequency
// registers.
type graphColouring struct {
	k int
}

func (g *graphColouring) Name() string { return "graph_coloring" }

func (g *graphColouring) Allocate(ops []ir.Op, term *ir.Terminator) (Result, error) {
	ivs := liveIntervals(ops, term)
	res := Result{
		Alloc:     make(map[ir.RegID]Allocation, len(ivs)),
		Algorithm: g.Name(),
	}

	byReg := make(map[ir.RegID]*interval, len(ivs))
	regs := make([]ir.RegID, 0, len(ivs))
	for i := range ivs {
		byReg[ivs[i].reg] = &ivs[i]
		regs = append(regs, ivs[i].reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })

	// interference graph: edge between registers whose intervals
	// overlap
	adj := make(map[ir.RegID]mapset.Set[ir.RegID], len(regs))
	for _, r := range regs {
		adj[r] = mapset.NewThreadUnsafeSet[ir.RegID]()
	}
	for i := range ivs {
		for j := i + 1; j < len(ivs); j++ {
			if overlaps(&ivs[i], &ivs[j]) {
				adj[ivs[i].reg].Add(ivs[j].reg)
				adj[ivs[j].reg].Add(ivs[i].reg)
			}
		}
	}

	// Coalesce reg-to-reg moves whose source and destination do not
	// interfere: the pair shares one node, the merged node inherits
	// both neighbour sets.
	alias := make(map[ir.RegID]ir.RegID)
	resolve := func(r ir.RegID) ir.RegID {
		for {
			a, ok := alias[r]
			if !ok {
				return r
			}
			r = a
		}
	}
	for i := range ops {
		if !ops[i].IsMove() {
			continue
		}
		dst, src := resolve(ops[i].Dst), resolve(ops[i].Src1)
		if dst == src {
			continue
		}
		s, okS := byReg[src]
		d, okD := byReg[dst]
		if !okS || !okD {
			continue
		}
		// The copy itself is the only overlap a coalescable pair may
		// have: the source's last use is this move and the destination
		// is born here. Anything beyond that is real interference.
		if s.end > i || d.start < i {
			continue
		}
		// merge dst into src, carrying neighbours over
		alias[dst] = src
		if d.end > s.end {
			s.end = d.end
		}
		for n := range adj[dst].Iter() {
			n = resolve(n)
			if n == src {
				continue
			}
			adj[src].Add(n)
			adj[n].Add(src)
			adj[n].Remove(dst)
		}
		delete(adj, dst)
		byReg[src].freq += byReg[dst].freq
	}

	nodes := make([]ir.RegID, 0, len(adj))
	for _, r := range regs {
		if _, merged := alias[r]; !merged {
			nodes = append(nodes, r)
		}
	}

	// Simplify: repeatedly remove any node of degree < k; when none
	// exists, remove the minimum-degree node preferring low use
	// frequency — it is the spill candidate.
	degree := make(map[ir.RegID]int, len(nodes))
	removedSet := make(map[ir.RegID]bool, len(nodes))
	for _, r := range nodes {
		d := 0
		for n := range adj[r].Iter() {
			if _, merged := alias[n]; !merged {
				d++
			}
		}
		degree[r] = d
	}
	removeNode := func(r ir.RegID) {
		removedSet[r] = true
		delete(degree, r)
		for n := range adj[r].Iter() {
			n = resolve(n)
			if _, gone := removedSet[n]; gone {
				continue
			}
			if _, ok := degree[n]; ok {
				degree[n]--
			}
		}
	}

	var order []ir.RegID
	for len(degree) > 0 {
		// deterministic scan over sorted node ids
		candidate := ir.RegID(0)
		found := false
		for _, r := range nodes {
			if removedSet[r] {
				continue
			}
			if degree[r] < g.k {
				candidate, found = r, true
				break
			}
		}
		if !found {
			// pick the spill candidate: minimum degree, then lowest
			// frequency, then lowest id
			first := true
			for _, r := range nodes {
				if removedSet[r] {
					continue
				}
				if first {
					candidate, first = r, false
					continue
				}
				switch {
				case degree[r] < degree[candidate]:
					candidate = r
				case degree[r] == degree[candidate] && byReg[r].freq < byReg[candidate].freq:
					candidate = r
				}
			}
		}
		removeNode(candidate)
		order = append(order, candidate)
	}

	// Select: pop in reverse removal order, assign the lowest colour
	// not used by any still-present neighbour; no colour means spill.
	var fr frame
	colour := make(map[ir.RegID]int, len(order))
	placed := make(map[ir.RegID]bool, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		r := order[i]
		used := make([]bool, g.k)
		for n := range adj[r].Iter() {
			n = resolve(n)
			if !placed[n] {
				continue
			}
			if cl, ok := colour[n]; ok {
				used[cl] = true
			}
		}
		assigned := -1
		for cl := 0; cl < g.k; cl++ {
			if !used[cl] {
				assigned = cl
				break
			}
		}
		placed[r] = true
		if assigned >= 0 {
			colour[r] = assigned
			res.Alloc[r] = Allocation{Reg: assigned}
		} else {
			res.Alloc[r] = Allocation{StackOffset: fr.slot(), Spilled: true}
			res.Spills++
		}
	}

	// Coalesced registers share the representative's final mapping.
	for _, r := range regs {
		if rep := resolve(r); rep != r {
			res.Alloc[r] = res.Alloc[rep]
		}
	}

	res.SpillBytes = fr.bytes()
	res.Allocated = len(res.Alloc) - res.Spills
	return res, nil
}
