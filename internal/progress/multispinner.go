// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

/*
Package progress renders live per-vCPU status lines on a terminal while
the engine runs. On a non-terminal it stays silent.
*/
package progress

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

var spinChars = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

type line struct {
	label     string
	status    string
	spinIndex int
}

// VCPUSpinner shows one animated line per vCPU with its queue depth
// and slice count.
type VCPUSpinner struct {
	mu       sync.Mutex
	lines    []line
	ticker   *time.Ticker
	done     chan struct{}
	spinning bool
}

// NewVCPUSpinner builds a spinner with one line per label.
func NewVCPUSpinner(labels []string) *VCPUSpinner {
	s := &VCPUSpinner{done: make(chan struct{})}
	for _, l := range labels {
		s.lines = append(s.lines, line{label: l, status: "idle"})
	}
	return s
}

// Interactive reports whether stdout is a terminal worth animating.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Start begins drawing; a no-op off-terminal.
func (s *VCPUSpinner) Start() {
	if !Interactive() || s.spinning {
		return
	}
	s.spinning = true
	s.draw(true)
	s.ticker = time.NewTicker(250 * time.Millisecond)
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.ticker.C:
				s.mu.Lock()
				for i := range s.lines {
					s.lines[i].spinIndex = (s.lines[i].spinIndex + 1) % len(spinChars)
				}
				s.mu.Unlock()
				s.draw(false)
			}
		}
	}()
}

// Update replaces the status text of one line.
func (s *VCPUSpinner) Update(idx int, status string) {
	s.mu.Lock()
	if idx >= 0 && idx < len(s.lines) {
		s.lines[idx].status = status
	}
	s.mu.Unlock()
}

// Stop ends the animation, leaving the final statuses on screen.
func (s *VCPUSpinner) Stop() {
	if !s.spinning {
		return
	}
	s.spinning = false
	s.ticker.Stop()
	close(s.done)
	s.draw(false)
	fmt.Println()
}

func (s *VCPUSpinner) draw(first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !first {
		fmt.Printf("\033[%dA", len(s.lines))
	}
	for _, l := range s.lines {
		fmt.Printf("\r\033[K%s %-8s %s\n", spinChars[l.spinIndex], l.label, l.status)
	}
}
