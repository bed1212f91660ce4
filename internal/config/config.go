/*
Package config defines the engine configuration, its defaults, YAML
loading, and validation. Every tunable the core exposes lives here; the
CLI layers flag overrides on top.
*/
package config

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Tiers configures the translation tier cache.
type Tiers struct {
	L1Capacity      int    `yaml:"l1_capacity"`
	L2Capacity      int    `yaml:"l2_capacity"`
	L3Capacity      int    `yaml:"l3_capacity"`
	L2ToL1Threshold uint64 `yaml:"l2_to_l1_threshold"`
	L3ToL2Threshold uint64 `yaml:"l3_to_l2_threshold"`
	// ByteCeiling bounds the summed code size across all tiers.
	ByteCeiling uint64 `yaml:"byte_ceiling"`
}

// TLB configures the software translation cache.
type TLB struct {
	Capacity int `yaml:"capacity"`
	Shards   int `yaml:"shards"`
	// HotFrequency is the per-entry access count past which neighbour
	// pages are prefetched on insert.
	HotFrequency   uint64 `yaml:"hot_frequency"`
	PrefetchWindow int    `yaml:"prefetch_window"`
}

// RegAlloc configures register allocation.
type RegAlloc struct {
	// Strategy is one of "linear", "graph", "hybrid".
	Strategy          string `yaml:"strategy"`
	PhysicalRegisters int    `yaml:"physical_registers"`
	// GraphColoringMinOps is the block size at which hybrid switches
	// from linear scan to graph colouring.
	GraphColoringMinOps int `yaml:"graph_coloring_min_ops"`
}

// Adaptive configures the hot-spot threshold manager.
type Adaptive struct {
	MinExecutionsForAnalysis uint64  `yaml:"min_executions_for_analysis"`
	ImprovementPct           float64 `yaml:"improvement_pct"`
	DegradationPct           float64 `yaml:"degradation_pct"`
	AutoApply                bool    `yaml:"auto_apply"`
	Window                   int     `yaml:"window"`
	// Guard is an optional boolean expression evaluated before a
	// suggestion is auto-applied. Available variables: exec_count,
	// avg_ns, code_size, level, confidence.
	Guard string `yaml:"guard"`
}

// Sched configures the coroutine scheduler.
type Sched struct {
	Workers              int     `yaml:"workers"`
	TimeSliceUS          uint64  `yaml:"time_slice_us"`
	LoadBalanceThreshold float64 `yaml:"load_balance_threshold"`
	MaxCoroutines        int     `yaml:"max_coroutines"`
}

// Precompile configures the background compilation pool.
type Precompile struct {
	Workers         int `yaml:"workers"`
	ChannelCapacity int `yaml:"channel_capacity"`
}

// Config is the full engine configuration.
type Config struct {
	GuestArch  string     `yaml:"guest_arch"`
	HostArch   string     `yaml:"host_arch"`
	Tiers      Tiers      `yaml:"tiers"`
	TLB        TLB        `yaml:"tlb"`
	RegAlloc   RegAlloc   `yaml:"regalloc"`
	Adaptive   Adaptive   `yaml:"adaptive"`
	Sched      Sched      `yaml:"sched"`
	Precompile Precompile `yaml:"precompile"`
	// AlignmentFaults raises a guest trap on misaligned access instead
	// of fixing it up inline.
	AlignmentFaults bool `yaml:"alignment_faults"`
}

// Default returns the configuration the engine runs with when no file or
// flags override it.
func Default() Config {
	return Config{
		GuestArch: runtime.GOARCH,
		HostArch:  runtime.GOARCH,
		Tiers: Tiers{
			L1Capacity:      1024,
			L2Capacity:      4096,
			L3Capacity:      16384,
			L2ToL1Threshold: 100,
			L3ToL2Threshold: 50,
			ByteCeiling:     256 << 20,
		},
		TLB: TLB{
			Capacity:       4096,
			Shards:         16,
			HotFrequency:   8,
			PrefetchWindow: 2,
		},
		RegAlloc: RegAlloc{
			Strategy:            "hybrid",
			PhysicalRegisters:   16,
			GraphColoringMinOps: 50,
		},
		Adaptive: Adaptive{
			MinExecutionsForAnalysis: 10,
			ImprovementPct:           5.0,
			DegradationPct:           10.0,
			AutoApply:                true,
			Window:                   10,
		},
		Sched: Sched{
			Workers:              runtime.NumCPU(),
			TimeSliceUS:          100,
			LoadBalanceThreshold: 0.3,
			MaxCoroutines:        10000,
		},
		Precompile: Precompile{
			Workers:         4,
			ChannelCapacity: 100,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading configuration")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks bounds and cross-field consistency.
func (c *Config) Validate() error {
	if c.Tiers.L1Capacity <= 0 || c.Tiers.L1Capacity > 1024 {
		return fmt.Errorf("tiers.l1_capacity must be in 1..1024, got %d", c.Tiers.L1Capacity)
	}
	if c.Tiers.L2Capacity <= 0 || c.Tiers.L2Capacity > 4096 {
		return fmt.Errorf("tiers.l2_capacity must be in 1..4096, got %d", c.Tiers.L2Capacity)
	}
	if c.Tiers.L3Capacity <= 0 || c.Tiers.L3Capacity > 16384 {
		return fmt.Errorf("tiers.l3_capacity must be in 1..16384, got %d", c.Tiers.L3Capacity)
	}
	if c.Tiers.L2ToL1Threshold == 0 || c.Tiers.L3ToL2Threshold == 0 {
		return fmt.Errorf("tier promotion thresholds must be positive")
	}
	if c.TLB.Capacity <= 0 {
		return fmt.Errorf("tlb.capacity must be positive, got %d", c.TLB.Capacity)
	}
	if c.TLB.Shards <= 0 || c.TLB.Shards&(c.TLB.Shards-1) != 0 {
		return fmt.Errorf("tlb.shards must be a positive power of two, got %d", c.TLB.Shards)
	}
	switch c.RegAlloc.Strategy {
	case "linear", "graph", "hybrid":
	default:
		return fmt.Errorf("regalloc.strategy must be linear, graph, or hybrid, got %q", c.RegAlloc.Strategy)
	}
	if c.RegAlloc.PhysicalRegisters < 2 {
		return fmt.Errorf("regalloc.physical_registers must be at least 2, got %d", c.RegAlloc.PhysicalRegisters)
	}
	if c.Adaptive.Window < 3 {
		return fmt.Errorf("adaptive.window must be at least 3, got %d", c.Adaptive.Window)
	}
	if c.Sched.Workers <= 0 {
		return fmt.Errorf("sched.workers must be positive, got %d", c.Sched.Workers)
	}
	if c.Sched.MaxCoroutines <= 0 {
		return fmt.Errorf("sched.max_coroutines must be positive, got %d", c.Sched.MaxCoroutines)
	}
	if c.Precompile.Workers <= 0 {
		return fmt.Errorf("precompile.workers must be positive, got %d", c.Precompile.Workers)
	}
	if c.Precompile.ChannelCapacity <= 0 {
		return fmt.Errorf("precompile.channel_capacity must be positive, got %d", c.Precompile.ChannelCapacity)
	}
	return nil
}
