package config

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.Tiers.L1Capacity)
	assert.Equal(t, uint64(100), cfg.Tiers.L2ToL1Threshold)
	assert.Equal(t, uint64(50), cfg.Tiers.L3ToL2Threshold)
	assert.Equal(t, 100, cfg.Precompile.ChannelCapacity)
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"l1 over cap", func(c *Config) { c.Tiers.L1Capacity = 2048 }},
		{"l3 zero", func(c *Config) { c.Tiers.L3Capacity = 0 }},
		{"zero threshold", func(c *Config) { c.Tiers.L2ToL1Threshold = 0 }},
		{"shards not pow2", func(c *Config) { c.TLB.Shards = 6 }},
		{"bad strategy", func(c *Config) { c.RegAlloc.Strategy = "random" }},
		{"one phys reg", func(c *Config) { c.RegAlloc.PhysicalRegisters = 1 }},
		{"tiny window", func(c *Config) { c.Adaptive.Window = 1 }},
		{"no workers", func(c *Config) { c.Sched.Workers = 0 }},
		{"no precompile capacity", func(c *Config) { c.Precompile.ChannelCapacity = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := []byte("tiers:\n  l1_capacity: 64\ntlb:\n  shards: 4\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Tiers.L1Capacity)
	assert.Equal(t, 4, cfg.TLB.Shards)
	// untouched keys keep defaults
	assert.Equal(t, 4096, cfg.Tiers.L2Capacity)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
