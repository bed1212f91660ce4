// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package stats implements the stats command: it renders a previously
// captured JSON snapshot into a workbook or back to the terminal.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"crossvm/internal/engine"
	"crossvm/internal/report"
	"crossvm/internal/util"
)

// Cmd is the stats command.
var Cmd = &cobra.Command{
	Use:   "stats <snapshot.json> [output.xlsx]",
	Short: "Render a captured statistics snapshot",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	inPath, err := util.AbsPath(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(inPath)
	if err != nil {
		return errors.Wrap(err, "reading snapshot")
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrapf(err, "parsing %s", inPath)
	}

	if len(args) == 2 {
		outPath, err := util.AbsPath(args[1])
		if err != nil {
			return err
		}
		if strings.ToLower(filepath.Ext(outPath)) != ".xlsx" {
			return fmt.Errorf("output %s must have .xlsx extension", outPath)
		}
		if err := report.WriteXLSX(outPath, snap); err != nil {
			return err
		}
		fmt.Printf("workbook written to %s\n", outPath)
		return nil
	}

	fmt.Printf("dispatcher entries: %d\n", snap.DispatchEntries)
	fmt.Printf("tier hits (L1/L2/L3): %d/%d/%d, hit rate %.2f%%\n",
		snap.Tiers.Hits[0], snap.Tiers.Hits[1], snap.Tiers.Hits[2], snap.Tiers.HitRate*100)
	fmt.Printf("TLB hit rate: %.2f%%, flushes: %d, prefetches: %d\n",
		snap.TLB.HitRate*100, snap.TLB.Flushes, snap.TLB.Prefetches)
	fmt.Printf("background compiles: %d (dropped %d)\n",
		snap.Precompile.Compiled, snap.Precompile.Dropped)
	fmt.Printf("coroutines: %d created, %d slices, %d load balances\n",
		snap.Sched.Created, snap.Sched.Scheduled, snap.Sched.LoadBalances)
	return nil
}
