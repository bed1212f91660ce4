/*
Package report renders an engine statistics snapshot for humans and
tooling: JSON for pipelines, XLSX for the spreadsheet crowd.
*/
package report

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"crossvm/internal/engine"
)

// WriteJSON writes the snapshot as indented JSON.
func WriteJSON(path string, s engine.Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling snapshot")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing report")
	}
	return nil
}

type row struct {
	name  string
	value any
}

func rows(s engine.Snapshot) []row {
	return []row{
		{"L1 hits", s.Tiers.Hits[0]},
		{"L1 misses", s.Tiers.Misses[0]},
		{"L2 hits", s.Tiers.Hits[1]},
		{"L2 misses", s.Tiers.Misses[1]},
		{"L3 hits", s.Tiers.Hits[2]},
		{"L3 misses", s.Tiers.Misses[2]},
		{"Tier hit rate", s.Tiers.HitRate},
		{"Tier evictions", s.Tiers.Evictions},
		{"Tier promotions", s.Tiers.Promotions},
		{"Tier bytes", s.Tiers.Bytes},
		{"TLB hits", s.TLB.Hits},
		{"TLB misses", s.TLB.Misses},
		{"TLB hit rate", s.TLB.HitRate},
		{"TLB flushes", s.TLB.Flushes},
		{"TLB prefetches", s.TLB.Prefetches},
		{"Background compiles", s.Precompile.Compiled},
		{"Background failures", s.Precompile.Failed},
		{"Background drops", s.Precompile.Dropped},
		{"Coroutines created", s.Sched.Created},
		{"Slices scheduled", s.Sched.Scheduled},
		{"Load balances", s.Sched.LoadBalances},
		{"Steals", s.Sched.Steals},
		{"Dispatcher entries", s.DispatchEntries},
		{"Chain follows", s.ChainFollows},
		{"Chain patches", s.ChainPatches},
		{"Interpreter runs", s.InterpRuns},
		{"Synchronous compiles", s.SyncCompiles},
		{"Adaptive PCs tracked", s.AdaptiveTracked},
		{"Adaptive applies", s.AdaptiveApplied},
		{"Artifacts freed", s.ArtifactsFreed},
	}
}

// WriteXLSX writes the snapshot as a one-sheet workbook.
func WriteXLSX(path string, s engine.Snapshot) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Execution Core"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return errors.Wrap(err, "creating sheet")
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return errors.Wrap(err, "removing default sheet")
	}

	if err := f.SetCellValue(sheet, "A1", "Statistic"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "B1", "Value"); err != nil {
		return err
	}
	for i, r := range rows(s) {
		if err := f.SetCellValue(sheet, fmt.Sprintf("A%d", i+2), r.name); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, fmt.Sprintf("B%d", i+2), r.value); err != nil {
			return err
		}
	}
	return errors.Wrap(f.SaveAs(path), "saving workbook")
}
