// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package run implements the run command: it assembles the engine,
// spawns guest coroutines over the built-in workload, and reports the
// result.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"crossvm/internal/config"
	"crossvm/internal/engine"
	"crossvm/internal/progress"
	"crossvm/internal/report"
	"crossvm/internal/sched"
	"crossvm/internal/util"
)

// Cmd is the run command.
var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the built-in guest workload on the translation core",
	RunE:  runRun,
}

var (
	flagConfig     string
	flagGuests     int
	flagIterations int64
	flagPrometheus string
	flagReport     string
)

func init() {
	Cmd.Flags().StringVar(&flagConfig, "config", "", "engine configuration file (YAML)")
	Cmd.Flags().IntVar(&flagGuests, "guests", 4, "guest coroutines to spawn")
	Cmd.Flags().Int64Var(&flagIterations, "iterations", 100000, "loop iterations per guest")
	Cmd.Flags().StringVar(&flagPrometheus, "prometheus", "", "listen address for live metrics, e.g. :9090")
	Cmd.Flags().StringVar(&flagReport, "report", "", "write a stats report (json or xlsx by extension)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if flagConfig != "" {
		path, err := util.AbsPath(flagConfig)
		if err != nil {
			return err
		}
		exists, err := util.FileExists(path)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("configuration file %s does not exist", path)
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	src := newWorkload(cfg, flagIterations)
	e, err := engine.New(cfg, src)
	if err != nil {
		return err
	}
	defer e.Close()
	src.install(e)

	if flagPrometheus != "" {
		metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				metrics.Update(e)
			}
		}()
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(flagPrometheus, nil); err != nil {
				slog.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		slog.Info("serving metrics", slog.String("addr", flagPrometheus))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("interrupted, shutting down")
		cancel()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	ids := make([]sched.CoroutineID, 0, flagGuests)
	for i := 0; i < flagGuests; i++ {
		id, err := e.Spawn(workloadEntry, 1, sched.PriorityNormal)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	labels := make([]string, len(e.Scheduler().VCPUs()))
	for i := range labels {
		labels[i] = fmt.Sprintf("vcpu%d", i)
	}
	spin := progress.NewVCPUSpinner(labels)
	spin.Start()

	done := waitForGuests(ctx, e, ids, spin)
	spin.Stop()
	cancel()
	if err := <-runErr; err != nil {
		return err
	}

	snap := e.Stats()
	fmt.Printf("guests completed: %d/%d\n", done, len(ids))
	fmt.Printf("dispatcher entries: %d, chain follows: %d, interpreter runs: %d\n",
		snap.DispatchEntries, snap.ChainFollows, snap.InterpRuns)
	fmt.Printf("tier hit rate: %.2f%%, TLB hit rate: %.2f%%\n",
		snap.Tiers.HitRate*100, snap.TLB.HitRate*100)

	if flagReport != "" {
		path, err := util.AbsPath(flagReport)
		if err != nil {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".xlsx":
			err = report.WriteXLSX(path, snap)
		default:
			err = report.WriteJSON(path, snap)
		}
		if err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", path)
	}
	return nil
}

func waitForGuests(ctx context.Context, e *engine.Engine, ids []sched.CoroutineID, spin *progress.VCPUSpinner) int {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return countDone(e, ids)
		case <-ticker.C:
			for i, depth := range e.Scheduler().Utilization() {
				spin.Update(i, fmt.Sprintf("queue=%d", depth))
			}
			if n := countDone(e, ids); n == len(ids) {
				return n
			}
		}
	}
}

func countDone(e *engine.Engine, ids []sched.CoroutineID) int {
	n := 0
	for _, id := range ids {
		if r, ok := e.Result(id); ok && r.Status != engine.StatusRunning {
			n++
		}
	}
	return n
}
