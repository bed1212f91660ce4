// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package cmd provides the command line interface for the application.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"crossvm/cmd/run"
	"crossvm/cmd/stats"
)

var gVersion = "9.9.9" // overwritten by ldflags in Makefile

// AppName is the invoked binary name.
var AppName = filepath.Base(os.Args[0])

var examples = []string{
	fmt.Sprintf("  Run the built-in guest workload:          $ %s run", AppName),
	fmt.Sprintf("  Run with a configuration file:            $ %s run --config engine.yaml", AppName),
	fmt.Sprintf("  Serve live metrics while running:         $ %s run --prometheus :9090", AppName),
	fmt.Sprintf("  Render a stats snapshot to a workbook:    $ %s stats stats.json stats.xlsx", AppName),
}

var rootCmd = &cobra.Command{
	Use:               AppName,
	Short:             AppName,
	Long:              fmt.Sprintf("%s is a cross-architecture user-mode virtual machine: a tiered JIT, software MMU, and coroutine-scheduled vCPUs.", AppName),
	Example:           strings.Join(examples, "\n"),
	PersistentPreRunE: initializeLogging,
	Version:           gVersion,
}

var (
	flagDebug     bool
	flagLogStdOut bool
)

func init() {
	rootCmd.SetHelpCommand(&cobra.Command{}) // block the help command
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.AddCommand(run.Cmd)
	rootCmd.AddCommand(stats.Cmd)
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagLogStdOut, "log-stdout", false, "write logs to stdout")
}

// initializeLogging routes logs to stderr on a pipeline, to a file on
// an interactive terminal (so the progress display stays readable).
func initializeLogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	var out *os.File
	switch {
	case flagLogStdOut:
		out = os.Stdout
	case term.IsTerminal(int(os.Stderr.Fd())):
		f, err := os.OpenFile(AppName+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		out = f
	default:
		out = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	cobra.EnableCommandSorting = false
	cobra.EnableCaseInsensitive = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
