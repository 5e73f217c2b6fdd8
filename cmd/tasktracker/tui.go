package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/basket/tasktracker/internal/audit"
	"github.com/basket/tasktracker/internal/config"
	"github.com/basket/tasktracker/internal/lifecycle"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/telemetry"
	"github.com/basket/tasktracker/internal/tui"
	"github.com/mattn/go-isatty"
)

func runTUICommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tasktracker tui")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "tui: stdout is not a terminal")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	// The terminal belongs to the UI, so logs go to the file only.
	logger, _, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	defer auditLog.Close()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", cfg.DBPath, err)
		return 1
	}
	defer store.Close()

	tasks := lifecycle.New(store, lifecycle.WithAudit(auditLog), lifecycle.WithLogger(logger))
	if err := tui.Run(ctx, tasks); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	return 0
}
