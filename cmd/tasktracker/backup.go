package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/tasktracker/internal/audit"
	"github.com/basket/tasktracker/internal/config"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/shared"
)

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: tasktracker backup <dest>")
		return 2
	}
	dest := args[0]
	if _, err := os.Stat(dest); err == nil {
		fmt.Fprintf(os.Stderr, "backup: %s already exists\n", dest)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", cfg.DBPath, err)
		return 1
	}
	defer store.Close()

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	defer auditLog.Close()
	ctx = shared.NewRequestContext(ctx, shared.OriginCLI)

	if err := store.Backup(ctx, dest); err != nil {
		auditLog.Record(ctx, "db.backup", "error", 0, err.Error())
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	auditLog.Record(ctx, "db.backup", "ok", 0, "dest="+dest)
	fmt.Printf("backup written to %s\n", dest)
	return 0
}
