package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/tasktracker/internal/persistence"
)

func TestRunBackupCommand(t *testing.T) {
	home := setTestConfig(t, "log_level: info\n")
	store, err := persistence.Open(filepath.Join(home, "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateTask(context.Background(), "backed up"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	dest := filepath.Join(t.TempDir(), "copy.db")
	if code := runBackupCommand(context.Background(), []string{dest}); code != 0 {
		t.Fatalf("exit code %d", code)
	}

	copyStore, err := persistence.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer copyStore.Close()
	task, err := copyStore.GetTask(context.Background(), 1)
	if err != nil || task.Description != "backed up" {
		t.Fatalf("backup contents: %+v, %v", task, err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), `"action":"db.backup"`) || !strings.Contains(string(raw), `"origin":"cli"`) {
		t.Fatalf("backup not audited: %s", raw)
	}

	if code := runBackupCommand(context.Background(), []string{dest}); code != 1 {
		t.Fatalf("overwrite: exit code %d, want 1", code)
	}
}

func TestRunBackupCommand_Usage(t *testing.T) {
	if code := runBackupCommand(context.Background(), nil); code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
	if code := runBackupCommand(context.Background(), []string{"a", "b"}); code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
}
