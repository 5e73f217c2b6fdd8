package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/tasktracker/internal/config"
)

func startWatcher(t *testing.T, homeDir string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	w.SetDebounce(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	w := startWatcher(t, homeDir)

	// Unrelated files in the home directory must not trigger a reload.
	_ = os.WriteFile(filepath.Join(homeDir, "tasks.db"), []byte("x"), 0o644)
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("expected config.yaml event, got %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml change event")
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	w := startWatcher(t, homeDir)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			// A stray event is fine; the channel must still close.
			<-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
