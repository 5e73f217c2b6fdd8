package main

import (
	"os"
	"testing"

	"github.com/basket/tasktracker/internal/config"
)

// setTestConfig writes config.yaml to a temp dir and points TASKTRACKER_HOME at it.
func setTestConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKTRACKER_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
