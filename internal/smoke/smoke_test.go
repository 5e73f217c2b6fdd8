// Package smoke builds the tasktracker binary and drives it end to end.
package smoke

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build the binary; skipped with -short")
	}
	outPath := filepath.Join(t.TempDir(), "tasktracker")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/tasktracker")
	cmd.Dir = moduleRoot(t)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/tasktracker failed: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// offlineHome writes a config.yaml with the Telegram channel off so the
// daemon never reaches the network.
func offlineHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	cfg := "channels:\n  telegram:\n    enabled: false\ntelemetry:\n  enabled: false\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

type daemon struct {
	cmd  *exec.Cmd
	out  *bytes.Buffer
	home string
	addr string
}

func daemonEnv(home, addr string) []string {
	return append(os.Environ(),
		"TASKTRACKER_HOME="+home,
		"TASKTRACKER_BIND_ADDR="+addr,
		"TASKTRACKER_ADMIN_PASSWORD=smoke-pass",
		"TELEGRAM_TOKEN=",
	)
}

func startDaemon(t *testing.T, bin string) *daemon {
	t.Helper()
	d := &daemon{out: &bytes.Buffer{}, home: offlineHome(t), addr: pickFreeAddr(t)}
	d.cmd = exec.Command(bin, "daemon")
	d.cmd.Env = daemonEnv(d.home, d.addr)
	d.cmd.Stdout = d.out
	d.cmd.Stderr = d.out
	if err := d.cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() { d.stop(t) })

	logPath := filepath.Join(d.home, "logs", "system.jsonl")
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"listener_bound"`) {
			return d
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("daemon never bound its listener\n%s", d.out.String())
	return nil
}

// stop interrupts the daemon and reports whether it exited in time.
func (d *daemon) stop(t *testing.T) bool {
	t.Helper()
	if d.cmd.ProcessState != nil {
		return true
	}
	_ = d.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()
	select {
	case <-done:
		return true
	case <-time.After(6 * time.Second):
		_ = d.cmd.Process.Kill()
		<-done
		return false
	}
}
