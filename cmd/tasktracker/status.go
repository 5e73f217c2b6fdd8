package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/tasktracker/internal/config"
)

const statusTimeout = 3 * time.Second

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tasktracker status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return statusTo(ctx, healthURL(cfg.BindAddr), os.Stdout)
}

// healthURL turns bind_addr into a URL the CLI can dial. A wildcard bind is
// reachable through loopback.
func healthURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:5000"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

// statusTo prints the daemon's health document. Exit code 1 means the daemon
// is unreachable or reports itself unhealthy.
func statusTo(ctx context.Context, url string, out io.Writer) int {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: daemon not reachable at %s: %v\n", url, err)
		return 1
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "status: %s answered %d with a non-JSON body\n", url, resp.StatusCode)
		return 1
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(health)

	if resp.StatusCode != http.StatusOK || health["healthy"] != true {
		return 1
	}
	return 0
}
