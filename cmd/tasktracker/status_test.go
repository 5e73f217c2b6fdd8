package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"", "http://127.0.0.1:5000/healthz"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080/healthz"},
		{"0.0.0.0:5000", "http://127.0.0.1:5000/healthz"},
		{":5000", "http://127.0.0.1:5000/healthz"},
		{"[::]:5000", "http://127.0.0.1:5000/healthz"},
		{"http://tracker.local/", "http://tracker.local/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.bind); got != tt.want {
			t.Errorf("healthURL(%q) = %q, want %q", tt.bind, got, tt.want)
		}
	}
}

func TestStatusTo(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode int
	}{
		{"healthy", http.StatusOK, `{"healthy":true,"db_ok":true}`, 0},
		{"store down", http.StatusServiceUnavailable, `{"healthy":false,"db_ok":false}`, 1},
		{"not json", http.StatusOK, `ok`, 1},
		{"ok status but unhealthy body", http.StatusOK, `{"healthy":false}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/healthz" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			var out bytes.Buffer
			if code := statusTo(context.Background(), ts.URL+"/healthz", &out); code != tt.wantCode {
				t.Fatalf("exit code %d, want %d", code, tt.wantCode)
			}
			if tt.wantCode == 0 && !strings.Contains(out.String(), `"db_ok": true`) {
				t.Fatalf("output = %q", out.String())
			}
		})
	}
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_ReadsBindAddr(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer ts.Close()

	setTestConfig(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, `bind_addr: "127.0.0.1:1"`)
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	setTestConfig(t, `bind_addr: "127.0.0.1:5000"`)
	if code := runStatusCommand(ctx, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}
