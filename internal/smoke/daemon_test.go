package smoke

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	d := startDaemon(t, buildBinary(t))
	if !d.stop(t) {
		t.Fatal("daemon did not exit after interrupt")
	}

	data, err := os.ReadFile(filepath.Join(d.home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	phases := []string{"config_loaded", "store_opened", "scheduler_started", "listener_bound"}
	last := -1
	for _, p := range phases {
		idx := strings.Index(log, `"phase":"`+p+`"`)
		if idx < 0 {
			t.Fatalf("phase %s not logged\n%s", p, log)
		}
		if idx < last {
			t.Fatalf("phase %s logged out of order", p)
		}
		last = idx
	}
	if !strings.Contains(log, "shutdown complete") {
		t.Fatalf("shutdown not logged\n%s", log)
	}
}

func TestSmoke_TaskLifecycleOverDashboard(t *testing.T) {
	d := startDaemon(t, buildBinary(t))
	base := "http://" + d.addr

	resp, err := http.Post(base+"/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"smoke-pass"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var login struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || login.Token == "" {
		t.Fatalf("login status %d", resp.StatusCode)
	}

	call := func(method, path, body string) (int, []byte) {
		t.Helper()
		req, _ := http.NewRequest(method, base+path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+login.Token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return resp.StatusCode, buf.Bytes()
	}

	if code, body := call(http.MethodPost, "/api/tasks", `{"description":"smoke task"}`); code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	if code, body := call(http.MethodPost, "/api/tasks/1/close", `{"time_spent":"2,5"}`); code != http.StatusOK {
		t.Fatalf("close: %d %s", code, body)
	}
	if code, _ := call(http.MethodPost, "/api/tasks/1/close", `{"time_spent":1}`); code != http.StatusConflict {
		t.Fatalf("second close: %d, want 409", code)
	}

	code, body := call(http.MethodGet, "/api/stats", "")
	if code != http.StatusOK {
		t.Fatalf("stats: %d %s", code, body)
	}
	var st struct {
		Total   int     `json:"total"`
		Closed  int     `json:"closed"`
		AvgTime float64 `json:"avg_time"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Total != 1 || st.Closed != 1 || st.AvgTime != 2.5 {
		t.Fatalf("stats = %+v", st)
	}
}
