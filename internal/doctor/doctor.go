package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/basket/tasktracker/internal/config"
	"github.com/basket/tasktracker/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

const telegramAPIHost = "api.telegram.org"

// Bot tokens look like "123456789:AA..." (numeric bot id, colon, secret).
var telegramTokenRe = regexp.MustCompile(`^[0-9]{5,}:[A-Za-z0-9_-]{30,}$`)

var lookupHost = net.DefaultResolver.LookupHost

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTelegramToken,
		checkDatabase,
		checkPermissions,
		checkTimezone,
		checkDashboard,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, running on defaults",
			Detail:  fmt.Sprintf("Run the daemon once to write %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkTelegramToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram Token", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram Token", Status: "SKIP", Message: "Telegram channel disabled"}
	}
	if tg.Token == "" {
		return CheckResult{
			Name:    "Telegram Token",
			Status:  "FAIL",
			Message: "No bot token configured",
			Detail:  "Set TELEGRAM_TOKEN or channels.telegram.token in config.yaml",
		}
	}
	if !telegramTokenRe.MatchString(tg.Token) {
		return CheckResult{Name: "Telegram Token", Status: "WARN", Message: "Token does not look like a BotFather token"}
	}
	msg := "Token present"
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram Token", Status: "WARN", Message: msg + ", allowlist empty (every chat is accepted)"}
	}
	return CheckResult{Name: "Telegram Token", Status: "PASS", Message: fmt.Sprintf("%s, %d allowed chat(s)", msg, len(tg.AllowedIDs))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "WARN", Message: fmt.Sprintf("%s does not exist yet (created on first start)", cfg.DBPath)}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, tasks=%d, open=%d", cfg.DBPath, st.Total, st.Open),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	if fi, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err == nil && fi.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: "config.yaml is readable by other users",
			Detail:  "It may hold the bot token and admin password; chmod 600 it",
		}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkTimezone(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Timezone", Status: "SKIP", Message: "Config missing"}
	}
	loc, err := cfg.Location()
	if err != nil {
		return CheckResult{Name: "Timezone", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{
		Name:    "Timezone",
		Status:  "PASS",
		Message: fmt.Sprintf("Daily report at %02d:%02d %s", cfg.Report.Hour, cfg.Report.Minute, loc),
	}
}

func checkDashboard(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dashboard", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Dashboard.Enabled {
		return CheckResult{Name: "Dashboard", Status: "SKIP", Message: "Dashboard disabled"}
	}
	if cfg.Dashboard.AdminPassword == "" {
		return CheckResult{
			Name:    "Dashboard",
			Status:  "WARN",
			Message: "No admin password, logins are refused",
			Detail:  "Set TASKTRACKER_ADMIN_PASSWORD or dashboard.admin_password",
		}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Dashboard", Status: "FAIL", Message: fmt.Sprintf("bind_addr %q: %v", cfg.BindAddr, err)}
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && !ip.IsLoopback()) {
		return CheckResult{Name: "Dashboard", Status: "WARN", Message: fmt.Sprintf("Listening on %s, reachable from the network", cfg.BindAddr)}
	}
	return CheckResult{Name: "Dashboard", Status: "PASS", Message: fmt.Sprintf("Listening on %s", cfg.BindAddr)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Telegram channel disabled"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := lookupHost(lookupCtx, telegramAPIHost)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", telegramAPIHost, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", telegramAPIHost, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
