package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/tasktracker/internal/otel"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// DashboardConfig controls the browser dashboard backend.
type DashboardConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	// SessionTTLMinutes bounds how long a login stays valid. Default 720.
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
	// LoginRatePerMinute is the per-IP /login budget. Default 10.
	LoginRatePerMinute int `yaml:"login_rate_per_minute"`
}

// ReportConfig sets the default daily report time.
type ReportConfig struct {
	Hour     int    `yaml:"hour"`
	Minute   int    `yaml:"minute"`
	Timezone string `yaml:"timezone"`
	// Recipients are chats subscribed at startup, in addition to those that
	// subscribe through the bot while the daemon runs.
	Recipients []int64 `yaml:"recipients"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	// NeedsGenesis is true when config.yaml did not exist at load time.
	NeedsGenesis bool `yaml:"-"`

	DBPath              string          `yaml:"db_path"`
	BindAddr            string          `yaml:"bind_addr"`
	LogLevel            string          `yaml:"log_level"`
	AllowOrigins        []string        `yaml:"allow_origins"`
	DrainTimeoutSeconds int             `yaml:"drain_timeout_seconds"`
	Channels            ChannelsConfig  `yaml:"channels"`
	Dashboard           DashboardConfig `yaml:"dashboard"`
	Report              ReportConfig    `yaml:"report"`
	Telemetry           otel.Config     `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
// Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|report=%02d:%02d@%s|origins=%v|tg=%t|dash=%t",
		c.DBPath, c.BindAddr, c.LogLevel, c.Report.Hour, c.Report.Minute, c.Report.Timezone,
		c.AllowOrigins, c.Channels.Telegram.Enabled, c.Dashboard.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Location resolves Report.Timezone; empty means the host's local zone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Report.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("report.timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Dashboard.SessionTTLMinutes) * time.Minute
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:5000",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Enabled: true},
		},
		Dashboard: DashboardConfig{
			Enabled:            true,
			AdminUsername:      "admin",
			SessionTTLMinutes:  720,
			LoginRatePerMinute: 10,
		},
		Report: ReportConfig{Hour: 9, Minute: 0},
		Telemetry: otel.Config{
			Exporter:   "otlp-http",
			SampleRate: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKTRACKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasktracker")
}

// Load reads config.yaml from HomeDir(), then applies env overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load for an explicit home directory. The config watcher uses
// it to re-read the file on change.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tasktracker home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml if none exists yet.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create tasktracker home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "tasks.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:5000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Dashboard.AdminUsername == "" {
		cfg.Dashboard.AdminUsername = "admin"
	}
	if cfg.Dashboard.SessionTTLMinutes <= 0 {
		cfg.Dashboard.SessionTTLMinutes = 720
	}
	if cfg.Dashboard.LoginRatePerMinute <= 0 {
		cfg.Dashboard.LoginRatePerMinute = 10
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "otlp-http"
	}
}

func validate(cfg Config) error {
	if cfg.Report.Hour < 0 || cfg.Report.Hour > 23 {
		return fmt.Errorf("report.hour must be 0..23, got %d", cfg.Report.Hour)
	}
	if cfg.Report.Minute < 0 || cfg.Report.Minute > 59 {
		return fmt.Errorf("report.minute must be 0..59, got %d", cfg.Report.Minute)
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return cfg.Telemetry.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKTRACKER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKTRACKER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKTRACKER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKTRACKER_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKTRACKER_REPORT_TIME"); raw != "" {
		if h, m, err := ParseClock(raw); err == nil {
			cfg.Report.Hour, cfg.Report.Minute = h, m
		}
	}
	if raw := os.Getenv("TASKTRACKER_TIMEZONE"); raw != "" {
		cfg.Report.Timezone = raw
	}
	if raw := os.Getenv("TASKTRACKER_ADMIN_USERNAME"); raw != "" {
		cfg.Dashboard.AdminUsername = raw
	}
	if raw := os.Getenv("TASKTRACKER_ADMIN_PASSWORD"); raw != "" {
		cfg.Dashboard.AdminPassword = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Enabled = true
	}
}

// ParseClock parses "HH:MM" (24h). Single-digit hours are accepted.
func ParseClock(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q: hour must be 0..23", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || len(ms) != 2 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q: minute must be 00..59", s)
	}
	return hour, minute, nil
}
