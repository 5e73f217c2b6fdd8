package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/tasktracker/internal/audit"
	"github.com/basket/tasktracker/internal/bus"
	"github.com/basket/tasktracker/internal/channels"
	"github.com/basket/tasktracker/internal/config"
	"github.com/basket/tasktracker/internal/cron"
	"github.com/basket/tasktracker/internal/gateway"
	"github.com/basket/tasktracker/internal/lifecycle"
	otelx "github.com/basket/tasktracker/internal/otel"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/report"
	"github.com/basket/tasktracker/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the Telegram bot, dashboard API and report scheduler
  %s daemon                   Same as above

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s backup <dest>            Write an online copy of the task database to <dest>
  %s tui                      Browse and edit tasks in the terminal

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKTRACKER_HOME            Data directory (default: ~/.tasktracker)
  TELEGRAM_TOKEN              Bot token from @BotFather
  TASKTRACKER_ADMIN_PASSWORD  Dashboard password (logins are refused without one)
  TASKTRACKER_REPORT_TIME     Default daily report time, HH:MM
  TASKTRACKER_TIMEZONE        IANA zone for report times (default: host zone)
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only (no stdout)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "tui":
			os.Exit(runTUICommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
	}

	// Audit first so logger init failures still leave a record.
	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	otelProvider, err := otelx.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath)

	tasks := lifecycle.New(store,
		lifecycle.WithBus(eventBus),
		lifecycle.WithAudit(auditLog),
		lifecycle.WithLogger(logger),
		lifecycle.WithTelemetry(otelProvider.Tracer, metrics),
	)

	loc, err := cfg.Location()
	if err != nil {
		fatalStartup(logger, auditLog, "E_TIMEZONE", err)
	}
	generator := report.NewGenerator(report.ListerFunc(tasks.List))
	sched := cron.NewScheduler(cron.Config{
		Report:   generator.Generate,
		Location: loc,
		Hour:     cfg.Report.Hour,
		Minute:   cfg.Report.Minute,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
	})
	for _, rid := range cfg.Report.Recipients {
		if _, err := sched.ScheduleDefault(rid); err != nil {
			logger.Error("configured report recipient rejected", "recipient_id", rid, "error", err)
		}
	}

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			startChannel(ctx, channels.NewTelegramChannel(channels.TelegramConfig{
				Token:      cfg.Channels.Telegram.Token,
				AllowedIDs: cfg.Channels.Telegram.AllowedIDs,
				Tasks:      tasks,
				Reports:    sched,
				Location:   loc,
				Logger:     logger,
				Tracer:     otelProvider.Tracer,
			}), sched, logger)
		}
	}

	sched.Start()
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(sched.Jobs()))

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Dashboard.Enabled {
		if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
			h := strings.TrimSpace(strings.ToLower(host))
			loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
			if !loopback && len(cfg.AllowOrigins) == 0 {
				logger.Warn("allow_origins is empty on non-loopback bind; cross-origin dashboards will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
			}
		}
		if cfg.Dashboard.AdminPassword == "" {
			logger.Warn("dashboard enabled without admin_password; all logins will be refused")
		}

		gw := gateway.New(gateway.Config{
			Tasks:              tasks,
			Reports:            sched,
			Health:             store,
			Bus:                eventBus,
			Stats:              otelProvider,
			AdminUsername:      cfg.Dashboard.AdminUsername,
			AdminPassword:      cfg.Dashboard.AdminPassword,
			SessionTTL:         cfg.SessionTTL(),
			LoginRatePerMinute: cfg.Dashboard.LoginRatePerMinute,
			AllowOrigins:       cfg.AllowOrigins,
			Audit:              auditLog,
			Tracer:             otelProvider.Tracer,
			Metrics:            metrics,
			Logger:             logger,
		})
		gw.StartMaintenance(ctx, time.Minute)

		server = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		server.RegisterOnShutdown(gw.CloseStreams)
		lc := &net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
		if err != nil {
			if isAddrInUse(err) {
				hint := portOccupantHint(cfg.BindAddr)
				fatalStartup(logger, auditLog, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
			}
			fatalStartup(logger, auditLog, "E_LISTENER_BIND", err)
		}
		logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
		go func() {
			logger.Info("dashboard api listening", "addr", cfg.BindAddr, "ws", "/ws")
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		current := cfg
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			current = applyReload(current, levelVar, sched, logger)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("dashboard server error", "error", err)
	}

	// Stop intake first, then let in-flight report deliveries finish.
	drain := cfg.DrainTimeout()
	if drain <= 0 {
		drain = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("report deliveries still running at shutdown deadline")
	}
	logger.Info("shutdown complete")
}

// startChannel makes ch the report sender and serves it in the background.
func startChannel(ctx context.Context, ch channels.Channel, sched *cron.Scheduler, logger *slog.Logger) {
	sched.SetSender(ch)
	go func() {
		if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("channel failed", "channel", ch.Name(), "error", err)
		}
	}()
	logger.Info("channel started", "channel", ch.Name())
}

// reloader is the part of the scheduler a config reload touches.
type reloader interface {
	DefaultTime() (hour, minute int)
	Reschedule(hour, minute int) error
}

// applyReload re-reads config.yaml and applies the settings that can change
// without a restart: log level and default report time. It returns the
// config now in effect.
func applyReload(current config.Config, levelVar *slog.LevelVar, sched reloader, logger *slog.Logger) config.Config {
	next, err := config.LoadFrom(current.HomeDir)
	if err != nil {
		logger.Error("config.yaml reload rejected; keeping previous config", "error", err)
		return current
	}

	if next.LogLevel != current.LogLevel && levelVar != nil {
		levelVar.Set(telemetry.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "level", next.LogLevel)
	}

	h, m := sched.DefaultTime()
	if next.Report.Hour != h || next.Report.Minute != m {
		if err := sched.Reschedule(next.Report.Hour, next.Report.Minute); err != nil {
			logger.Error("report reschedule failed", "error", err)
		}
	}

	if next.Report.Timezone != current.Report.Timezone {
		logger.Warn("report.timezone changed; restart to apply", "timezone", next.Report.Timezone)
	}
	if next.BindAddr != current.BindAddr || next.DBPath != current.DBPath {
		logger.Warn("bind_addr/db_path changed; restart to apply")
	}
	if next.Fingerprint() != current.Fingerprint() {
		logger.Info("config reloaded", "fingerprint", next.Fingerprint())
	}
	return next
}

func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), "runtime.startup", reasonCode, 0, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof identifies the occupying process on macOS/Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// real environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: tasktracker daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tasktracker daemon [--help]")
	fmt.Fprintln(w, "       tasktracker -quiet")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the Telegram bot, the dashboard API and the daily report scheduler.")
}
