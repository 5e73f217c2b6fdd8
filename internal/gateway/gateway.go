package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/tasktracker/internal/audit"
	"github.com/basket/tasktracker/internal/bus"
	"github.com/basket/tasktracker/internal/cron"
	"github.com/basket/tasktracker/internal/lifecycle"
	otelx "github.com/basket/tasktracker/internal/otel"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TaskService is the subset of lifecycle.Service the dashboard uses.
type TaskService interface {
	Add(ctx context.Context, description string) (lifecycle.Result, error)
	List(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error)
	Get(ctx context.Context, id int64) (*persistence.Task, error)
	Close(ctx context.Context, id int64, timeSpent string) (lifecycle.Result, error)
	Edit(ctx context.Context, id int64, description string) (lifecycle.Result, error)
	Delete(ctx context.Context, id int64) (lifecycle.Result, error)
	Stats(ctx context.Context) (persistence.Stats, error)
}

// ReportScheduler is the subset of cron.Scheduler the dashboard uses.
type ReportScheduler interface {
	Jobs() []cron.Job
	Job(recipientID int64) (cron.Job, bool)
	Schedule(recipientID int64, hour, minute int) error
	ScheduleDefault(recipientID int64) (cron.Job, error)
	Cancel(recipientID int64) bool
	RunNow(ctx context.Context, recipientID int64) error
}

// CounterSource reports process metric totals keyed by instrument name.
type CounterSource interface {
	Counters(ctx context.Context) (map[string]float64, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Tasks   TaskService
	Reports ReportScheduler // nil disables /api/reports
	Health  Pinger
	Bus     *bus.Bus
	Stats   CounterSource // nil disables /api/metrics

	AdminUsername      string
	AdminPassword      string // empty refuses every login
	SessionTTL         time.Duration
	LoginRatePerMinute int

	// AllowOrigins lists cross-origin dashboards allowed to call the API and
	// open /ws. Empty means same-origin only.
	AllowOrigins []string

	Audit   *audit.Log
	Tracer  trace.Tracer
	Metrics *otelx.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg      Config
	sessions *Sessions
	limiter  *LoginLimiter
	tracer   trace.Tracer
	logger   *slog.Logger

	// streams bounds every /ws connection; CloseStreams cancels it.
	streams      context.Context
	closeStreams context.CancelFunc
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: NewSessions(cfg.AdminUsername, cfg.AdminPassword, cfg.SessionTTL),
		limiter:  NewLoginLimiter(cfg.LoginRatePerMinute),
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")
	return s
}

// Sessions exposes the session table (used by the daemon's sweeper).
func (s *Server) Sessions() *Sessions { return s.sessions }

// CloseStreams ends every open /ws stream with a going-away close frame.
// Register it with http.Server.RegisterOnShutdown: Shutdown does not wait
// for hijacked connections.
func (s *Server) CloseStreams() { s.closeStreams() }

// StartMaintenance evicts idle login buckets and expired sessions until ctx
// is cancelled, then closes the event streams.
func (s *Server) StartMaintenance(ctx context.Context, interval time.Duration) {
	s.limiter.StartEviction(ctx, interval, 10*time.Minute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.CloseStreams()
				return
			case <-ticker.C:
				if n := s.sessions.Sweep(); n > 0 {
					s.logger.Debug("expired sessions removed", "count", n)
				}
			}
		}
	}()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}
	auth := s.sessions.Require

	handle("GET /healthz", s.handleHealthz)
	handle("POST /login", s.handleLogin)
	handle("POST /logout", s.handleLogout)

	handle("GET /api/tasks", auth(s.handleListTasks))
	handle("POST /api/tasks", auth(s.handleCreateTask))
	handle("GET /api/tasks/{id}", auth(s.handleGetTask))
	handle("PATCH /api/tasks/{id}", auth(s.handleEditTask))
	handle("DELETE /api/tasks/{id}", auth(s.handleDeleteTask))
	handle("POST /api/tasks/{id}/close", auth(s.handleCloseTask))
	handle("GET /api/stats", auth(s.handleStats))
	handle("GET /api/metrics", auth(s.handleMetrics))

	handle("GET /api/reports", auth(s.handleListReports))
	handle("PUT /api/reports/{recipient}", auth(s.handleScheduleReport))
	handle("DELETE /api/reports/{recipient}", auth(s.handleCancelReport))
	handle("POST /api/reports/{recipient}/run", auth(s.handleRunReport))

	handle("GET /ws", auth(s.handleWS))

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// instrument wraps every route in a server span and records the request
// duration histogram.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := shared.NewRequestContext(r.Context(), shared.OriginWeb)
		ctx, span := otelx.StartServerSpan(ctx, s.tracer, "http "+route, otelx.AttrRoute.String(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r.WithContext(ctx))

		var err error
		if rec.status >= http.StatusInternalServerError {
			err = fmt.Errorf("status %d", rec.status)
		}
		otelx.EndSpan(span, err)
		s.cfg.Metrics.Request(ctx, route, rec.status, time.Since(start).Seconds())
		s.logger.DebugContext(ctx, "request", "route", route, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	if s.cfg.Reports != nil {
		payload["scheduled_reports"] = len(s.cfg.Reports.Jobs())
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "метрики отключены")
		return
	}
	counters, err := s.cfg.Stats.Counters(r.Context())
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.sessions.Enabled() {
		s.cfg.Metrics.LoginRejected(ctx, "disabled")
		writeError(w, http.StatusServiceUnavailable, "вход отключён: пароль администратора не задан")
		return
	}
	if ok, wait := s.limiter.Allow(r); !ok {
		s.cfg.Metrics.LoginRejected(ctx, "rate_limited")
		s.cfg.Audit.Record(ctx, "login", "rate_limited", 0, clientIP(r))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "слишком много попыток входа, попробуйте позже")
		return
	}

	var req loginRequest
	if err := decodeBody(r.Body, loginSchema, &req, false); err != nil {
		s.cfg.Metrics.LoginRejected(ctx, "validation")
		writeError(w, http.StatusBadRequest, lifecycle.Describe(err))
		return
	}
	token, expires, ok := s.sessions.Login(req.Username, req.Password)
	if !ok {
		s.cfg.Metrics.LoginRejected(ctx, "bad_credentials")
		s.cfg.Audit.Record(ctx, "login", "denied", 0, "user="+req.Username+" ip="+clientIP(r))
		s.logger.Warn("login rejected", "ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "❌ Неверный логин или пароль")
		return
	}

	s.cfg.Audit.Record(ctx, "login", "ok", 0, "user="+req.Username+" ip="+clientIP(r))
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"username":   req.Username,
		"expires_at": expires.UTC(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := ExtractToken(r); token != "" {
		s.sessions.Logout(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// statusForError maps lifecycle errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case persistence.IsValidation(err):
		return http.StatusBadRequest
	case persistence.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrAlreadyClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, lifecycle.Describe(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusRecorder captures the response status. It passes Hijack through so
// websocket upgrades work behind instrument.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
