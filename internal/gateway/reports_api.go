package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/tasktracker/internal/config"
	"github.com/basket/tasktracker/internal/cron"
	"github.com/basket/tasktracker/internal/persistence"
)

func recipientID(r *http.Request) (int64, error) {
	raw := r.PathValue("recipient")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, &persistence.ValidationError{Field: "recipient", Reason: "not a chat id: " + strconv.Quote(raw)}
	}
	return id, nil
}

func (s *Server) reportsEnabled(w http.ResponseWriter) bool {
	if s.cfg.Reports == nil {
		writeError(w, http.StatusServiceUnavailable, "планировщик отчётов не запущен")
		return false
	}
	return true
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if !s.reportsEnabled(w) {
		return
	}
	jobs := s.cfg.Reports.Jobs()
	if jobs == nil {
		jobs = []cron.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleScheduleReport subscribes a chat. Without a body the chat follows
// the configured default time.
func (s *Server) handleScheduleReport(w http.ResponseWriter, r *http.Request) {
	if !s.reportsEnabled(w) {
		return
	}
	rid, err := recipientID(r)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	var req reportRequest
	if err := decodeBody(r.Body, reportSchema, &req, true); err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}

	var job cron.Job
	if req.Time == "" {
		job, err = s.cfg.Reports.ScheduleDefault(rid)
	} else {
		hour, minute, perr := config.ParseClock(req.Time)
		if perr != nil {
			s.writeLifecycleError(w, r, &persistence.ValidationError{Field: "time", Reason: perr.Error()})
			return
		}
		if err = s.cfg.Reports.Schedule(rid, hour, minute); err == nil {
			job, _ = s.cfg.Reports.Job(rid)
		}
	}
	if err != nil {
		s.writeLifecycleError(w, r, &persistence.ValidationError{Field: "time", Reason: err.Error()})
		return
	}
	s.cfg.Audit.Record(r.Context(), "report.schedule", "ok", 0, "recipient="+strconv.FormatInt(rid, 10))
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	if !s.reportsEnabled(w) {
		return
	}
	rid, err := recipientID(r)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	removed := s.cfg.Reports.Cancel(rid)
	if removed {
		s.cfg.Audit.Record(r.Context(), "report.cancel", "ok", 0, "recipient="+strconv.FormatInt(rid, 10))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient_id": rid, "cancelled": removed})
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	if !s.reportsEnabled(w) {
		return
	}
	rid, err := recipientID(r)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	if err := s.cfg.Reports.RunNow(r.Context(), rid); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, cron.ErrNoSender) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("manual report failed", "recipient_id", rid, "error", err)
		writeError(w, status, "не удалось отправить отчёт: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient_id": rid, "sent": true})
}
