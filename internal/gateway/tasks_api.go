package gateway

import (
	"net/http"
	"strconv"

	"github.com/basket/tasktracker/internal/lifecycle"
	"github.com/basket/tasktracker/internal/persistence"
)

// taskResponse is the body returned by task mutations: the task after the
// change plus the confirmation line the bot would have sent.
type taskResponse struct {
	Task    *persistence.Task `json:"task,omitempty"`
	Message string            `json:"message"`
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &persistence.ValidationError{Field: "id", Reason: "not a positive integer: " + strconv.Quote(raw)}
	}
	return id, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := persistence.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	tasks, err := s.cfg.Tasks.List(r.Context(), filter)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filter": filter,
		"tasks":  tasks,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if err := decodeBody(r.Body, descriptionSchema, &req, false); err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.Add(r.Context(), req.Description)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	task, err := s.cfg.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleEditTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	var req descriptionRequest
	if err := decodeBody(r.Body, descriptionSchema, &req, false); err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.Edit(r.Context(), id, req.Description)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (s *Server) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	var req closeRequest
	if err := decodeBody(r.Body, closeSchema, &req, false); err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.Close(r.Context(), id, req.hoursText())
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.Delete(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Tasks.Stats(r.Context())
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	if st.TopLongTasks == nil {
		st.TopLongTasks = []persistence.TaskEffort{}
	}
	writeJSON(w, http.StatusOK, st)
}

func writeResult(w http.ResponseWriter, status int, res lifecycle.Result) {
	writeJSON(w, status, taskResponse{Task: res.Task, Message: res.Message})
}
