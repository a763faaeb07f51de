package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipe/pkg/model"
)

var taskStates = map[model.TaskState]bool{
	model.TaskStatePending:   true,
	model.TaskStateRunning:   true,
	model.TaskStateSuspended: true,
	model.TaskStateCompleted: true,
	model.TaskStateFailed:    true,
	model.TaskStateCancelled: true,
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	state := model.TaskState(r.URL.Query().Get("state"))
	if state != "" && !taskStates[state] {
		s.respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError(fmt.Sprintf("unknown task state %q", state),
				model.FieldError{Field: "state", Message: "must be a task state"}))
		return
	}

	tasks := s.tasks(state)
	s.respondList(w, reqID, tasks, &model.Pagination{
		Total:  len(tasks),
		Limit:  len(tasks),
		Offset: 0,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	v, ok := s.task(id)
	if !ok {
		s.respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", chi.URLParam(r, "id")))
		return
	}
	s.respondOK(w, reqID, v)
}

// handleCancelTask hands the cancellation to the loop goroutine and returns
// before it happens.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	v, ok := s.task(id)
	if !ok {
		s.respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", chi.URLParam(r, "id")))
		return
	}
	if v.State.IsTerminal() {
		s.respondError(w, reqID, http.StatusConflict,
			model.NewConflictError(fmt.Sprintf("task %d already %s", id, v.State)))
		return
	}

	s.loop.Post(func() {
		if t := s.loop.Lookup(id); t != nil {
			t.Cancel()
		}
	})
	s.logger.Info("cancel requested", "task_id", id, "task", v.Name, "request_id", reqID)
	s.respondAccepted(w, reqID, map[string]any{
		"id":     id,
		"name":   v.Name,
		"cancel": "requested",
	})
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		s.respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError(fmt.Sprintf("invalid task id %q", raw),
				model.FieldError{Field: "id", Message: "must be a positive integer"}))
		return 0, false
	}
	return id, true
}
