package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipe/pkg/model"
)

type runDetail struct {
	*model.Run
	Records []*model.TaskRecord `json:"records"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.history == nil {
		s.historyDisabled(w, reqID)
		return
	}

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	opts.State = q.Get("state")
	opts.Clamp()

	runs, total, err := s.history.ListRuns(r.Context(), opts)
	if err != nil {
		s.respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	s.respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(runs) < total,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.history == nil {
		s.historyDisabled(w, reqID)
		return
	}
	id := chi.URLParam(r, "id")

	run, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		s.respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		s.respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	recs, err := s.history.ListTaskRecords(r.Context(), id)
	if err != nil {
		s.respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if recs == nil {
		recs = []*model.TaskRecord{}
	}
	s.respondOK(w, reqID, runDetail{Run: run, Records: recs})
}

func (s *Server) historyDisabled(w http.ResponseWriter, reqID string) {
	s.respondError(w, reqID, http.StatusNotFound,
		&model.APIError{Code: model.ErrNotFound, Message: "run history is disabled"})
}
