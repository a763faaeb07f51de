package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipe/pkg/model"
)

// SSEInterval is how often the task stream checks the snapshot.
var SSEInterval = time.Second

// handleSSETask streams a task's view via Server-Sent Events until it
// finishes or the client disconnects.
// GET /api/v1/sse/tasks/{id}
func (s *Server) handleSSETask(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := sendSSEEvent(w, flusher, "init", v); err != nil {
		s.logger.Debug("sse client disconnected", "task_id", id, "error", err)
		return
	}

	ticker := time.NewTicker(SSEInterval)
	defer ticker.Stop()

	last := v
	for !last.State.IsTerminal() {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		v, ok = s.task(id)
		if !ok {
			// Evicted from the snapshot.
			return
		}
		if v.State != last.State || v.WakeAt != last.WakeAt {
			if err := sendSSEEvent(w, flusher, "update", v); err != nil {
				s.logger.Debug("sse client disconnected", "task_id", id)
				return
			}
			last = v
			continue
		}
		fmt.Fprintf(w, ": heartbeat\n\n")
		flusher.Flush()
	}

	sendSSEEvent(w, flusher, "complete", last)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
