package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Pipeline  string `json:"pipeline,omitempty"`
	Tick      int64  `json:"tick"`
	LiveTasks int    `json:"live_tasks"`
	History   string `json:"history"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	s.mu.RLock()
	tick, live := s.tick, s.live
	s.mu.RUnlock()

	hist := "disabled"
	if s.history != nil {
		hist = "sqlite"
	}
	s.respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Pipeline:  s.pipeline,
		Tick:      tick,
		LiveTasks: live,
		History:   hist,
	})
}
