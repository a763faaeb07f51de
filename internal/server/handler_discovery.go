package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	endpoints := []endpointInfo{
		{"/api/v1/health", []string{"GET"}, "Loop health, tick and live task count"},
		{"/api/v1/tasks", []string{"GET"}, "Task snapshot, optionally filtered with ?state="},
		{"/api/v1/tasks/{id}", []string{"GET"}, "Single task"},
		{"/api/v1/tasks/{id}/cancel", []string{"POST"}, "Request cancellation of a live task"},
		{"/api/v1/runs", []string{"GET"}, "Recorded runs, newest first"},
		{"/api/v1/runs/{id}", []string{"GET"}, "Recorded run with its task records"},
		{"/api/v1/sse/tasks/{id}", []string{"GET"}, "Server-sent events for one task until it finishes"},
	}
	if s.gatherer != nil {
		endpoints = append(endpoints, endpointInfo{"/metrics", []string{"GET"}, "Prometheus metrics"})
	}
	s.respondOK(w, reqID, discoveryResponse{
		Name:        "pipe API",
		Version:     "v1",
		Description: "Status of a running pipe loop",
		Endpoints:   endpoints,
	})
}
