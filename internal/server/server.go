package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/pipe/internal/history"
	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/pkg/model"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// MaxFinished bounds how many finished tasks the snapshot keeps.
const MaxFinished = 1000

// Loop is the part of *loop.Loop the server needs. Post is the only method
// called from request goroutines; Lookup runs inside posted functions.
type Loop interface {
	Post(fn func())
	Lookup(id uint64) *loop.Task
}

// Server is the read-mostly status API over a running loop. It observes the
// loop and serves its own snapshot, so handlers never touch live tasks.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	loop      Loop
	startTime time.Time
	pipeline  string

	gatherer prometheus.Gatherer // optional; serves /metrics
	history  history.Store       // optional; serves /runs

	mu       sync.RWMutex
	views    map[uint64]model.TaskView
	finished []uint64
	tick     int64
	live     int
}

var _ loop.Observer = (*Server)(nil)

// Option configures optional Server dependencies.
type Option func(*Server)

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithHistory exposes recorded runs on /api/v1/runs.
func WithHistory(st history.Store) Option {
	return func(s *Server) {
		s.history = st
	}
}

// WithPipeline sets the pipeline name reported by the health endpoint.
func WithPipeline(name string) Option {
	return func(s *Server) {
		s.pipeline = name
	}
}

// New creates a new Server with all routes registered. The server must be
// added to the loop as an observer before any task is created.
func New(l Loop, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		loop:      l,
		startTime: time.Now(),
		views:     make(map[uint64]model.TaskView),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/cancel", s.handleCancelTask)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
		})

		r.Route("/sse", func(r chi.Router) {
			r.Get("/tasks/{id}", s.handleSSETask)
		})
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// --- loop.Observer ---

func (s *Server) TaskCreated(t *loop.Task) {
	s.update(t)
}

func (s *Server) TaskResumed(t *loop.Task, _ loop.Step) {
	s.update(t)
}

func (s *Server) TaskRetired(t *loop.Task) {
	v := t.View()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[v.ID] = v
	s.finished = append(s.finished, v.ID)
	if len(s.finished) > MaxFinished {
		delete(s.views, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *Server) Ticked(tick int64, live int) {
	s.mu.Lock()
	s.tick = tick
	s.live = live
	s.mu.Unlock()
}

func (s *Server) update(t *loop.Task) {
	v := t.View()
	s.mu.Lock()
	s.views[v.ID] = v
	s.mu.Unlock()
}

// --- snapshot access ---

// Tick returns the last tick the loop reported.
func (s *Server) Tick() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

func (s *Server) task(id uint64) (model.TaskView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[id]
	return v, ok
}

// tasks returns the snapshot sorted by id, optionally filtered by state.
func (s *Server) tasks(state model.TaskState) []model.TaskView {
	s.mu.RLock()
	out := make([]model.TaskView, 0, len(s.views))
	for _, v := range s.views {
		if state == "" || v.State == state {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
