// Package admin serves the operational endpoints of a connector worker:
// Prometheus metrics, health, manager status, cron schedules and state
// graphs.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-connector/cron"
	"github.com/goliatone/go-connector/lifecycle"
	"github.com/goliatone/go-connector/manager"
)

// Server holds what the admin endpoints report on.
type Server struct {
	metrics http.Handler
	sources []cron.StatusSource
	graphs  map[string]*lifecycle.Graph
	jobs    func() []cron.Handle
	started time.Time
}

type Option func(*Server)

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithSources(sources ...cron.StatusSource) Option {
	return func(s *Server) {
		s.sources = append(s.sources, sources...)
	}
}

// WithSchedules lists the handles returned by jobs on /schedules,
// usually (*cron.Scheduler).Handles.
func WithSchedules(jobs func() []cron.Handle) Option {
	return func(s *Server) {
		s.jobs = jobs
	}
}

// WithGraph exposes g under /graphs/{name}.
func WithGraph(name string, g *lifecycle.Graph) Option {
	return func(s *Server) {
		if g != nil {
			s.graphs[name] = g
		}
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		graphs:  map[string]*lifecycle.Graph{},
		started: time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Get("/healthz", s.health)
	r.Get("/status", s.status)
	r.Get("/schedules", s.schedules)
	r.Route("/graphs", func(r chi.Router) {
		r.Get("/", s.listGraphs)
		r.Get("/{name}", s.graph)
	})
	return r
}

type healthResponse struct {
	Healthy  bool                      `json:"healthy"`
	Uptime   string                    `json:"uptime"`
	Managers map[string]manager.Health `json:"managers"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Healthy:  true,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Managers: make(map[string]manager.Health, len(s.sources)),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, src := range s.sources {
		h := src.Health(ctx)
		resp.Managers[src.Name()] = h
		if !h.Healthy {
			resp.Healthy = false
		}
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	out := make([]manager.RuntimeStatus, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, out)
}

type scheduleView struct {
	ID     int64               `json:"id"`
	Name   string              `json:"name"`
	Status cron.ScheduleStatus `json:"status"`
	cron.RunStats
}

func (s *Server) schedules(w http.ResponseWriter, _ *http.Request) {
	out := []scheduleView{}
	if s.jobs != nil {
		for _, h := range s.jobs() {
			out = append(out, scheduleView{ID: h.ID(), Name: h.Name(), Status: h.Status(), RunStats: h.Stats()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	respondJSON(w, http.StatusOK, out)
}

type stateView struct {
	Code   int      `json:"code"`
	Name   string   `json:"name"`
	Events []string `json:"events,omitempty"`
}

func (s *Server) listGraphs(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	respondJSON(w, http.StatusOK, names)
}

// graph answers JSON by default and Graphviz dot for ?format=dot.
func (s *Server) graph(w http.ResponseWriter, r *http.Request) {
	g, ok := s.graphs[chi.URLParam(r, "name")]
	if !ok {
		respondError(w, http.StatusNotFound, "GRAPH_NOT_FOUND", "unknown graph")
		return
	}
	states := g.States()
	if r.URL.Query().Get("format") == "dot" && len(states) > 0 {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(g.Visualize(states[0])))
		return
	}
	out := make([]stateView, 0, len(states))
	for _, code := range states {
		out = append(out, stateView{Code: code, Name: g.StateName(code), Events: g.Events(code)})
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
