package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Runs
	mux.HandleFunc("/api/runs", s.handleRunsRoute)                         // GET (history), POST (start)
	mux.HandleFunc("/api/runs/stop", s.app.RunHandler.StopHandler)         // POST - cooperative stop
	mux.HandleFunc("/api/runs/progress", s.app.RunHandler.ProgressHandler) // GET - live progress
	mux.HandleFunc("/api/runs/", s.app.RunHandler.GetHandler)              // GET /{id}

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.JobsHandler)
	mux.HandleFunc("/api/scheduler/jobs/", s.handleSchedulerJobRoutes) // POST /{name}/trigger

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for everything else
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleRunsRoute routes /api/runs requests (history and start)
func (s *Server) handleRunsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.RunHandler.ListHandler, s.app.RunHandler.StartHandler)
}

// handleSchedulerJobRoutes routes /api/scheduler/jobs/{name}/... requests
func (s *Server) handleSchedulerJobRoutes(w http.ResponseWriter, r *http.Request) {
	matched := RouteByPathSuffix(w, r, "/api/scheduler/jobs/", []PathSuffixRouter{
		{Suffix: "/trigger", Handler: s.app.SchedulerHandler.TriggerHandler},
	})
	if !matched {
		if strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/scheduler/jobs/"), "/") == "" {
			s.app.SchedulerHandler.JobsHandler(w, r)
			return
		}
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
