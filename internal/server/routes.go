package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/supercomp/internal/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (polling protocol)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // /{id}, /{id}/status, /{id}/captcha, /{id}/evidence/*
	mux.HandleFunc("/api/automation", s.app.JobHandler.StartAutomationHandler)

	// API routes - History
	mux.HandleFunc("/api/history", s.app.HistoryHandler.ListHistoryHandler)
	mux.HandleFunc("/api/history/records", s.app.HistoryHandler.ListRecordsHandler)
	mux.HandleFunc("/api/lookups", s.app.HistoryHandler.RecordLookupHandler)
	mux.HandleFunc("/api/years", s.app.HistoryHandler.YearsHandler)

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler/tasks", s.app.SchedulerHandler.ListTasksHandler)
	mux.HandleFunc("/api/scheduler/tasks/", s.handleTaskRoutes) // POST /{name}/trigger

	// Legacy identifier-keyed routes
	mux.HandleFunc("/consultar-supercias", s.app.LegacyHandler.StartHandler)
	mux.HandleFunc("/captcha-status/", s.app.LegacyHandler.StatusHandler)
	mux.HandleFunc("/captcha-image/", s.app.LegacyHandler.ImageHandler)
	mux.HandleFunc("/submit-captcha", s.app.LegacyHandler.SubmitHandler)
	mux.HandleFunc("/historial", s.app.HistoryHandler.ListHistoryHandler)
	mux.HandleFunc("/consultar", s.app.HistoryHandler.RecordLookupHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.Handle("/metrics", metrics.Handler())

	// 404 handler for everything else
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes the job collection
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.JobHandler.ListJobsHandler,
		s.app.JobHandler.CreateJobHandler,
	)
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	if len(parts) == 1 {
		// GET /api/jobs/{id}
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	switch parts[1] {
	case "status":
		// GET /api/jobs/{id}/status
		if len(parts) == 2 {
			s.app.JobHandler.StatusHandler(w, r)
			return
		}
	case "captcha":
		// GET|POST /api/jobs/{id}/captcha
		if len(parts) == 2 {
			s.app.JobHandler.CaptchaHandler(w, r)
			return
		}
	case "evidence":
		// GET /api/jobs/{id}/evidence/{before|after|report.pdf}
		if len(parts) == 3 {
			s.app.JobHandler.EvidenceHandler(w, r)
			return
		}
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}

// handleTaskRoutes routes scheduler task actions
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	matched := RouteByPathSuffix(w, r, "/api/scheduler/tasks/", []PathSuffixRouter{
		{Suffix: "/trigger", Handler: s.app.SchedulerHandler.TriggerTaskHandler},
	})
	if !matched {
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
