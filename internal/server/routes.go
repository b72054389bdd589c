// -----------------------------------------------------------------------
// Last Modified: Tuesday, 13th October 2026 4:05:51 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"net/http"
)

const wsTasksPath = "/ws/tasks"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - task progress push
	mux.HandleFunc(wsTasksPath, s.app.WSHandler.HandleWebSocket)

	// API routes - Tasks (progress polling)
	mux.HandleFunc("/api/tasks", s.app.TaskHandler.ListTasksHandler) // GET - list with status/type/resource_id filters
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes)                // active, terminal, {id}, {id}/cancel

	// API routes - Batches
	mux.HandleFunc("/api/batches", s.app.BatchHandler.CreateBatchHandler) // POST - start batch generation (202)

	// API routes - Quota usage
	mux.HandleFunc("/api/usage/models", s.app.UsageHandler.ListModelsHandler) // GET - counters and eligibility per model
	mux.HandleFunc("/api/usage/models/", s.handleUsageRoutes)                 // POST /{id}/reset

	// API routes - Call ledger
	mux.HandleFunc("/api/calls", s.app.CallHandler.ListCallsHandler) // GET - paginated ledger
	mux.HandleFunc("/api/calls/", s.handleCallRoutes)                // GET totals, GET /{id}

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleTaskRoutes routes /api/tasks/ subpaths to the task handler
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	item, ok := parseItemPath(r.URL.Path, tasksPrefix)
	if !ok {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	switch {
	case item.ID == "":
		s.app.TaskHandler.ListTasksHandler(w, r)
	case item.ID == "active" && item.Action == "":
		s.app.TaskHandler.ActiveTasksHandler(w, r)
	case item.ID == "terminal" && item.Action == "":
		s.app.TaskHandler.DeleteTerminalHandler(w, r)
	case item.Action == "":
		// GET|DELETE /api/tasks/{id}
		RouteByMethod(w, r, MethodRouter{
			"GET":    s.app.TaskHandler.GetTaskHandler,
			"DELETE": s.app.TaskHandler.DeleteTaskHandler,
		})
	case item.Action == "cancel":
		RouteByMethod(w, r, MethodRouter{"POST": s.app.TaskHandler.CancelTaskHandler})
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleUsageRoutes routes /api/usage/models/{id}/reset
func (s *Server) handleUsageRoutes(w http.ResponseWriter, r *http.Request) {
	item, ok := parseItemPath(r.URL.Path, usageModelsPrefix)
	switch {
	case !ok:
		s.app.APIHandler.NotFoundHandler(w, r)
	case item.ID == "":
		s.app.UsageHandler.ListModelsHandler(w, r)
	case item.Action == "reset":
		s.app.UsageHandler.ResetModelHandler(w, r)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleCallRoutes routes /api/calls/totals and /api/calls/{id}
func (s *Server) handleCallRoutes(w http.ResponseWriter, r *http.Request) {
	item, ok := parseItemPath(r.URL.Path, callsPrefix)
	switch {
	case !ok || item.Action != "":
		s.app.APIHandler.NotFoundHandler(w, r)
	case item.ID == "":
		s.app.CallHandler.ListCallsHandler(w, r)
	case item.ID == "totals":
		s.app.CallHandler.TotalsHandler(w, r)
	default:
		s.app.CallHandler.GetCallHandler(w, r)
	}
}
