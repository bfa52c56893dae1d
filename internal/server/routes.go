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

	// API routes - Authentication
	mux.HandleFunc("/api/auth/token", s.app.AuthHandler.IssueTokenHandler)
	mux.HandleFunc("/api/auth/profile", s.app.AuthHandler.UpdateProfileHandler)

	// API routes - Queues and jobs
	mux.HandleFunc("/api/queues/", s.handleQueueRoutes)

	// API routes - Flows
	mux.HandleFunc("/api/flows", s.handleFlowsRoute)
	mux.HandleFunc("/api/flows/", s.handleFlowRoutes)

	// API routes - Schedules
	mux.HandleFunc("/api/schedules", s.handleSchedulesRoute)
	mux.HandleFunc("/api/schedules/", s.handleScheduleRoutes)

	// API routes - Webhooks
	mux.HandleFunc("/api/webhooks", s.handleWebhooksRoute)
	mux.HandleFunc("/api/webhooks/", s.handleWebhookRoutes)

	// API routes - API keys
	mux.HandleFunc("/api/keys", s.handleKeysRoute)
	mux.HandleFunc("/api/keys/", s.handleKeyRoutes)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleQueueRoutes routes /api/queues/{queue}/jobs and subpaths
func (s *Server) handleQueueRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	// /api/queues/{queue}/jobs
	if len(parts) == 2 && parts[1] == "jobs" {
		queue := parts[0]
		switch r.Method {
		case "POST":
			s.app.JobHandler.SubmitJobHandler(w, r, queue)
		case "GET":
			s.app.JobHandler.ListJobsHandler(w, r, queue)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// /api/queues/{queue}/jobs/{id}
	if len(parts) == 3 && parts[1] == "jobs" {
		queue, jobID := parts[0], parts[2]
		switch r.Method {
		case "GET":
			s.app.JobHandler.GetJobHandler(w, r, queue, jobID)
		case "DELETE":
			s.app.JobHandler.DeleteJobHandler(w, r, queue, jobID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}

// handleFlowsRoute routes /api/flows (list and create)
func (s *Server) handleFlowsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.FlowHandler.ListFlowsHandler(w, r)
	case "POST":
		s.app.FlowHandler.CreateFlowHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFlowRoutes routes /api/flows/{id} and /api/flows/{id}/run
func (s *Server) handleFlowRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/flows/"), "/")
	parts := strings.Split(rest, "/")

	if len(parts) == 2 && parts[1] == "run" {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.FlowHandler.RunFlowHandler(w, r, parts[0])
		return
	}

	if len(parts) == 1 && parts[0] != "" {
		switch r.Method {
		case "GET":
			s.app.FlowHandler.GetFlowHandler(w, r, parts[0])
		case "DELETE":
			s.app.FlowHandler.DeleteFlowHandler(w, r, parts[0])
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}

// handleSchedulesRoute routes /api/schedules (list and upsert)
func (s *Server) handleSchedulesRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.ScheduleHandler.ListSchedulesHandler(w, r)
	case "POST":
		s.app.ScheduleHandler.UpsertScheduleHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScheduleRoutes routes /api/schedules/{id}
func (s *Server) handleScheduleRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/schedules/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	switch r.Method {
	case "GET":
		s.app.ScheduleHandler.GetScheduleHandler(w, r, id)
	case "DELETE":
		s.app.ScheduleHandler.DeleteScheduleHandler(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebhooksRoute routes /api/webhooks (list and create)
func (s *Server) handleWebhooksRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.WebhookHandler.ListWebhooksHandler(w, r)
	case "POST":
		s.app.WebhookHandler.CreateWebhookHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebhookRoutes routes /api/webhooks/{id}
func (s *Server) handleWebhookRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/webhooks/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	switch r.Method {
	case "GET":
		s.app.WebhookHandler.GetWebhookHandler(w, r, id)
	case "PUT":
		s.app.WebhookHandler.UpdateWebhookHandler(w, r, id)
	case "DELETE":
		s.app.WebhookHandler.DeleteWebhookHandler(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKeysRoute routes /api/keys (list and create)
func (s *Server) handleKeysRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.ApiKeyHandler.ListApiKeysHandler(w, r)
	case "POST":
		s.app.ApiKeyHandler.CreateApiKeyHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKeyRoutes routes /api/keys/{id}
func (s *Server) handleKeyRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/keys/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	switch r.Method {
	case "PATCH":
		s.app.ApiKeyHandler.UpdateApiKeyHandler(w, r, id)
	case "DELETE":
		s.app.ApiKeyHandler.RevokeApiKeyHandler(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
