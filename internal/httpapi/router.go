// Package httpapi is the thin HTTP control plane (C9): chi routes mapping
// the endpoint table in spec.md §6 onto internal/taskservice, with
// go-playground/validator enforcing query/body shape before a request ever
// reaches the service layer.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/swarmguard/taskengine/internal/taskservice"
)

// Server wires a Service behind a chi router.
type Server struct {
	svc          *taskservice.Service
	logger       *slog.Logger
	validate     *validator.Validate
	defaultQueue string
	defaultRetry int
}

// NewServer builds a Server. defaultQueue and defaultMaxRetries fill in
// trigger requests that omit them.
func NewServer(svc *taskservice.Service, logger *slog.Logger, defaultQueue string, defaultMaxRetries int) *Server {
	return &Server{
		svc:          svc,
		logger:       logger,
		validate:     validator.New(),
		defaultQueue: defaultQueue,
		defaultRetry: defaultMaxRetries,
	}
}

// Router builds the chi.Router mounted under prefix. Pass "" to run routes
// at the root, or e.g. "/api/v1" to namespace them.
func (s *Server) Router(prefix string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route(prefix+"/tasks", func(r chi.Router) {
		r.Get("/", s.handleSearchTasks)
		r.Get("/running", s.handleGetRunningTasks)
		r.Get("/stats", s.handleGetStats)
		r.Get("/{task_id}", s.handleGetTaskDetails)
		r.Post("/cancel", s.handleCancelTask)
		r.Post("/trigger", s.handleTriggerTask)
		r.Post("/bulk_cancel", s.handleBulkCancelTasks)

		r.Get("/scheduled", s.handleListScheduledJobs)
		r.Get("/scheduled/{job_id}", s.handleGetScheduledJob)
		r.Post("/scheduled/{job_id}/pause", s.handlePauseJob)
		r.Post("/scheduled/{job_id}/resume", s.handleResumeJob)

		r.Get("/dlq", s.handleListDeadLetters)
		r.Post("/dlq/retry", s.handleRetryDeadLetter)
		r.Post("/dlq/discard", s.handleDiscardDeadLetter)
		r.Post("/dlq/bulk_retry", s.handleBulkRetryDeadLetters)
		r.Post("/dlq/bulk_discard", s.handleBulkDiscardDeadLetters)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
