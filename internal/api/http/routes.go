package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services bundles what the router exposes.
type Services struct {
	Tasks       TaskServiceI
	Sessions    SessionServiceI
	Ledger      LedgerServiceI
	Events      EventSource
	EventBuffer int
}

// NewRouter creates a new HTTP router with configured routes, middleware, and handlers.
// It sets up task, scheduler, session and ledger routes, the event stream,
// health check, and Prometheus metrics endpoint.
func NewRouter(svc Services, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	taskHandler := NewTaskHandler(svc.Tasks, logger)
	sessionHandler := NewSessionHandler(svc.Sessions, logger)
	ledgerHandler := NewLedgerHandler(svc.Ledger, logger)
	eventsHandler := NewEventsHandler(svc.Events, svc.EventBuffer, logger)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", taskHandler.CreateTask)
		r.Get("/", taskHandler.ListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", taskHandler.GetTask)
			r.Get("/history", taskHandler.History)
			r.Post("/pause", taskHandler.Pause)
			r.Post("/resume", taskHandler.Resume)
			r.Post("/cancel", taskHandler.Cancel)
			r.Put("/priority", taskHandler.SetPriority)
			r.Put("/speed-limit", taskHandler.SetSpeedLimit)
		})
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", taskHandler.Stats)
		r.Put("/concurrency", taskHandler.SetConcurrency)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", sessionHandler.StartSession)
		r.Get("/{sessionID}", sessionHandler.GetSession)
		r.Post("/{sessionID}/stop", sessionHandler.StopSession)
	})

	// Item ids may contain slashes, so the item is the rest of the path.
	r.Route("/ledger/{containerID}", func(r chi.Router) {
		r.Get("/*", ledgerHandler.GetRecord)
		r.Delete("/*", ledgerHandler.Forget)
	})

	r.Get("/events", eventsHandler.Stream)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
