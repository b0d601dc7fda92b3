// Package api exposes the HTTP surface used by the queue watcher, the
// registration page and operators.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"queue_notifier/internal/metrics"
)

// NewRouter mounts every route. health and metricsHandler may be nil.
func NewRouter(queue *QueueHandler, users *UserHandler, health, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	if health != nil {
		r.Method(http.MethodGet, "/healthz", health)
	}
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	RegisterQueueRoutes(r, queue)
	RegisterUserRoutes(r, users)

	return r
}

// RegisterQueueRoutes mounts /api/queue.
func RegisterQueueRoutes(r chi.Router, h *QueueHandler) {
	r.Route("/api/queue", func(r chi.Router) {
		r.Post("/update", h.Update)
		r.Get("/current", h.Current)
		r.Get("/history", h.History)
		r.Get("/stats", h.Stats)
		r.Post("/reset-notifications", h.ResetNotifications)
		r.Post("/reset-cooldowns", h.ResetCooldowns)
	})
}

// RegisterUserRoutes mounts /api/users.
func RegisterUserRoutes(r chi.Router, h *UserHandler) {
	r.Route("/api/users", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Get("/all", h.All)
		r.Get("/pattern/{pattern}", h.ByPattern)
		r.Get("/email/{email}", h.ByEmail)
		r.Post("/test-telegram", h.TestTelegram)
		r.Get("/telegram/status", h.TelegramStatus)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}/notification-status", h.SetNotificationStatus)
	})
}
