package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.HealthCheck)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Delete("/", h.DeleteTask)
			r.Get("/logs", h.GetTaskLogs)
			r.Post("/run", h.RunTask)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", h.RegisterWebhook)
		r.Get("/", h.ListWebhooks)
		r.Delete("/{id}", h.DeleteWebhook)
		r.Post("/{id}/test", h.TestWebhook)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/settings", h.GetNotificationSettings)
		r.Put("/settings", h.UpdateNotificationSettings)
	})

	return r
}
