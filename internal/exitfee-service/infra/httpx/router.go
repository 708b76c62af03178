package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/runstr/exitfee-saga/internal/exitfee-service/infra/httpx/middlewares"
)

func NewRouter(handler *Handler, jwtSecret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middlewares.Authenticate(jwtSecret))

		r.Route("/exit-fee", func(r chi.Router) {
			r.Get("/constants", handler.GetConstants)
			r.Post("/operations", handler.StartOperation)
			r.Get("/operations/{id}", handler.GetOperation)
			r.Post("/operations/{id}/cancel", handler.CancelOperation)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middlewares.RequireAdmin)
			r.Get("/metrics/snapshot", handler.MetricsSnapshot)
			r.Get("/metrics/export", handler.ExportMetrics)
			r.Get("/analytics/revenue", handler.Revenue)
			r.Get("/analytics/stuck", handler.StuckPayments)
			r.Post("/operations/{id}/resolve", handler.ResolveOperation)
			r.Post("/reconcile", handler.Reconcile)
		})
	})
	return r
}
