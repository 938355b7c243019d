/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/accounts/*     Account management, balance, history
  /api/points/*       Point accrual
  /api/redemptions/*  Prize redemption
  /api/prizes/*       Prize catalog

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/redemptions", h.GetRedemptions)
			r.Post("/{id}/member-number", h.IssueMemberNumber)
		})

		// Points routes
		r.Route("/points", func(r chi.Router) {
			r.Post("/assign", h.AssignPoints)
		})

		// Redemption routes
		r.Route("/redemptions", func(r chi.Router) {
			r.Post("/", h.Redeem)
		})

		// Prize routes
		r.Route("/prizes", func(r chi.Router) {
			r.Get("/", h.ListPrizes)
			r.Post("/", h.CreatePrize)
			r.Get("/{id}", h.GetPrize)
			r.Put("/{id}", h.UpdatePrize)
		})
	})

	return r
}
