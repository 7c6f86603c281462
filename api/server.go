/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  unique ID per request for tracing
  2. Logger:     request logging
  3. Recoverer:  panic recovery (500 instead of crash)
  4. CORS:       cross-origin requests for the frontend

ROUTE GROUPS:
  /api/accounts/*    account plumbing, balances, entries, deposits
  /api/transfers/*   the transfer core

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Patch("/{id}/status", h.UpdateAccountStatus)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/entries", h.GetEntries)
			r.Post("/{id}/deposits", h.CreateDeposit)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransaction)
		})
	})

	return r
}
