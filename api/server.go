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
  /api/lots/*            Lot records and dispositions
  /api/allocations       FEFO allocation
  /api/production/*      Production completion
  /api/audit             Audit log queries
  /api/scenarios/*       Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware. Authentication and authorization are
  external collaborators of the ledger core.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Lot routes
		r.Route("/lots", func(r chi.Router) {
			r.Get("/", h.ListLots)
			r.Post("/", h.ReceiveLot)
			r.Get("/{id}", h.GetLot)
			r.Post("/{id}/hold", h.HoldLot)
			r.Post("/{id}/release", h.ReleaseLot)
			r.Post("/{id}/dispose", h.DisposeLot)
			r.Post("/{id}/adjust", h.AdjustLot)
			r.Get("/{id}/trace/forward", h.TraceForward)
			r.Get("/{id}/trace/backward", h.TraceBackward)
		})

		// Allocation routes
		r.Post("/allocations", h.Allocate)

		// Production routes
		r.Route("/production", func(r chi.Router) {
			r.Post("/complete", h.CompleteProduction)
		})

		// Audit routes
		r.Get("/audit", h.QueryAudit)

		// Demo scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
