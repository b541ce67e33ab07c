/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operational tooling

ROUTE GROUPS:
  /api/settlements/*   Settlement runs and history
  /api/remittances/*   Payout instructions and rail verdicts
  /api/workers/*       Per-worker payout history
  /api/worklogs/*      Work ledger recording and reads
  /api/segments/*      Segment disputes
  /api/scenarios/*     Demo data loaders (development only)
  /metrics             Prometheus scrape endpoint
  /health              Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Settlement routes
		r.Route("/settlements", func(r chi.Router) {
			r.Post("/", h.RunSettlement)
			r.Get("/", h.ListSettlements)
			r.Get("/{id}", h.GetSettlement)
			r.Get("/{id}/remittances", h.ListSettlementRemittances)
		})

		// Remittance routes
		r.Route("/remittances", func(r chi.Router) {
			r.Get("/{id}", h.GetRemittance)
			r.Post("/{id}/status", h.ReportRemittanceStatus)
		})

		// Worker routes
		r.Route("/workers", func(r chi.Router) {
			r.Get("/{id}/remittances", h.ListWorkerRemittances)
		})

		// Work ledger routes
		r.Route("/worklogs", func(r chi.Router) {
			r.Post("/", h.CreateWorkLog)
			r.Get("/", h.ListWorkLogs)
			r.Get("/{id}", h.GetWorkLog)
			r.Post("/{id}/segments", h.RecordSegment)
			r.Post("/{id}/adjustments", h.RecordAdjustment)
		})

		r.Route("/segments", func(r chi.Router) {
			r.Delete("/{id}", h.DeleteSegment)
		})

		// Demo scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	// Observability
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
