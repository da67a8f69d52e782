package service

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonsurance/hedge-engine/internal/metrics"
)

// NewRouter mounts the service and the WebSocket hub. hub may be nil.
func NewRouter(svc *Service, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"hedge-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for hedge events.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		// Quoting and issuance.
		r.Get("/quotes", svc.GetQuote)
		r.Post("/policies", svc.CreatePolicy)

		// Hedge positions.
		r.Get("/hedges/{policyID}", svc.GetHedge)
		r.Post("/hedges/{policyID}/liquidate", svc.LiquidateHedge)

		// Risk.
		r.Get("/risk/exposure", svc.GetExposure)
		r.Get("/risk/rebalance", svc.GetRebalance)
		r.Get("/risk/report", svc.GetReport)
		r.Get("/risk/stress", svc.GetStress)
	})

	return r
}
