package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the scand collector API.
//
// Route layout:
//
//	GET  /healthz          – liveness probe (no authentication)
//	POST /api/v1/scan      – scan an uploaded document (JWT required)
//	POST /api/v1/reports   – ingest forwarded reports (JWT required)
//	GET  /api/v1/reports   – query stored reports (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (local testing only).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Post("/scan", srv.handleScan)
		r.Post("/reports", srv.handleIngestReports)
		r.Get("/reports", srv.handleGetReports)
	})

	return r
}
