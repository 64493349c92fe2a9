/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, internalKey, internalJWTSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", "Crypto-Pay-Api-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})

	r.Post("/webhooks/cryptobot", h.handleCryptoBotWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey, internalJWTSecret))
		r.Post("/jobs/reconcile/run", h.handleRunReconcile)
		r.Post("/jobs/lifecycle/run", h.handleRunLifecycle)
		r.Post("/topups", h.handleCreateTopUp)
		r.Get("/servers/{vdsID}", h.handleGetServer)
		r.Post("/servers/{vdsID}/password", h.handleChangePassword)
		r.Post("/servers/{vdsID}/reinstall", h.handleReinstall)
	})

	return r
}
