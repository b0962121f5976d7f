/**
 * @description
 * This file sets up the HTTP router for the verification-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies the authentication middleware per surface.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ValidationRoutes creates and returns the router for the verification service.
func ValidationRoutes(h *ValidationHandlers, internalAPIKey, reviewJWKSURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Server-to-server surface used by the order-management service.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/validations", h.CreateValidationHandler)
		r.Get("/validations/{id}", h.GetValidationHandler)
		r.Post("/validations/{id}/cancel", h.CancelValidationHandler)
	})

	// Back-office fraud-review surface.
	r.Group(func(r chi.Router) {
		r.Use(ReviewAuthMiddleware(reviewJWKSURL))

		r.Get("/review/mismatches", h.ListMismatchesHandler)
	})

	return r
}
