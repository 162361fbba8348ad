/**
 * @description
 * This file sets up the HTTP router for the withdrawal-service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * logging, authentication, CORS and metrics.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 * - github.com/prometheus/client_golang/prometheus/promhttp: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	JWTSecret      []byte
	JWTIssuer      string
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// WithdrawalRoutes creates and returns the router for the withdrawal service.
func WithdrawalRoutes(h *WithdrawalHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	for _, mw := range requestLogging(cfg.Logger) {
		r.Use(mw)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metricsMiddleware)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

		r.Post("/withdrawals", h.RequestWithdrawalHandler)
		r.Get("/withdrawals/mine", h.ListMyWithdrawalsHandler)
		r.Get("/withdrawals/{id}", h.GetWithdrawalHandler)
		r.Get("/campaigns/{campaignID}/balance", h.BalanceHandler)

		r.Route("/admin/withdrawals", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.AdminListWithdrawalsHandler)
			r.Post("/{id}/approve", h.ApproveHandler)
			r.Post("/{id}/reject", h.RejectHandler)
			r.Post("/{id}/payout", h.PayoutHandler)
			r.Post("/{id}/mark-paid", h.MarkPaidHandler)
			r.Post("/{id}/mark-failed", h.MarkFailedHandler)
		})
	})

	return r
}
