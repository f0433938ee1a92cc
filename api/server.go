/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the panel frontend

ROUTE GROUPS:
  /api/webhooks/*      Payment provider callbacks
  /api/users/*         Accounts, history, purchases, limits, gifts
  /api/withdrawals/*   Payout request reads
  /api/certificates/*  Certificate redemption
  /api/gifts/*         Gift claims
  /api/admin/*         Admin operations
  /api/health          Liveness probe

SECURITY NOTE:
  No authentication middleware. The service sits behind the panel backend,
  which authenticates users and admins.

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Payment provider callbacks
		r.Post("/webhooks/payment", h.PaymentWebhook)

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/purchases", h.CreatePurchase)
			r.Get("/{id}/limit", h.GetSpendingLimit)
			r.Put("/{id}/limit", h.SaveSpendingLimit)
			r.Post("/{id}/withdrawals", h.CreateWithdrawal)
			r.Get("/{id}/withdrawals", h.ListWithdrawals)
			r.Post("/{id}/gifts", h.SendGift)
		})

		// Withdrawal reads
		r.Get("/withdrawals/{id}", h.GetWithdrawal)

		// Certificate routes
		r.Route("/certificates", func(r chi.Router) {
			r.Post("/redeem", h.RedeemCertificate)
			r.Get("/{code}", h.GetCertificate)
		})

		// Gift claims
		r.Post("/gifts/{id}/claim", h.ClaimGift)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/withdrawals", h.ListPendingWithdrawals)
			r.Post("/withdrawals/{id}/process", h.ProcessWithdrawal)
			r.Post("/withdrawals/{id}/complete", h.CompleteWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
			r.Post("/certificates", h.CreateCertificate)
			r.Post("/certificates/{code}/deactivate", h.DeactivateCertificate)
			r.Post("/gifts/{id}/cancel", h.CancelGift)
			r.Post("/gifts/expire", h.ExpireGifts)
			r.Post("/mass-bonus", h.CreateMassBonus)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Get("/audit", h.GetAuditLog)
			r.Post("/reconciliation/run", h.RunReconciliation)
		})
	})

	return r
}
