/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers (rate limit fallback key)
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters per route pattern
  6. CORS:       Cross-origin requests for dashboards
  7. Identity:   X-Identity header into the request context
  8. RateLimit:  Token bucket per caller (optional)

ROUTE GROUPS:
  /api/campaigns/*      Campaigns, positions and money movements
  /api/admin/*          Commission, allow-list, suspension, fees, audit
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  Authentication is the upstream gateway's job. Admin routes are guarded
  by the engine's admin list, not by the router.

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

	"github.com/warp/escrow-engine/metrics"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	// Limiter is optional; nil disables rate limiting.
	Limiter *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdentityHeader, IdempotencyHeader},
		ExposedHeaders: []string{"X-Request-Id"},
	}))
	r.Use(Identity)

	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Handler)
		}

		// Campaign routes
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.Get("/{id}/donors", h.ListDonors)
			r.Get("/{id}/contributions/{contributor}", h.GetContribution)
			r.Get("/{id}/refund-eligibility", h.RefundEligibility)
			r.Get("/{id}/events", h.ListEvents)
			r.Post("/{id}/deposits", h.Deposit)
			r.Post("/{id}/withdrawals", h.Withdraw)
			r.Post("/{id}/refunds", h.Refund)
			r.Post("/{id}/closure", h.InitiateClosure)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/commission", h.GetCommission)
			r.Put("/commission", h.SetCommission)
			r.Put("/assets/{asset}", h.SetAsset)
			r.Post("/campaigns/{id}/suspend", h.SuspendCampaign)
			r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
			r.Post("/fees/sweep", h.SweepFees)
			r.Get("/operations", h.ListOperations)
			r.Get("/operations/stuck", h.ListStuckOperations)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/clock", h.AdvanceClock)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
