package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/plansync/internal/auth"
	"github.com/dukerupert/plansync/internal/database"
	"github.com/dukerupert/plansync/internal/handler"
	"github.com/dukerupert/plansync/internal/middleware"
)

const (
	userRequestLimit  = 30
	userRequestPeriod = time.Minute
	webhookLimit      = 600
)

type Server struct {
	db            *database.DB
	subscriptionH *handler.SubscriptionHandler
	webhookH      *handler.WebhookHandler
	verifier      *auth.TokenVerifier
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(db *database.DB, svc handler.Lifecycle, webhooks handler.WebhookAcceptor, verifier *auth.TokenVerifier, successURL, cancelURL string, logger *slog.Logger) *Server {
	return &Server{
		db:            db,
		subscriptionH: handler.NewSubscriptionHandler(svc, successURL, cancelURL, logger.With("component", "subscription")),
		webhookH:      handler.NewWebhookHandler(webhooks, logger.With("component", "webhook")),
		verifier:      verifier,
		rateLimiter:   middleware.NewRateLimiter(),
		logger:        logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("POST /webhooks/stripe",
		middleware.RateLimit(s.rateLimiter, middleware.ByIP, webhookLimit, time.Minute)(http.HandlerFunc(s.webhookH.HandleStripe)))

	// Protected routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	requireUser := middleware.RequireUser(s.verifier)
	limit := middleware.RateLimit(s.rateLimiter, middleware.ByUser, userRequestLimit, userRequestPeriod)
	outerMux.Handle("/api/", requireUser(limit(protectedMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/subscriptions/wallet", s.subscriptionH.InitiateWallet)
	mux.HandleFunc("POST /api/subscriptions/checkout", s.subscriptionH.InitiateCheckout)
	mux.HandleFunc("POST /api/subscriptions/{id}/cancel", s.subscriptionH.Cancel)
	mux.HandleFunc("GET /api/subscriptions", s.subscriptionH.List)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "database": string(s.db.Driver)})
}
