// Copyright 2025 James Ross
// Package api implements the HTTP routing/serialization layer:
// events, subscriptions, inbox, DLQ, streaming, and health endpoints,
// routed with gorilla/mux so path variables (event/subscription ids)
// don't need manual string-splitting, with graceful Start/Shutdown.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/auth"
	"github.com/flyingrobots/eventrelay/internal/config"
	"github.com/flyingrobots/eventrelay/internal/dlq"
	"github.com/flyingrobots/eventrelay/internal/durablestore"
	"github.com/flyingrobots/eventrelay/internal/faststore"
	"github.com/flyingrobots/eventrelay/internal/health"
	"github.com/flyingrobots/eventrelay/internal/inbox"
	"github.com/flyingrobots/eventrelay/internal/ingestion"
	"github.com/flyingrobots/eventrelay/internal/ratelimit"
	"github.com/flyingrobots/eventrelay/internal/streaming"
)

// Deps bundles every service the API layer dispatches to.
type Deps struct {
	Cfg       *config.Config
	Durable   *durablestore.Store
	Fast      *faststore.Store
	Ingestion *ingestion.Service
	Inbox     *inbox.Service
	DLQ       *dlq.Service
	Streaming *streaming.Service
	Health    *health.Service
	Validator *auth.Validator
	RateLimit *ratelimit.Limiter
	Log       *zap.Logger
}

// Server wires the HTTP handler chain and owns its lifecycle.
type Server struct {
	deps   Deps
	server *http.Server
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Start builds the route tree, applies middleware, and listens.
func (s *Server) Start() error {
	handler := s.routes()
	s.server = &http.Server{
		Addr:         s.deps.Cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  s.deps.Cfg.HTTP.ReadTimeout,
		WriteTimeout: s.deps.Cfg.HTTP.WriteTimeout,
	}
	if s.deps.Log != nil {
		s.deps.Log.Info("starting api server", zap.String("addr", s.deps.Cfg.HTTP.Addr))
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops accepting work within the configured
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.deps.Cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// routes builds the full router.
// /health is mounted outside the auth/rate-limit chain (mirrors the
// health probes need no key) but still gets recovery + request id.
func (s *Server) routes() http.Handler {
	h := &handlers{deps: s.deps}
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/metrics/summary", h.handleMetricsSummary).Methods(http.MethodGet)

	api.HandleFunc("/events", h.handleIngestEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/batch", h.handleIngestBatch).Methods(http.MethodPost)
	api.HandleFunc("/events", h.handleListEvents).Methods(http.MethodGet)
	// Literal paths must be registered before the generic /events/{id}
	// pattern, which would otherwise swallow them (e.g. id="stream").
	api.HandleFunc("/events/stream", h.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}/replay", h.handleReplayEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/{id}", h.handleGetEvent).Methods(http.MethodGet)

	api.HandleFunc("/subscriptions", h.handleCreateSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", h.handleListSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", h.handleGetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", h.handleUpdateSubscription).Methods(http.MethodPatch)
	api.HandleFunc("/subscriptions/{id}", h.handleDeleteSubscription).Methods(http.MethodDelete)
	api.HandleFunc("/subscriptions/{id}/rotate-secret", h.handleRotateSecret).Methods(http.MethodPost)

	api.HandleFunc("/inbox", h.handleInboxFetch).Methods(http.MethodGet)
	api.HandleFunc("/inbox/ack", h.handleInboxAck).Methods(http.MethodPost)
	api.HandleFunc("/inbox/ack-batch", h.handleInboxBatchAck).Methods(http.MethodPost)
	api.HandleFunc("/inbox/visibility", h.handleInboxChangeVisibility).Methods(http.MethodPost)
	api.HandleFunc("/inbox/stats", h.handleInboxStats).Methods(http.MethodGet)

	api.HandleFunc("/dlq", h.handleDLQList).Methods(http.MethodGet)
	api.HandleFunc("/dlq/stats", h.handleDLQStats).Methods(http.MethodGet)
	api.HandleFunc("/dlq/{id}", h.handleDLQGet).Methods(http.MethodGet)
	api.HandleFunc("/dlq/{id}/retry", h.handleDLQRetry).Methods(http.MethodPost)
	api.HandleFunc("/dlq/{id}", h.handleDLQDismiss).Methods(http.MethodDelete)
	api.HandleFunc("/dlq/retry-batch", h.handleDLQRetryBatch).Methods(http.MethodPost)
	api.HandleFunc("/dlq/dismiss-batch", h.handleDLQDismissBatch).Methods(http.MethodPost)
	api.HandleFunc("/dlq", h.handleDLQPurge).Methods(http.MethodDelete).Queries("confirm", "true")

	// Auth and rate limiting apply only to /api/v1; /health stays open.
	// RateLimitMiddleware runs after AuthMiddleware so a per-credential
	// rate override from the resolved Identity is in scope.
	api.Use(mux.MiddlewareFunc(CORSMiddleware([]string{"*"})))
	api.Use(mux.MiddlewareFunc(AuthMiddleware(s.deps.Validator, s.deps.Log)))
	api.Use(mux.MiddlewareFunc(RateLimitMiddleware(s.deps.RateLimit)))

	var handler http.Handler = r
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.deps.Log)(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
