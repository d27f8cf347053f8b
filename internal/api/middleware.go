// Copyright 2025 James Ross
// Middleware chain: Recovery -> RequestID -> CORS -> Auth -> RateLimit.
// RateLimit runs after Auth because it keys the bucket on the resolved
// credential, falling back to the client address.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/eventrelay/internal/auth"
	"github.com/flyingrobots/eventrelay/internal/ids"
	"github.com/flyingrobots/eventrelay/internal/model"
	"github.com/flyingrobots/eventrelay/internal/obs"
	"github.com/flyingrobots/eventrelay/internal/ratelimit"
)

type contextKey string

const (
	contextKeyIdentity  contextKey = "identity"
	contextKeyRequestID contextKey = "request_id"
)

// IdentityFromContext returns the authenticated credential identity,
// if any (unauthenticated routes, e.g. /health, have none).
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(contextKeyIdentity).(*auth.Identity)
	return id
}

// RequestIDFromContext returns the per-request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// RecoveryMiddleware converts panics into a 500 Problem response
// instead of crashing the handler goroutine.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if log != nil {
						log.Error("panic recovered", obs.String("path", r.URL.Path), obs.String("method", r.Method))
					}
					WriteProblem(w, r, ErrInternal, "an internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware stamps every request and response with an id,
// honoring a caller-supplied X-Request-ID (otherwise a "req_"-prefixed
// Crockford base32 id from internal/ids instead of a timestamp string).
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = ids.New("req")
			}
			w.Header().Set("X-Request-ID", reqID)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORSMiddleware applies the allow-list and answers preflight.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-API-Key, Content-Type")
					w.Header().Set("Access-Control-Max-Age", "3600")
					break
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rawCredential extracts the caller's raw API key from either
// Authorization: Bearer or X-API-Key.
func rawCredential(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.Header.Get("X-API-Key")
}

// AuthMiddleware validates the caller's API key via validator and
// attaches the resolved Identity to the request context. 401 precedes
// any later 503 from a degraded dependency.
func AuthMiddleware(validator *auth.Validator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := rawCredential(r)
			if raw == "" {
				WriteProblem(w, r, ErrInvalidAPIKey, "missing Authorization or X-API-Key header")
				return
			}
			identity, err := validator.Validate(r.Context(), raw)
			if err != nil {
				WriteProblem(w, r, ErrInvalidAPIKey, "invalid or expired API key")
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects requests whose identity lacks scope. Must run after AuthMiddleware.
func RequireScope(scope model.CredentialScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil || !identity.HasScope(scope) {
				WriteProblem(w, r, ErrInsufficientPerm, fmt.Sprintf("requires scope %q", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware gates every authenticated request through the
// atomic token bucket, keyed by credential id when authenticated or
// client address otherwise, always attaching X-RateLimit-* headers.
// Must run after AuthMiddleware to see the identity.
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			var rateOverride float64
			if identity := IdentityFromContext(r.Context()); identity != nil && identity.RateLimit != nil {
				rateOverride = float64(*identity.RateLimit) / 60.0
			}

			result, err := limiter.Allow(r.Context(), key, rateOverride, 0)
			if err != nil {
				WriteProblem(w, r, ErrServiceUnavail, "rate limiter unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(result.Limit, 'f', 0, 64))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(result.Remaining, 'f', 0, 64))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(result.ResetAt).Seconds())+1, 10))
				WriteProblem(w, r, ErrRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if identity := IdentityFromContext(r.Context()); identity != nil {
		return "key:" + identity.ID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
