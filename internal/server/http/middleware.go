package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"strato/internal/edge/token"
	"strato/internal/logging"
)

func resolveLogID(r *http.Request) string {
	for _, header := range []string{"X-Log-Id", "X-Request-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}

// LoggingMiddleware tags every request with a log id and logs it.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logID := logging.LogIDFromContext(ctx)
			if logID == "" {
				logID = resolveLogID(r)
				if logID == "" {
					logID = logging.NewLogID()
				}
				ctx = logging.WithLogIDContext(ctx, logID)
			}
			w.Header().Set("X-Log-Id", logID)
			reqLogger := logging.WithLogID(logger, logID)
			reqLogger.Info("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsContextKey struct{}

// claimsFromContext returns the verified runtime claims stored by the auth
// middleware.
func claimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if prefix := "Bearer "; len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// RuntimeAuthMiddleware verifies the runtime access token and stores its
// claims in the request context. Tenant and runtime identity always come
// from the token, never from the request body.
func RuntimeAuthMiddleware(tokens *token.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}
			claims, err := tokens.VerifyAccessToken(raw)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, &claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware guards control-plane endpoints with a static token.
// An empty configured token leaves the endpoints open, for development.
func AdminAuthMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if adminToken == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
