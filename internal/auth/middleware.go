package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// MiddlewareConfig controls the HTTP auth middleware.
type MiddlewareConfig struct {
	Enabled      bool
	Verifier     *Verifier
	ExcludePaths []string
}

// Middleware returns a handler factory enforcing bearer-token auth. Excluded
// paths pass through untouched; with auth disabled every request is stamped
// with the demo identity.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded(r.URL.Path, cfg.ExcludePaths) {
				next.ServeHTTP(w, r)
				return
			}

			if !cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), DemoIdentity)))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			identity, err := cfg.Verifier.Verify(token)
			if err != nil {
				slog.Warn("token rejected", "path", r.URL.Path, "error", err)
				writeUnauthorized(w, reason(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty on success).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func excluded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func reason(err error) string {
	switch {
	case err == ErrExpiredToken:
		return "token expired"
	case strings.Contains(err.Error(), "tenant_id"):
		return "missing tenant_id claim"
	default:
		return "invalid token"
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
