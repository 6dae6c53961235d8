package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces bearer-JWT or API-key authentication on the HTTP
// control surface. A disabled Service (no secret, no keys configured) lets
// every request through unauthenticated, matching the surface's "optional"
// framing in spec.md §6.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if header := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(header), "bearer ") {
				token := strings.TrimSpace(header[len("bearer "):])
				if user, err := service.ValidateJWT(token); err == nil {
					next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
					return
				} else if logger != nil {
					logger.Warn("jwt validation failed", "error", err)
				}
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.Header.Get("Api-Key")
			}
			if apiKey != "" {
				if user, err := service.ValidateAPIKey(apiKey); err == nil {
					next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
					return
				} else if logger != nil {
					logger.Warn("api key validation failed", "error", err)
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		})
	}
}
