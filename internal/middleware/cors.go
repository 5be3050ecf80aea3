// Package middleware provides HTTP middleware for the assistant API.
package middleware

import (
	"net/http"
	"strings"
)

// CORS returns middleware that handles CORS headers. extraHeaders are added
// to the allowed request headers next to Content-Type.
func CORS(allowedOrigins []string, extraHeaders ...string) func(http.Handler) http.Handler {
	allowHeaders := strings.Join(append([]string{"Content-Type"}, extraHeaders...), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed, explicit := false, false
			for _, o := range allowedOrigins {
				if o == "*" {
					allowed = true
				} else if o == origin {
					allowed, explicit = true, true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins; a wildcard-echoed origin would enable CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
