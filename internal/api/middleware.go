package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards routes with a bearer token.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if presented, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
