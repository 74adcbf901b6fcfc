package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/plansync/internal/auth"
)

// RequireUser validates the bearer token and stores the caller's identity
// in the request context.
func RequireUser(verifier *auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w)
				return
			}

			id, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				unauthorized(w)
				return
			}

			recordUser(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="plansync"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
