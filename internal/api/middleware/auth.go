package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/chatsync-dev/chatsync/internal/auth"
)

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Auth resolves bearer session tokens into claims on the request context.
type Auth struct {
	issuer *auth.Issuer
}

func NewAuth(issuer *auth.Issuer) *Auth {
	return &Auth{issuer: issuer}
}

// Optional attaches claims when a valid token is present and passes
// anonymous requests through untouched.
func (a *Auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := auth.BearerToken(r); token != "" {
			if claims, err := a.issuer.ValidateToken(token); err == nil {
				r = r.WithContext(auth.WithClaims(r.Context(), claims))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests without a valid session token.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "No token provided")
			return
		}
		claims, err := a.issuer.ValidateToken(token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}
