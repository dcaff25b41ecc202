package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/roomscan/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// InternalAuth guards service-to-service routes with a shared bearer token
// whose bcrypt hash is configured on the server.
type InternalAuth struct {
	hash []byte
}

// NewInternalAuth creates the middleware. An empty hash rejects every call.
func NewInternalAuth(tokenHash string) *InternalAuth {
	return &InternalAuth{hash: []byte(tokenHash)}
}

// Authenticate validates the Bearer token against the configured hash.
func (a *InternalAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}

		if len(a.hash) == 0 || bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid internal token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
