package middleware

import (
	"net/http"

	"train-tracking-sim/shared/authx"
	"train-tracking-sim/shared/httpx"
)

// TokenVerifier is implemented by the roster.
type TokenVerifier interface {
	Verify(token string) (authx.AuthContext, error)
}

// AuthMiddleware attaches the session identity when a bearer token is
// present. Requests without a token pass through anonymously unless
// Required matches them; a token that fails verification is always
// rejected.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Required func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := authx.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			if m.Required != nil && m.Required(r) {
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}
		auth, err := m.Verifier.Verify(token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid or revoked session", nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
