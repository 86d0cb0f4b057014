package httpapi

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// MetricsAuth gates the /metrics endpoint behind a bearer token, hashed at
// rest the same way internal/controlplane/auth hashes API keys: the
// plaintext configured token never lives in memory past startup, only its
// bcrypt digest does.
type MetricsAuth struct {
	hash []byte
}

// NewMetricsAuth hashes token for later comparison. An empty token disables
// the check (WithMetricsAuth becomes a no-op).
func NewMetricsAuth(token string) (*MetricsAuth, error) {
	if token == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &MetricsAuth{hash: hash}, nil
}

// WithMetricsAuth wraps the server's metrics route with bearer-token
// enforcement. Call before Routes, or wrap the mux's metrics handler
// directly; nil receiver is a no-op passthrough.
func (a *MetricsAuth) Wrap(next http.HandlerFunc) http.HandlerFunc {
	if a == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		authz := r.Header.Get("Authorization")
		if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if bcrypt.CompareHashAndPassword(a.hash, []byte(authz[len(prefix):])) != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		next(w, r)
	}
}
