package middleware

import (
	"net/http"
	"strings"

	"github.com/ocx/sentinel/internal/registration"
)

// AuthMiddleware enforces the ingress bearer-token check: it requires
// X-Tenant-ID, X-Agent-ID, and an Authorization: Bearer <token> header,
// and verifies the token against the registration store before letting
// the request through to the handler. Per-record business validation
// (§4.5 steps 2-5) remains the ingress handler's responsibility — this
// middleware only gates admission.
func AuthMiddleware(registrar *registration.Registrar, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		agentID := r.Header.Get("X-Agent-ID")
		if tenantID == "" || agentID == "" {
			http.Error(w, "missing X-Tenant-ID or X-Agent-ID header", http.StatusBadRequest)
			return
		}

		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing Authorization: Bearer token", http.StatusUnauthorized)
			return
		}

		if err := registrar.Authenticate(agentID, tenantID, token); err != nil {
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}
