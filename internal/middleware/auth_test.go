package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/registration"
	"github.com/ocx/sentinel/internal/security"
)

func testRegistrar(t *testing.T) *registration.Registrar {
	t.Helper()
	broker := security.NewTokenBroker(security.TokenBrokerConfig{HMACSecret: "test-secret"})
	return registration.NewRegistrar(registration.NewMemStore(), broker)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuthMiddlewareRejectsMissingHeaders(t *testing.T) {
	registrar := testRegistrar(t)
	handler := AuthMiddleware(registrar, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddlewareRejectsMissingBearer(t *testing.T) {
	registrar := testRegistrar(t)
	handler := AuthMiddleware(registrar, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer", nil)
	req.Header.Set("X-Tenant-ID", "tenant-a")
	req.Header.Set("X-Agent-ID", "agent-1")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsValidCredential(t *testing.T) {
	registrar := testRegistrar(t)
	cred, err := registrar.Register("agent-1", "tenant-a", "site-1", nil)
	require.NoError(t, err)

	handler := AuthMiddleware(registrar, okHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer", nil)
	req.Header.Set("X-Tenant-ID", "tenant-a")
	req.Header.Set("X-Agent-ID", "agent-1")
	req.Header.Set("Authorization", "Bearer "+cred.Token.Token)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRejectsForgedToken(t *testing.T) {
	registrar := testRegistrar(t)
	_, err := registrar.Register("agent-1", "tenant-a", "site-1", nil)
	require.NoError(t, err)

	handler := AuthMiddleware(registrar, okHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/fal/uer", nil)
	req.Header.Set("X-Tenant-ID", "tenant-a")
	req.Header.Set("X-Agent-ID", "agent-1")
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
