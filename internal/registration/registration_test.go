package registration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel/internal/security"
)

func testBroker() *security.TokenBroker {
	return security.NewTokenBroker(security.TokenBrokerConfig{HMACSecret: "test-secret", MinTrustScore: 0})
}

func TestRegisterIssuesCredential(t *testing.T) {
	registrar := NewRegistrar(NewMemStore(), testBroker())

	cred, err := registrar.Register("agent-1", "tenant-a", "site-1", []string{"MQTT", "HTTP"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", cred.Registration.AgentID)
	assert.NotEmpty(t, cred.Token.Token)
}

func TestAuthenticateAcceptsIssuedToken(t *testing.T) {
	registrar := NewRegistrar(NewMemStore(), testBroker())
	cred, err := registrar.Register("agent-1", "tenant-a", "site-1", nil)
	require.NoError(t, err)

	err = registrar.Authenticate("agent-1", "tenant-a", cred.Token.Token)
	assert.NoError(t, err)
}

func TestAuthenticateRejectsWrongTenant(t *testing.T) {
	registrar := NewRegistrar(NewMemStore(), testBroker())
	cred, err := registrar.Register("agent-1", "tenant-a", "site-1", nil)
	require.NoError(t, err)

	err = registrar.Authenticate("agent-1", "tenant-b", cred.Token.Token)
	assert.Error(t, err)
}

func TestAuthenticateRejectsUnknownAgent(t *testing.T) {
	registrar := NewRegistrar(NewMemStore(), testBroker())
	err := registrar.Authenticate("ghost", "tenant-a", "not-a-real-token")
	assert.Error(t, err)
}

func TestHandleRegisterHTTP(t *testing.T) {
	registrar := NewRegistrar(NewMemStore(), testBroker())
	handler := NewHandler(registrar)

	body, err := json.Marshal(registerRequest{AgentID: "agent-9", TenantID: "tenant-a", Site: "site-9"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/agents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.HandleRegister(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var cred Credential
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cred))
	assert.Equal(t, "agent-9", cred.Registration.AgentID)
}

func TestHandleRegisterRejectsMissingFields(t *testing.T) {
	registrar := NewRegistrar(NewMemStore(), testBroker())
	handler := NewHandler(registrar)

	body, _ := json.Marshal(registerRequest{Site: "site-9"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/agents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.HandleRegister(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
