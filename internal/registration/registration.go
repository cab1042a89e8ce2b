// Package registration implements the thin Admin/Registration
// component (C10): it persists AgentRegistration records and issues
// the bearer credential a newly enrolled agent presents to cloud
// ingress. It does not manage tenant onboarding or billing — just
// enough that the ingress auth check has a real collaborator.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/infra"
	"github.com/ocx/sentinel/internal/security"
)

// AgentRegistration is the record persisted for one enrolled edge
// agent.
type AgentRegistration struct {
	AgentID   string    `json:"agent_id"`
	TenantID  string    `json:"tenant_id"`
	Site      string    `json:"site"`
	Protocols []string  `json:"protocols"`
	IssuedAt  time.Time `json:"issued_at"`
	TokenID   string    `json:"token_id"`
}

// Store persists AgentRegistration records.
type Store interface {
	Put(reg AgentRegistration) error
	Get(agentID string) (AgentRegistration, bool, error)
}

// MemStore is an in-process Store, used for tests and single-instance
// deployments.
type MemStore struct {
	mu   sync.RWMutex
	regs map[string]AgentRegistration
}

func NewMemStore() *MemStore {
	return &MemStore{regs: make(map[string]AgentRegistration)}
}

func (m *MemStore) Put(reg AgentRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg.AgentID] = reg
	return nil
}

func (m *MemStore) Get(agentID string) (AgentRegistration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[agentID]
	return reg, ok, nil
}

// RedisStore persists registrations in Redis, keyed by agent ID under
// prefix. Useful when cloud-ingressd runs as more than one replica.
type RedisStore struct {
	adapter *infra.GoRedisAdapter
	prefix  string
}

func NewRedisStore(adapter *infra.GoRedisAdapter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "registration:"
	}
	return &RedisStore{adapter: adapter, prefix: prefix}
}

func (r *RedisStore) key(agentID string) string {
	return r.prefix + agentID
}

func (r *RedisStore) Put(reg AgentRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("registration: marshal: %w", err)
	}
	return r.adapter.Set(context.Background(), r.key(reg.AgentID), data, 0)
}

func (r *RedisStore) Get(agentID string) (AgentRegistration, bool, error) {
	raw, err := r.adapter.Get(context.Background(), r.key(agentID))
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return AgentRegistration{}, false, nil
		}
		return AgentRegistration{}, false, fmt.Errorf("registration: get: %w", err)
	}
	var reg AgentRegistration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return AgentRegistration{}, false, fmt.Errorf("registration: unmarshal: %w", err)
	}
	return reg, true, nil
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// Registrar registers agents and issues their bearer credential.
type Registrar struct {
	store  Store
	broker *security.TokenBroker
}

// NewRegistrar builds a Registrar. Register issues tokens with a trust
// score of 1.0, so broker's trust gate never blocks enrollment
// (registration happens before any trust signal exists for the agent).
func NewRegistrar(store Store, broker *security.TokenBroker) *Registrar {
	return &Registrar{store: store, broker: broker}
}

// Credential is what the registrar returns on successful enrollment:
// the record plus the bearer token the agent must present to ingress.
type Credential struct {
	Registration AgentRegistration  `json:"registration"`
	Token        *security.JITToken `json:"token"`
}

// Register enrolls agentID under tenantID and issues its credential.
func (r *Registrar) Register(agentID, tenantID, site string, protocols []string) (*Credential, error) {
	if agentID == "" || tenantID == "" {
		return nil, errors.New("registration: agent_id and tenant_id are required")
	}

	token, err := r.broker.IssueToken(agentID, tenantID, "uer.submit", 1.0)
	if err != nil {
		return nil, fmt.Errorf("registration: issue credential: %w", err)
	}

	reg := AgentRegistration{
		AgentID:   agentID,
		TenantID:  tenantID,
		Site:      site,
		Protocols: protocols,
		IssuedAt:  time.Now().UTC(),
		TokenID:   token.TokenID,
	}
	if err := r.store.Put(reg); err != nil {
		return nil, fmt.Errorf("registration: persist: %w", err)
	}

	return &Credential{Registration: reg, Token: token}, nil
}

// Authenticate verifies a bearer token presented by agentID and
// confirms it was issued to a registration for the claimed tenant.
func (r *Registrar) Authenticate(agentID, tenantID, bearerToken string) error {
	claims, err := r.broker.VerifyToken(bearerToken)
	if err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	if claims.AgentID != agentID || claims.TenantID != tenantID {
		return errors.New("registration: token does not match claimed agent/tenant")
	}
	reg, ok, err := r.store.Get(agentID)
	if err != nil {
		return fmt.Errorf("registration: lookup: %w", err)
	}
	if !ok || reg.TokenID != claims.TokenID {
		return errors.New("registration: no matching registration for token")
	}
	return nil
}
