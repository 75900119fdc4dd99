// Package agent tracks the principals of the settlement kernel: payers,
// payees, and arbiters, each with capability sets and signing keys indexed
// by key ID. Agents are created on register and never deleted.
package agent

import (
	"sync"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

// Agent is a registered principal within a tenant.
type Agent struct {
	TenantID     string            `json:"tenantId"`
	AgentID      string            `json:"agentId"`
	DisplayName  string            `json:"displayName,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	PublicKeys   map[string]string `json:"publicKeys"` // keyId → public PEM
	RegisteredAt time.Time         `json:"registeredAt"`
}

// HasCapability reports whether the agent carries a capability string.
func (a *Agent) HasCapability(cap string) bool {
	return a.Capabilities[cap]
}

// Registry is the in-process agent directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent  // tenant/agent
	byKey  map[string]string  // tenant/keyId → agentID
	clock  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		byKey:  make(map[string]string),
		clock:  time.Now,
	}
}

func agentKey(tenantID, agentID string) string { return tenantID + "/" + agentID }

// Register creates an agent. Registering an existing agentID fails.
func (r *Registry) Register(tenantID, agentID, displayName, owner string, capabilities []string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := agentKey(tenantID, agentID)
	if _, exists := r.agents[key]; exists {
		return nil, apierror.New(apierror.CodeConflict, "agent %s already registered", agentID)
	}
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	a := &Agent{
		TenantID:     tenantID,
		AgentID:      agentID,
		DisplayName:  displayName,
		Owner:        owner,
		Capabilities: caps,
		PublicKeys:   make(map[string]string),
		RegisteredAt: r.clock(),
	}
	r.agents[key] = a
	cp := *a
	return &cp, nil
}

// AddPublicKey attaches a signing key; the key ID is derived from the PEM.
func (r *Registry) AddPublicKey(tenantID, agentID, publicPEM string) (string, error) {
	keyID, err := crypto.KeyIDFromPublicPEM(publicPEM)
	if err != nil {
		return "", apierror.New(apierror.CodeSchemaInvalid, "invalid public key: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentKey(tenantID, agentID)]
	if !ok {
		return "", apierror.New(apierror.CodeNotFound, "no agent %s", agentID)
	}
	a.PublicKeys[keyID] = publicPEM
	r.byKey[tenantID+"/"+keyID] = agentID
	return keyID, nil
}

// Get returns a snapshot of an agent.
func (r *Registry) Get(tenantID, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no agent %s", agentID)
	}
	cp := *a
	return &cp, nil
}

// ResolveKey returns (publicPEM, agentID) for a key ID within a tenant.
func (r *Registry) ResolveKey(tenantID, keyID string) (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.byKey[tenantID+"/"+keyID]
	if !ok {
		return "", "", false
	}
	pem := r.agents[agentKey(tenantID, agentID)].PublicKeys[keyID]
	return pem, agentID, true
}

// KeyResolver adapts the registry to the envelope verification interface
// for a fixed tenant.
func (r *Registry) KeyResolver(tenantID string) func(keyID string) (string, bool) {
	return func(keyID string) (string, bool) {
		pem, _, ok := r.ResolveKey(tenantID, keyID)
		return pem, ok
	}
}
