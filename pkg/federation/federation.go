// Package federation verifies envelopes exchanged with peer settlement
// coordinators. Trust is anchored per tenant: each coordinator carries a
// versioned key set that can be rotated or revoked, and envelopes signed
// before the last rotation are rejected.
package federation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
)

// Federation schema tags.
const (
	InvokeSchemaVersion     = "FederationInvoke.v1"
	ResultSchemaVersion     = "FederationResult.v1"
	ReplayPackSchemaVersion = "SessionReplayPack.v1"
	TranscriptSchemaVersion = "SessionTranscript.v1"
)

// TrustAnchor is one peer coordinator's standing within a tenant.
type TrustAnchor struct {
	CoordinatorID string            `json:"coordinatorId"`
	AnchorVersion int               `json:"anchorVersion"`
	PublicKeys    map[string]string `json:"publicKeys"` // keyId → PEM
	Revoked       bool              `json:"revoked"`
	RotatedAt     time.Time         `json:"rotatedAt"`
	AddedAt       time.Time         `json:"addedAt"`
}

// TrustRegistry holds per-tenant trust anchors.
type TrustRegistry struct {
	mu      sync.RWMutex
	anchors map[string]*TrustAnchor // tenant/coordinatorId
	clock   func() time.Time
}

// NewTrustRegistry creates an empty registry.
func NewTrustRegistry() *TrustRegistry {
	return &TrustRegistry{
		anchors: make(map[string]*TrustAnchor),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *TrustRegistry) WithClock(clock func() time.Time) *TrustRegistry {
	r.clock = clock
	return r
}

func anchorKey(tenantID, coordinatorID string) string { return tenantID + "/" + coordinatorID }

// Register adds a coordinator with its initial key set. Key IDs are derived
// from the PEMs.
func (r *TrustRegistry) Register(tenantID, coordinatorID string, publicPEMs []string) (*TrustAnchor, error) {
	keys := make(map[string]string, len(publicPEMs))
	for _, pem := range publicPEMs {
		keyID, err := crypto.KeyIDFromPublicPEM(pem)
		if err != nil {
			return nil, apierror.New(apierror.CodeSchemaInvalid, "invalid coordinator key: %v", err)
		}
		keys[keyID] = pem
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := anchorKey(tenantID, coordinatorID)
	if _, exists := r.anchors[key]; exists {
		return nil, apierror.New(apierror.CodeConflict, "coordinator %s already anchored", coordinatorID)
	}
	now := r.clock().UTC()
	a := &TrustAnchor{
		CoordinatorID: coordinatorID,
		AnchorVersion: 1,
		PublicKeys:    keys,
		AddedAt:       now,
	}
	r.anchors[key] = a
	cp := *a
	return &cp, nil
}

// Rotate replaces a coordinator's key set and bumps the anchor version.
// Envelopes signed before the rotation stop verifying.
func (r *TrustRegistry) Rotate(tenantID, coordinatorID string, publicPEMs []string) (*TrustAnchor, error) {
	keys := make(map[string]string, len(publicPEMs))
	for _, pem := range publicPEMs {
		keyID, err := crypto.KeyIDFromPublicPEM(pem)
		if err != nil {
			return nil, apierror.New(apierror.CodeSchemaInvalid, "invalid coordinator key: %v", err)
		}
		keys[keyID] = pem
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anchors[anchorKey(tenantID, coordinatorID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no trust anchor for %s", coordinatorID)
	}
	a.PublicKeys = keys
	a.AnchorVersion++
	a.RotatedAt = r.clock().UTC()
	cp := *a
	return &cp, nil
}

// Revoke marks a coordinator untrusted. Revocation is permanent.
func (r *TrustRegistry) Revoke(tenantID, coordinatorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anchors[anchorKey(tenantID, coordinatorID)]
	if !ok {
		return apierror.New(apierror.CodeNotFound, "no trust anchor for %s", coordinatorID)
	}
	a.Revoked = true
	return nil
}

// Get returns a snapshot of one anchor.
func (r *TrustRegistry) Get(tenantID, coordinatorID string) (*TrustAnchor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[anchorKey(tenantID, coordinatorID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no trust anchor for %s", coordinatorID)
	}
	cp := *a
	return &cp, nil
}

// Snapshot returns the current anchor set of a tenant, for periodic refresh
// by callers that cache trust decisions.
func (r *TrustRegistry) Snapshot(tenantID string) []TrustAnchor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TrustAnchor
	prefix := tenantID + "/"
	for k, a := range r.anchors {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, *a)
		}
	}
	return out
}

// Exchange builds and verifies federation envelopes against the registry.
type Exchange struct {
	registry *TrustRegistry
	signer   envelope.Signer
	local    string // this kernel's coordinator ID
	clock    func() time.Time
}

// NewExchange wires an exchange for the local coordinator identity.
func NewExchange(registry *TrustRegistry, signer envelope.Signer, localCoordinatorID string) *Exchange {
	return &Exchange{
		registry: registry,
		signer:   signer,
		local:    localCoordinatorID,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Exchange) WithClock(clock func() time.Time) *Exchange {
	e.clock = clock
	return e
}

// localAnchorVersion is the anchor version the local coordinator asserts in
// outbound envelopes. An unanchored sender can only claim the initial
// version; the receiver's registry settles the claim either way.
func (e *Exchange) localAnchorVersion(tenantID string) int {
	if a, err := e.registry.Get(tenantID, e.local); err == nil {
		return a.AnchorVersion
	}
	return 1
}

// BuildInvoke seals an outbound invocation addressed to a peer coordinator.
// The envelope pins the sender's anchor version, so a receiver that rotated
// the sender's keys rejects it even when a stale key still verifies.
func (e *Exchange) BuildInvoke(tenantID, targetCoordinatorID, operation string, payload map[string]any) (map[string]any, error) {
	core := map[string]any{
		"schemaVersion": InvokeSchemaVersion,
		"invokeId":      "fed_" + uuid.NewString(),
		"coordinatorId": e.local,
		"targetId":      targetCoordinatorID,
		"operation":     operation,
		"payload":       payload,
		"trust":         map[string]any{"anchorVersion": e.localAnchorVersion(tenantID)},
		"signedAt":      e.clock().UTC().Format(time.RFC3339Nano),
	}
	return envelope.SealSchema(core, e.signer)
}

// BuildResult seals a response bound to the invoke it answers through the
// invoke's envelopeHash.
func (e *Exchange) BuildResult(tenantID string, invoke map[string]any, status string, payload map[string]any) (map[string]any, error) {
	invokeHash, _ := invoke["envelopeHash"].(string)
	if invokeHash == "" {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "invoke is not sealed")
	}
	core := map[string]any{
		"schemaVersion":      ResultSchemaVersion,
		"resultId":           "fedr_" + uuid.NewString(),
		"coordinatorId":      e.local,
		"invokeEnvelopeHash": invokeHash,
		"status":             status,
		"payload":            payload,
		"trust":              map[string]any{"anchorVersion": e.localAnchorVersion(tenantID)},
		"signedAt":           e.clock().UTC().Format(time.RFC3339Nano),
	}
	return envelope.SealSchema(core, e.signer)
}

// verifyPeer checks the sender anchor and returns it.
func (e *Exchange) verifyPeer(tenantID string, env map[string]any) (*TrustAnchor, error) {
	coordinatorID, _ := env["coordinatorId"].(string)
	anchor, err := e.registry.Get(tenantID, coordinatorID)
	if err != nil {
		return nil, apierror.New(apierror.CodeFederationUntrustedCoordinator,
			"coordinator %q is not anchored", coordinatorID)
	}
	if anchor.Revoked {
		return nil, apierror.New(apierror.CodeFederationTrustAnchorRevoked,
			"coordinator %s's trust anchor is revoked", coordinatorID)
	}

	if err := envelope.VerifySchema(env, func(keyID string) (string, bool) {
		pem, ok := anchor.PublicKeys[keyID]
		return pem, ok
	}); err != nil {
		return nil, err
	}

	// The pinned anchor version must match the registry's. A mismatch means
	// the envelope was signed under an anchor state that no longer holds.
	version, ok := anchorVersionOf(env)
	if !ok {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "envelope carries no trust.anchorVersion")
	}
	if version != anchor.AnchorVersion {
		return nil, apierror.New(apierror.CodeFederationTrustAnchorRevoked,
			"envelope pins anchor version %d for coordinator %s, registry holds %d",
			version, coordinatorID, anchor.AnchorVersion)
	}

	// Envelopes signed before the last key rotation are stale even if the
	// signature itself still verifies against a cached key.
	if !anchor.RotatedAt.IsZero() {
		signedAtStr, _ := env["signedAt"].(string)
		signedAt, err := time.Parse(time.RFC3339Nano, signedAtStr)
		if err != nil {
			return nil, apierror.New(apierror.CodeSchemaInvalid, "signedAt is not RFC 3339")
		}
		if signedAt.Before(anchor.RotatedAt) {
			return nil, apierror.New(apierror.CodeFederationTrustAnchorRevoked,
				"envelope predates coordinator %s's key rotation", coordinatorID)
		}
	}
	return anchor, nil
}

// VerifyInvoke checks an inbound invocation from a peer coordinator.
func (e *Exchange) VerifyInvoke(tenantID string, invoke map[string]any) error {
	if sv, _ := invoke["schemaVersion"].(string); sv != InvokeSchemaVersion {
		return apierror.New(apierror.CodeSchemaInvalid, "expected schemaVersion %s", InvokeSchemaVersion)
	}
	_, err := e.verifyPeer(tenantID, invoke)
	return err
}

// VerifyResult checks an inbound result and its binding to the invoke it
// answers.
func (e *Exchange) VerifyResult(tenantID string, result, invoke map[string]any) error {
	if sv, _ := result["schemaVersion"].(string); sv != ResultSchemaVersion {
		return apierror.New(apierror.CodeSchemaInvalid, "expected schemaVersion %s", ResultSchemaVersion)
	}
	if _, err := e.verifyPeer(tenantID, result); err != nil {
		return err
	}
	wantHash, _ := invoke["envelopeHash"].(string)
	gotHash, _ := result["invokeEnvelopeHash"].(string)
	if wantHash == "" || !crypto.ConstantTimeHexEqual(wantHash, gotHash) {
		return apierror.New(apierror.CodeSchemaInvalid,
			"result is not bound to the presented invoke")
	}
	return nil
}

func anchorVersionOf(env map[string]any) (int, bool) {
	trust, _ := env["trust"].(map[string]any)
	switch v := trust["anchorVersion"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), float64(int(v)) == v
	}
	return 0, false
}
