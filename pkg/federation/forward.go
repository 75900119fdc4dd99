package federation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
)

// BackoffPolicy shapes the delivery retry schedule. Jitter is a PRF over the
// attempt identity rather than a random draw, so a replay pack pins the
// exact schedule the forwarder ran.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoffPolicy retries four times over roughly three seconds.
var DefaultBackoffPolicy = BackoffPolicy{BaseMs: 200, MaxMs: 2000, MaxJitterMs: 50, MaxAttempts: 4}

// Delay returns the pause after a failed attempt (0-based).
func (p BackoffPolicy) Delay(invokeID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := p.BaseMs * factor
	if p.MaxMs > 0 && delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(invokeID, attempt)) * time.Millisecond
}

func (p BackoffPolicy) jitter(invokeID string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", invokeID, attempt)))
	return int64(binary.BigEndian.Uint64(seed[:8]) % uint64(p.MaxJitterMs))
}

// Transport delivers a sealed invoke to one peer coordinator and returns the
// peer's sealed result. A *apierror.Error return is the peer's final answer
// and is never retried; any other error counts as a transient delivery
// failure.
type Transport interface {
	Deliver(ctx context.Context, tenantID, targetCoordinatorID string, invoke map[string]any) (map[string]any, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, tenantID, targetCoordinatorID string, invoke map[string]any) (map[string]any, error)

func (f TransportFunc) Deliver(ctx context.Context, tenantID, targetCoordinatorID string, invoke map[string]any) (map[string]any, error) {
	return f(ctx, tenantID, targetCoordinatorID, invoke)
}

// maxResultBytes caps how much of a peer response the transport will read.
const maxResultBytes = 1 << 20

// HTTPTransport posts invokes to peer kernel endpoints. The invoke ID rides
// as the idempotency key, so a retried delivery replays the peer's stored
// answer instead of re-executing the operation.
type HTTPTransport struct {
	Client    *http.Client
	Endpoints map[string]string // coordinatorId → base URL
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Deliver(ctx context.Context, tenantID, targetCoordinatorID string, invoke map[string]any) (map[string]any, error) {
	base, ok := t.Endpoints[targetCoordinatorID]
	if !ok {
		return nil, apierror.New(apierror.CodeFederationUpstreamUnreachable,
			"no endpoint configured for coordinator %s", targetCoordinatorID)
	}
	body, err := json.Marshal(invoke)
	if err != nil {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "invoke does not serialize: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/federation/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenant.HeaderTenantID, tenantID)
	if invokeID, _ := invoke["invokeId"].(string); invokeID != "" {
		req.Header.Set(tenant.HeaderIdempotencyKey, invokeID)
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// A 4xx is the peer's decision: surface its problem detail under its
		// own code. Anything else stays transient and retryable.
		if resp.StatusCode < http.StatusInternalServerError {
			var problem apierror.ProblemDetail
			if jsonErr := json.Unmarshal(payload, &problem); jsonErr == nil && problem.Code != "" {
				return nil, apierror.New(problem.Code, "coordinator %s refused: %s", targetCoordinatorID, problem.Detail)
			}
		}
		return nil, fmt.Errorf("coordinator %s answered %d", targetCoordinatorID, resp.StatusCode)
	}
	var result map[string]any
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("coordinator %s answered non-JSON: %w", targetCoordinatorID, err)
	}
	return result, nil
}

// Attempt is one delivery try within a session.
type Attempt struct {
	Attempt   int       `json:"attempt"`
	At        time.Time `json:"at"`
	Delivered bool      `json:"delivered"`
	Err       string    `json:"error,omitempty"`
}

// Session is one forwarded conversation with a peer coordinator: the sealed
// invoke, every delivery attempt, and the sealed result once a peer answers.
type Session struct {
	SessionID string         `json:"sessionId"`
	TenantID  string         `json:"tenantId"`
	TargetID  string         `json:"targetId"`
	Operation string         `json:"operation"`
	Invoke    map[string]any `json:"invoke"`
	Result    map[string]any `json:"result,omitempty"`
	Attempts  []Attempt      `json:"attempts"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt,omitzero"`
}

func (s *Session) describe() map[string]any {
	d := map[string]any{
		"sessionId": s.SessionID,
		"targetId":  s.TargetID,
		"operation": s.Operation,
		"startedAt": s.StartedAt.Format(time.RFC3339Nano),
	}
	if invokeID, _ := s.Invoke["invokeId"].(string); invokeID != "" {
		d["invokeId"] = invokeID
	}
	if !s.EndedAt.IsZero() {
		d["endedAt"] = s.EndedAt.Format(time.RFC3339Nano)
	}
	return d
}

func (s *Session) verification() map[string]any {
	v := map[string]any{
		"resultVerified": s.Result != nil,
		"attempts":       len(s.Attempts),
	}
	if h, _ := s.Invoke["envelopeHash"].(string); h != "" {
		v["invokeEnvelopeHash"] = h
	}
	if h, _ := s.Result["envelopeHash"].(string); h != "" {
		v["resultEnvelopeHash"] = h
	}
	return v
}

// ReplayPack seals the attempt-level record of the session. The pack stands
// alone: together with the deterministic jitter, the events are enough to
// reproduce the schedule the forwarder ran without the live transport.
func (s *Session) ReplayPack(signer envelope.Signer) (map[string]any, error) {
	events := make([]any, 0, len(s.Attempts))
	for _, a := range s.Attempts {
		ev := map[string]any{
			"type":      "delivery_attempt",
			"attempt":   a.Attempt,
			"at":        a.At.Format(time.RFC3339Nano),
			"delivered": a.Delivered,
		}
		if a.Err != "" {
			ev["error"] = a.Err
		}
		events = append(events, ev)
	}
	core := map[string]any{
		"schemaVersion": ReplayPackSchemaVersion,
		"tenantId":      s.TenantID,
		"session":       s.describe(),
		"events":        events,
		"verification":  s.verification(),
	}
	return envelope.SealSchema(core, signer)
}

// Transcript seals the signed conversation itself: the invoke and, when the
// peer answered, the result envelope, in exchange order.
func (s *Session) Transcript(signer envelope.Signer) (map[string]any, error) {
	events := []any{map[string]any{"type": "invoke", "envelope": s.Invoke}}
	if s.Result != nil {
		events = append(events, map[string]any{"type": "result", "envelope": s.Result})
	}
	core := map[string]any{
		"schemaVersion": TranscriptSchemaVersion,
		"tenantId":      s.TenantID,
		"session":       s.describe(),
		"events":        events,
		"verification":  s.verification(),
	}
	return envelope.SealSchema(core, signer)
}

// Forwarder pushes invokes to peer coordinators, retrying transient delivery
// failures on the policy schedule. Every attempt lands in the session record
// so the conversation can be sealed as a replay pack afterwards.
type Forwarder struct {
	exchange  *Exchange
	transport Transport
	policy    BackoffPolicy
	sleep     func(ctx context.Context, d time.Duration) error
	clock     func() time.Time
}

// NewForwarder wires a forwarder. A zero policy means DefaultBackoffPolicy.
func NewForwarder(exchange *Exchange, transport Transport, policy BackoffPolicy) *Forwarder {
	if policy.MaxAttempts <= 0 {
		policy = DefaultBackoffPolicy
	}
	return &Forwarder{
		exchange:  exchange,
		transport: transport,
		policy:    policy,
		sleep:     sleepCtx,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (f *Forwarder) WithClock(clock func() time.Time) *Forwarder {
	f.clock = clock
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Forward seals an invoke, delivers it to the target coordinator, and
// verifies the answer. The returned session carries the full attempt record
// even when forwarding fails; on exhaustion the error is
// FEDERATION_UPSTREAM_UNREACHABLE.
func (f *Forwarder) Forward(ctx context.Context, tenantID, targetCoordinatorID, operation string, payload map[string]any) (*Session, error) {
	invoke, err := f.exchange.BuildInvoke(tenantID, targetCoordinatorID, operation, payload)
	if err != nil {
		return nil, err
	}
	invokeID, _ := invoke["invokeId"].(string)
	s := &Session{
		SessionID: "fs_" + uuid.NewString(),
		TenantID:  tenantID,
		TargetID:  targetCoordinatorID,
		Operation: operation,
		Invoke:    invoke,
		Attempts:  []Attempt{},
		StartedAt: f.clock().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.policy.Delay(invokeID, attempt-1)); err != nil {
				s.EndedAt = f.clock().UTC()
				return s, err
			}
		}
		at := f.clock().UTC()
		result, err := f.transport.Deliver(ctx, tenantID, targetCoordinatorID, invoke)
		if err != nil {
			var ae *apierror.Error
			if errors.As(err, &ae) {
				s.Attempts = append(s.Attempts, Attempt{Attempt: attempt, At: at, Err: err.Error()})
				s.EndedAt = f.clock().UTC()
				return s, err
			}
			lastErr = err
			s.Attempts = append(s.Attempts, Attempt{Attempt: attempt, At: at, Err: err.Error()})
			continue
		}
		if err := f.exchange.VerifyResult(tenantID, result, invoke); err != nil {
			// Delivered but unverifiable: retrying will not change the peer's
			// signature.
			s.Attempts = append(s.Attempts, Attempt{Attempt: attempt, At: at, Delivered: true, Err: err.Error()})
			s.EndedAt = f.clock().UTC()
			return s, err
		}
		s.Attempts = append(s.Attempts, Attempt{Attempt: attempt, At: at, Delivered: true})
		s.Result = result
		s.EndedAt = f.clock().UTC()
		return s, nil
	}

	s.EndedAt = f.clock().UTC()
	return s, apierror.New(apierror.CodeFederationUpstreamUnreachable,
		"coordinator %s unreachable after %d attempts: %v",
		targetCoordinatorID, f.policy.MaxAttempts, lastErr)
}
