package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

// EventLog is the durable interface for subject event streams.
type EventLog interface {
	// Append commits one event iff expectedPrev equals the subject's current
	// lastChainHash (CAS). A fresh subject has lastChainHash == GenesisHash.
	Append(ctx context.Context, tenantID string, subject SubjectKey, expectedPrev string, eventType string, payload map[string]any) (*AppendResult, error)

	// List returns the full chain for a subject in commit order.
	List(ctx context.Context, tenantID string, subject SubjectKey) ([]Event, error)

	// Get retrieves a single event by ID within a subject.
	Get(ctx context.Context, tenantID string, subject SubjectKey, eventID string) (*Event, error)

	// LastChainHash reads the tail without scanning the chain. A subject with
	// no events reports GenesisHash.
	LastChainHash(ctx context.Context, tenantID string, subject SubjectKey) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// buildEvent normalizes the event core and computes its chain hash:
// chainHash = SHA256(canonical(event without chainHash)).
func buildEvent(eventType string, payload map[string]any, prev string, now time.Time) (*Event, error) {
	normalized, err := canonical.Normalize(payload)
	if err != nil {
		if ce, ok := err.(*canonical.Error); ok {
			return nil, apierror.New(ce.Code, "%s", ce.Msg).WithPath(ce.Path)
		}
		return nil, err
	}
	normPayload, _ := normalized.(map[string]any)
	if normPayload == nil && payload != nil {
		normPayload = map[string]any{}
	}

	ev := &Event{
		EventID:       "evt_" + uuid.NewString(),
		Type:          eventType,
		Payload:       normPayload,
		PrevChainHash: prev,
		TS:            now.UTC().Format(time.RFC3339Nano),
	}
	core := map[string]any{
		"eventId":       ev.EventID,
		"type":          ev.Type,
		"payload":       ev.Payload,
		"prevChainHash": ev.PrevChainHash,
		"ts":            ev.TS,
	}
	encoded, err := canonical.Encode(core)
	if err != nil {
		return nil, err
	}
	ev.ChainHash = crypto.SHA256Hex(encoded)
	return ev, nil
}

// VerifyChain walks a committed chain and recomputes every link. Returns the
// index of the first broken event, or -1 when the chain is intact.
func VerifyChain(events []Event) int {
	prev := GenesisHash
	for i, ev := range events {
		if ev.PrevChainHash != prev {
			return i
		}
		core := map[string]any{
			"eventId":       ev.EventID,
			"type":          ev.Type,
			"payload":       ev.Payload,
			"prevChainHash": ev.PrevChainHash,
			"ts":            ev.TS,
		}
		encoded, err := canonical.Encode(core)
		if err != nil || crypto.SHA256Hex(encoded) != ev.ChainHash {
			return i
		}
		prev = ev.ChainHash
	}
	return -1
}

func casMismatch(expected, actual string) error {
	return apierror.New(apierror.CodeChainHashCASMismatch, "expectedPrevChainHash does not match subject tail").
		WithDetail("expected", expected).
		WithDetail("lastChainHash", actual)
}
