// Package ledger implements the per-(tenant,subject) hash-chained event log
// and the request idempotency store. The chain-hash CAS on append is the only
// linearizer: no committed event is ever rewritten.
package ledger

import (
	"errors"
	"strings"
)

// GenesisHash is the prevChainHash of the first event on every subject.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrSubjectNotFound is returned when a subject stream does not exist.
	ErrSubjectNotFound = errors.New("ledger: subject not found")
	// ErrEventNotFound is returned when an event lookup misses.
	ErrEventNotFound = errors.New("ledger: event not found")
)

// SubjectKey identifies an event stream within a tenant. Subjects are
// namespaced by kind so a run ledger and a gate's reversal stream never
// collide.
type SubjectKey struct {
	Kind string `json:"kind"` // "run", "reversal", "dispute", "case"
	ID   string `json:"id"`
}

func (k SubjectKey) String() string {
	return k.Kind + ":" + k.ID
}

// ParseSubjectKey splits a "kind:id" string back into a SubjectKey.
func ParseSubjectKey(s string) (SubjectKey, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return SubjectKey{}, false
	}
	return SubjectKey{Kind: kind, ID: id}, true
}

// Event is one committed entry on a subject chain.
type Event struct {
	EventID       string         `json:"eventId"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	PrevChainHash string         `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	TS            string         `json:"ts"`
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	Event         *Event `json:"event"`
	LastChainHash string `json:"lastChainHash"`
}
