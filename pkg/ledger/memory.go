package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryEventLog is the in-process event log used for tests and
// single-instance deployments.
type MemoryEventLog struct {
	mu     sync.RWMutex
	chains map[string][]Event // tenantID + "/" + subject → chain
	clock  Clock
}

// NewMemoryEventLog creates an empty in-memory log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		chains: make(map[string][]Event),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *MemoryEventLog) WithClock(clock Clock) *MemoryEventLog {
	l.clock = clock
	return l
}

func chainKey(tenantID string, subject SubjectKey) string {
	return tenantID + "/" + subject.String()
}

// Append implements EventLog.
func (l *MemoryEventLog) Append(ctx context.Context, tenantID string, subject SubjectKey, expectedPrev string, eventType string, payload map[string]any) (*AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := chainKey(tenantID, subject)
	chain := l.chains[key]
	tail := GenesisHash
	if n := len(chain); n > 0 {
		tail = chain[n-1].ChainHash
	}
	if expectedPrev != tail {
		return nil, casMismatch(expectedPrev, tail)
	}

	ev, err := buildEvent(eventType, payload, tail, l.clock())
	if err != nil {
		return nil, err
	}
	l.chains[key] = append(chain, *ev)
	return &AppendResult{Event: ev, LastChainHash: ev.ChainHash}, nil
}

// List implements EventLog.
func (l *MemoryEventLog) List(ctx context.Context, tenantID string, subject SubjectKey) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain, ok := l.chains[chainKey(tenantID, subject)]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	out := make([]Event, len(chain))
	copy(out, chain)
	return out, nil
}

// Get implements EventLog.
func (l *MemoryEventLog) Get(ctx context.Context, tenantID string, subject SubjectKey, eventID string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain, ok := l.chains[chainKey(tenantID, subject)]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	for i := range chain {
		if chain[i].EventID == eventID {
			ev := chain[i]
			return &ev, nil
		}
	}
	return nil, ErrEventNotFound
}

// LastChainHash implements EventLog.
func (l *MemoryEventLog) LastChainHash(ctx context.Context, tenantID string, subject SubjectKey) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.chains[chainKey(tenantID, subject)]
	if len(chain) == 0 {
		return GenesisHash, nil
	}
	return chain[len(chain)-1].ChainHash, nil
}
