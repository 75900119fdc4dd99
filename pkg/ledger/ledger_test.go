package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

var runSubject = SubjectKey{Kind: "run", ID: "r1"}

func fixedClock() Clock {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestMemoryEventLog_AppendChains(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog().WithClock(fixedClock())

	first, err := log.Append(ctx, "t1", runSubject, GenesisHash, "run_created", map[string]any{"runId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.Event.PrevChainHash)
	assert.Len(t, first.Event.ChainHash, 64)

	second, err := log.Append(ctx, "t1", runSubject, first.LastChainHash, "run_completed", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, first.Event.ChainHash, second.Event.PrevChainHash)

	events, err := log.List(ctx, "t1", runSubject)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, -1, VerifyChain(events))
}

func TestMemoryEventLog_CASMismatch(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	_, err := log.Append(ctx, "t1", runSubject, GenesisHash, "run_created", nil)
	require.NoError(t, err)

	// Stale expectedPrev (still genesis) must be refused with no append.
	_, err = log.Append(ctx, "t1", runSubject, GenesisHash, "run_completed", nil)
	require.Error(t, err)
	assert.Equal(t, apierror.CodeChainHashCASMismatch, apierror.CodeOf(err))

	events, err := log.List(ctx, "t1", runSubject)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryEventLog_ConcurrentAppendSingleWinner(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	_, err := log.Append(ctx, "t1", runSubject, GenesisHash, "run_created", nil)
	require.NoError(t, err)
	tail, err := log.LastChainHash(ctx, "t1", runSubject)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = log.Append(ctx, "t1", runSubject, tail, "racing", nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.Equal(t, apierror.CodeChainHashCASMismatch, apierror.CodeOf(err))
		}
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryEventLog_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	_, err := log.Append(ctx, "t1", runSubject, GenesisHash, "run_created", nil)
	require.NoError(t, err)

	// Same subject ID under another tenant is a distinct chain.
	tail, err := log.LastChainHash(ctx, "t2", runSubject)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, tail)

	_, err = log.List(ctx, "t2", runSubject)
	assert.ErrorIs(t, err, ErrSubjectNotFound)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog().WithClock(fixedClock())

	res, err := log.Append(ctx, "t1", runSubject, GenesisHash, "run_created", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = log.Append(ctx, "t1", runSubject, res.LastChainHash, "next", nil)
	require.NoError(t, err)

	events, err := log.List(ctx, "t1", runSubject)
	require.NoError(t, err)

	events[0].Payload["n"] = 2
	assert.Equal(t, 0, VerifyChain(events))
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	body := []byte(`{"gateId":"g1"}`)

	_, hit, err := store.Probe(ctx, "t1", "k1", RequestHash(body))
	require.NoError(t, err)
	assert.False(t, hit)

	rec := IdempotencyRecord{
		TenantID: "t1", Key: "k1", RequestHash: RequestHash(body),
		Response: []byte(`{"ok":true}`), StatusCode: 201, CreatedAt: time.Now(),
	}
	require.NoError(t, store.Commit(ctx, rec))

	// Replay with the same body returns the stored bytes verbatim.
	got, hit, err := store.Probe(ctx, "t1", "k1", RequestHash(body))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, rec.Response, got.Response)
	assert.Equal(t, 201, got.StatusCode)

	// Same key, drifted body.
	_, _, err = store.Probe(ctx, "t1", "k1", RequestHash([]byte(`{"gateId":"g2"}`)))
	require.Error(t, err)
	assert.Equal(t, apierror.CodeIdempotencyBodyMismatch, apierror.CodeOf(err))

	// Other tenants never see the key.
	_, hit, err = store.Probe(ctx, "t2", "k1", RequestHash(body))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestParseSubjectKey(t *testing.T) {
	key, ok := ParseSubjectKey("reversal:gate_9")
	require.True(t, ok)
	assert.Equal(t, SubjectKey{Kind: "reversal", ID: "gate_9"}, key)

	_, ok = ParseSubjectKey("no-separator")
	assert.False(t, ok)
}
