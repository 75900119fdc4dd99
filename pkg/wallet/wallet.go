// Package wallet holds per-(tenant, agent) balances split into available and
// escrow-locked pools. All movements are integer cents; escrow transitions
// run under an ordered two-wallet lock and must conserve value.
package wallet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// Wallet is one agent's balance within a tenant.
type Wallet struct {
	TenantID          string `json:"tenantId"`
	AgentID           string `json:"agentId"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
	Currency          string `json:"currency"`
}

// Delta is one balance movement inside a journal entry.
type Delta struct {
	AgentID string `json:"agentId"`
	Field   string `json:"field"` // "available" or "escrowLocked"
	Cents   int64  `json:"cents"`
}

// JournalEntry records an applied operation, bound to the ledger event that
// triggered it.
type JournalEntry struct {
	EntryID   string    `json:"entryId"`
	TenantID  string    `json:"tenantId"`
	Op        string    `json:"op"`
	Deltas    []Delta   `json:"deltas"`
	ChainHash string    `json:"chainHash,omitempty"`
	AppliedAt time.Time `json:"appliedAt"`
}

// Ledger is the in-process wallet store. Writers lock the affected wallets
// in sorted (tenantId, agentId) order, so two-wallet transfers cannot
// deadlock.
type Ledger struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	locks   map[string]*sync.Mutex
	journal []JournalEntry
	clock   func() time.Time
}

// NewLedger creates an empty wallet ledger.
func NewLedger() *Ledger {
	return &Ledger{
		wallets: make(map[string]*Wallet),
		locks:   make(map[string]*sync.Mutex),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func walletKey(tenantID, agentID string) string { return tenantID + "/" + agentID }

// Open creates a wallet with a zero balance. Opening an existing wallet is
// a no-op when the currency matches and an error otherwise.
func (l *Ledger) Open(tenantID, agentID, currency string) (*Wallet, error) {
	if len(currency) < 3 {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "currency %q is not an ISO-4217 code", currency)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := walletKey(tenantID, agentID)
	if w, exists := l.wallets[key]; exists {
		if w.Currency != currency {
			return nil, apierror.New(apierror.CodeWalletCurrencyMismatch,
				"wallet for %s already exists in %s", agentID, w.Currency)
		}
		cp := *w
		return &cp, nil
	}
	w := &Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency}
	l.wallets[key] = w
	l.locks[key] = &sync.Mutex{}
	cp := *w
	return &cp, nil
}

// Get returns a snapshot of a wallet.
func (l *Ledger) Get(tenantID, agentID string) (*Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.wallets[walletKey(tenantID, agentID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no wallet for agent %s", agentID)
	}
	cp := *w
	return &cp, nil
}

// lockWallets acquires the per-wallet mutexes in sorted key order and
// returns the wallets plus an unlock function.
func (l *Ledger) lockWallets(tenantID string, agentIDs ...string) ([]*Wallet, func(), error) {
	keys := make([]string, 0, len(agentIDs))
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		k := walletKey(tenantID, id)
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	sort.Strings(keys)

	l.mu.RLock()
	locks := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		lk, ok := l.locks[k]
		if !ok {
			l.mu.RUnlock()
			return nil, nil, apierror.New(apierror.CodeNotFound, "no wallet %s", k)
		}
		locks = append(locks, lk)
	}
	l.mu.RUnlock()

	for _, lk := range locks {
		lk.Lock()
	}
	unlock := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}

	l.mu.RLock()
	wallets := make([]*Wallet, 0, len(agentIDs))
	for _, id := range agentIDs {
		wallets = append(wallets, l.wallets[walletKey(tenantID, id)])
	}
	l.mu.RUnlock()
	return wallets, unlock, nil
}

func (l *Ledger) record(tenantID, op, chainHash string, deltas []Delta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = append(l.journal, JournalEntry{
		EntryID:   "jrn_" + uuid.NewString(),
		TenantID:  tenantID,
		Op:        op,
		Deltas:    deltas,
		ChainHash: chainHash,
		AppliedAt: l.clock(),
	})
}

// Journal returns a copy of the journal for a tenant.
func (l *Ledger) Journal(tenantID string) []JournalEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []JournalEntry
	for _, e := range l.journal {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// Credit adds cents to an agent's available balance.
func (l *Ledger) Credit(tenantID, agentID string, cents int64, chainHash string) error {
	if cents <= 0 {
		return apierror.New(apierror.CodeSchemaInvalid, "credit amount must be positive")
	}
	ws, unlock, err := l.lockWallets(tenantID, agentID)
	if err != nil {
		return err
	}
	defer unlock()

	ws[0].AvailableCents += cents
	l.record(tenantID, "credit", chainHash, []Delta{{AgentID: agentID, Field: "available", Cents: cents}})
	return nil
}

// Debit removes cents from an agent's available balance.
func (l *Ledger) Debit(tenantID, agentID string, cents int64, chainHash string) error {
	if cents <= 0 {
		return apierror.New(apierror.CodeSchemaInvalid, "debit amount must be positive")
	}
	ws, unlock, err := l.lockWallets(tenantID, agentID)
	if err != nil {
		return err
	}
	defer unlock()

	if ws[0].AvailableCents < cents {
		return apierror.New(apierror.CodeInsufficientFunds,
			"available %d¢ is less than debit %d¢", ws[0].AvailableCents, cents)
	}
	ws[0].AvailableCents -= cents
	l.record(tenantID, "debit", chainHash, []Delta{{AgentID: agentID, Field: "available", Cents: -cents}})
	return nil
}

// LockEscrow moves cents from the payer's available pool into escrow.
func (l *Ledger) LockEscrow(tenantID, payerID string, cents int64, currency, chainHash string) error {
	if cents <= 0 {
		return apierror.New(apierror.CodeSchemaInvalid, "escrow amount must be positive")
	}
	ws, unlock, err := l.lockWallets(tenantID, payerID)
	if err != nil {
		return err
	}
	defer unlock()

	payer := ws[0]
	if payer.Currency != currency {
		return apierror.New(apierror.CodeWalletCurrencyMismatch,
			"wallet currency %s does not match gate currency %s", payer.Currency, currency)
	}
	if payer.AvailableCents < cents {
		return apierror.New(apierror.CodeInsufficientFunds,
			"available %d¢ is less than escrow lock %d¢", payer.AvailableCents, cents)
	}
	payer.AvailableCents -= cents
	payer.EscrowLockedCents += cents
	l.record(tenantID, "lock_escrow", chainHash, []Delta{
		{AgentID: payerID, Field: "available", Cents: -cents},
		{AgentID: payerID, Field: "escrowLocked", Cents: cents},
	})
	return nil
}

// ReleaseEscrow settles a locked amount: releaseCents go to the payee's
// available pool, refundCents return to the payer. The two must sum to the
// locked amount; the inline conservation check fails the transaction
// otherwise and nothing is applied.
func (l *Ledger) ReleaseEscrow(tenantID, payerID, payeeID string, releaseCents, refundCents int64, chainHash string) error {
	if releaseCents < 0 || refundCents < 0 {
		return apierror.New(apierror.CodeSchemaInvalid, "release and refund must be non-negative")
	}
	total := releaseCents + refundCents
	ws, unlock, err := l.lockWallets(tenantID, payerID, payeeID)
	if err != nil {
		return err
	}
	defer unlock()

	payer, payee := ws[0], ws[1]
	if payer.EscrowLockedCents < total {
		return apierror.New(apierror.CodeEscrowUnderflow,
			"escrow %d¢ is less than settlement %d¢", payer.EscrowLockedCents, total)
	}
	deltas := []Delta{
		{AgentID: payerID, Field: "escrowLocked", Cents: -total},
		{AgentID: payeeID, Field: "available", Cents: releaseCents},
		{AgentID: payerID, Field: "available", Cents: refundCents},
	}
	if err := checkConservation(deltas); err != nil {
		return err
	}
	payer.EscrowLockedCents -= total
	payee.AvailableCents += releaseCents
	payer.AvailableCents += refundCents
	l.record(tenantID, "release_escrow", chainHash, deltas)
	return nil
}

// VoidEscrow returns a locked amount to the payer untouched.
func (l *Ledger) VoidEscrow(tenantID, payerID string, cents int64, chainHash string) error {
	if cents <= 0 {
		return apierror.New(apierror.CodeSchemaInvalid, "void amount must be positive")
	}
	ws, unlock, err := l.lockWallets(tenantID, payerID)
	if err != nil {
		return err
	}
	defer unlock()

	payer := ws[0]
	if payer.EscrowLockedCents < cents {
		return apierror.New(apierror.CodeEscrowUnderflow,
			"escrow %d¢ is less than void %d¢", payer.EscrowLockedCents, cents)
	}
	deltas := []Delta{
		{AgentID: payerID, Field: "escrowLocked", Cents: -cents},
		{AgentID: payerID, Field: "available", Cents: cents},
	}
	if err := checkConservation(deltas); err != nil {
		return err
	}
	payer.EscrowLockedCents -= cents
	payer.AvailableCents += cents
	l.record(tenantID, "void_escrow", chainHash, deltas)
	return nil
}

// Transfer moves settled funds between available pools (refund resolution).
func (l *Ledger) Transfer(tenantID, fromID, toID string, cents int64, chainHash string) error {
	if cents <= 0 {
		return apierror.New(apierror.CodeSchemaInvalid, "transfer amount must be positive")
	}
	ws, unlock, err := l.lockWallets(tenantID, fromID, toID)
	if err != nil {
		return err
	}
	defer unlock()

	from, to := ws[0], ws[1]
	if from.Currency != to.Currency {
		return apierror.New(apierror.CodeWalletCurrencyMismatch,
			"cannot transfer %s into %s", from.Currency, to.Currency)
	}
	if from.AvailableCents < cents {
		return apierror.New(apierror.CodeInsufficientFunds,
			"available %d¢ is less than transfer %d¢", from.AvailableCents, cents)
	}
	deltas := []Delta{
		{AgentID: fromID, Field: "available", Cents: -cents},
		{AgentID: toID, Field: "available", Cents: cents},
	}
	if err := checkConservation(deltas); err != nil {
		return err
	}
	from.AvailableCents -= cents
	to.AvailableCents += cents
	l.record(tenantID, "transfer", chainHash, deltas)
	return nil
}

// checkConservation enforces Σ deltas == 0 for non-mint operations.
func checkConservation(deltas []Delta) error {
	var sum int64
	for _, d := range deltas {
		sum += d.Cents
	}
	if sum != 0 {
		return apierror.New(apierror.CodeInternalError,
			"wallet conservation violated: deltas sum to %d", sum)
	}
	return nil
}

// String renders a wallet for logs.
func (w *Wallet) String() string {
	return fmt.Sprintf("%s/%s available=%d escrow=%d %s",
		w.TenantID, w.AgentID, w.AvailableCents, w.EscrowLockedCents, w.Currency)
}
