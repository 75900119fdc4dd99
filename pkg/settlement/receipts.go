package settlement

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
)

// ReceiptRecord is an issued receipt plus the index fields receipts are
// filtered and paged by. Envelope is the sealed X402ReceiptRecord.v1 map.
type ReceiptRecord struct {
	ReceiptID    string         `json:"receiptId"`
	TenantID     string         `json:"tenantId"`
	GateID       string         `json:"gateId"`
	RunID        string         `json:"runId"`
	PayerAgentID string         `json:"payerAgentId"`
	PayeeAgentID string         `json:"payeeAgentId"`
	ToolID       string         `json:"toolId"`
	Status       string         `json:"status"`
	IssuedAt     time.Time      `json:"issuedAt"`
	Envelope     map[string]any `json:"envelope"`
}

// ReceiptFilter narrows a receipt listing. Zero values match everything.
type ReceiptFilter struct {
	RunID        string
	GateID       string
	PayerAgentID string
	PayeeAgentID string
	ToolID       string
	Status       string
	IssuedAfter  time.Time
	IssuedBefore time.Time
}

func (f ReceiptFilter) matches(r *ReceiptRecord) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.GateID != "" && r.GateID != f.GateID {
		return false
	}
	if f.PayerAgentID != "" && r.PayerAgentID != f.PayerAgentID {
		return false
	}
	if f.PayeeAgentID != "" && r.PayeeAgentID != f.PayeeAgentID {
		return false
	}
	if f.ToolID != "" && r.ToolID != f.ToolID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.IssuedAfter.IsZero() && !r.IssuedAt.After(f.IssuedAfter) {
		return false
	}
	if !f.IssuedBefore.IsZero() && !r.IssuedAt.Before(f.IssuedBefore) {
		return false
	}
	return true
}

// ReceiptStore keeps issued receipts ordered by (issuedAt, receiptId), the
// total order the listing cursor encodes.
type ReceiptStore struct {
	mu       sync.RWMutex
	byTenant map[string][]*ReceiptRecord
	byID     map[string]*ReceiptRecord // tenant/receiptId
}

// NewReceiptStore creates an empty store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		byTenant: make(map[string][]*ReceiptRecord),
		byID:     make(map[string]*ReceiptRecord),
	}
}

// Put stores a receipt, keeping the tenant slice sorted. Re-putting an
// existing receiptId replaces the prior record, which is how a refund or
// verdict re-issues a receipt under its terminal status.
func (s *ReceiptStore) Put(rec *ReceiptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.TenantID + "/" + rec.ReceiptID
	list := s.byTenant[rec.TenantID]
	if old, exists := s.byID[key]; exists {
		for i, r := range list {
			if r == old {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	i := sort.Search(len(list), func(i int) bool {
		return !receiptLess(list[i], rec)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = rec
	s.byTenant[rec.TenantID] = list
	s.byID[key] = rec
}

// Get returns a receipt by ID within a tenant.
func (s *ReceiptStore) Get(tenantID, receiptID string) (*ReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[tenantID+"/"+receiptID]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no receipt %s", receiptID)
	}
	cp := *rec
	return &cp, nil
}

func receiptLess(a, b *ReceiptRecord) bool {
	if !a.IssuedAt.Equal(b.IssuedAt) {
		return a.IssuedAt.Before(b.IssuedAt)
	}
	return a.ReceiptID < b.ReceiptID
}

// EncodeCursor packs an (issuedAt, receiptId) position into an opaque token.
func EncodeCursor(issuedAt time.Time, receiptID string) string {
	raw := issuedAt.UTC().Format(time.RFC3339Nano) + "|" + receiptID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a listing cursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", apierror.New(apierror.CodeSchemaInvalid, "malformed cursor")
	}
	tsStr, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", apierror.New(apierror.CodeSchemaInvalid, "malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return time.Time{}, "", apierror.New(apierror.CodeSchemaInvalid, "malformed cursor timestamp")
	}
	return ts, id, nil
}

// List returns up to limit receipts after the cursor position, newest last,
// plus the cursor for the next page ("" when exhausted).
func (s *ReceiptStore) List(tenantID string, filter ReceiptFilter, cursor string, limit int) ([]ReceiptRecord, string, error) {
	if limit <= 0 {
		limit = 100
	}
	var afterTS time.Time
	var afterID string
	if cursor != "" {
		var err error
		afterTS, afterID, err = DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ReceiptRecord
	for _, rec := range s.byTenant[tenantID] {
		if cursor != "" {
			probe := &ReceiptRecord{IssuedAt: afterTS, ReceiptID: afterID}
			if !receiptLess(probe, rec) {
				continue
			}
		}
		if !filter.matches(rec) {
			continue
		}
		out = append(out, *rec)
		if len(out) == limit+1 {
			break
		}
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = EncodeCursor(last.IssuedAt, last.ReceiptID)
	}
	return out, next, nil
}

// ExportNDJSON streams all matching receipts for a tenant as one canonical
// envelope per line, in (issuedAt, receiptId) order.
func (s *ReceiptStore) ExportNDJSON(tenantID string, filter ReceiptFilter, write func(envelope map[string]any) error) error {
	s.mu.RLock()
	records := make([]*ReceiptRecord, 0, len(s.byTenant[tenantID]))
	for _, rec := range s.byTenant[tenantID] {
		if filter.matches(rec) {
			records = append(records, rec)
		}
	}
	s.mu.RUnlock()

	for _, rec := range records {
		if err := write(rec.Envelope); err != nil {
			return fmt.Errorf("settlement: export receipt %s: %w", rec.ReceiptID, err)
		}
	}
	return nil
}
