package arbitration

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
)

// Dispute states.
const (
	DisputeOpen   = "open"
	DisputeClosed = "closed"
)

// Dispute is a disagreement raised by one side of a gate. Opening one
// freezes the gate; arbitration cases hang off the dispute, and the dispute
// closes only once every case under it is closed.
type Dispute struct {
	DisputeID string `json:"disputeId"`
	TenantID  string `json:"tenantId"`
	RunID     string `json:"runId"`
	GateID    string `json:"gateId"`
	OpenedBy  string `json:"openedBy"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status"`

	DisputeType     string `json:"disputeType,omitempty"`
	DisputePriority string `json:"disputePriority,omitempty"`
	DisputeChannel  string `json:"disputeChannel,omitempty"`
	EscalationLevel int    `json:"escalationLevel,omitempty"`

	EvidenceRefs []string `json:"evidenceRefs,omitempty"`
	CaseIDs      []string `json:"caseIds,omitempty"`

	OpenedAt time.Time `json:"openedAt"`
	ClosedAt time.Time `json:"closedAt,omitzero"`
}

// DisputeSubject is the chained event stream of one dispute.
func DisputeSubject(disputeID string) ledger.SubjectKey {
	return ledger.SubjectKey{Kind: "dispute", ID: disputeID}
}

// DisputeInput are the dispute-open parameters. The classification fields
// (type, priority, channel, escalation level) are free-form operator
// metadata and carry no kernel semantics.
type DisputeInput struct {
	DisputeID       string
	GateID          string
	OpenedBy        string
	Reason          string
	DisputeType     string
	DisputePriority string
	DisputeChannel  string
	EscalationLevel int
	EvidenceRefs    []string
}

func disputeKey(tenantID, disputeID string) string { return tenantID + "/" + disputeID }

// GetDispute returns a snapshot of a dispute.
func (c *Court) GetDispute(tenantID, disputeID string) (*Dispute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.disputes[disputeKey(tenantID, disputeID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no dispute %s", disputeID)
	}
	cp := *d
	cp.EvidenceRefs = append([]string(nil), d.EvidenceRefs...)
	cp.CaseIDs = append([]string(nil), d.CaseIDs...)
	return &cp, nil
}

// openDisputeOn returns the id of the open dispute on a gate, if any.
// Caller holds c.mu.
func (c *Court) openDisputeOn(tenantID, gateID string) string {
	for _, id := range c.disputesByGate[tenantID+"/"+gateID] {
		if d := c.disputes[disputeKey(tenantID, id)]; d != nil && d.Status == DisputeOpen {
			return id
		}
	}
	return ""
}

// appendDisputeEvent commits to the dispute's own chain at its current tail.
func (c *Court) appendDisputeEvent(ctx context.Context, tenantID, disputeID, eventType string, payload map[string]any) (*ledger.AppendResult, error) {
	tail, err := c.log.LastChainHash(ctx, tenantID, DisputeSubject(disputeID))
	if err != nil {
		return nil, err
	}
	return c.log.Append(ctx, tenantID, DisputeSubject(disputeID), tail, eventType, payload)
}

// OpenDispute freezes a gate as disputed and records the disagreement. Only
// the payer or payee of the gate may open one, and a gate holds at most one
// open dispute at a time. expectedPrev is the run chain tail.
func (c *Court) OpenDispute(ctx context.Context, tenantID string, in DisputeInput, expectedPrev string) (*Dispute, error) {
	if in.GateID == "" || in.OpenedBy == "" {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "gateId and openedBy are required")
	}
	gate, err := c.machine.Get(tenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if in.OpenedBy != gate.PayerAgentID && in.OpenedBy != gate.PayeeAgentID {
		return nil, apierror.New(apierror.CodeReversalActionNotAllowed,
			"only the payer or payee may dispute gate %s", in.GateID)
	}

	disputeID := in.DisputeID
	if disputeID == "" {
		disputeID = "dsp_" + uuid.NewString()
	}
	c.mu.Lock()
	if _, exists := c.disputes[disputeKey(tenantID, disputeID)]; exists {
		c.mu.Unlock()
		return nil, apierror.New(apierror.CodeConflict, "dispute %s already exists", disputeID)
	}
	if open := c.openDisputeOn(tenantID, in.GateID); open != "" {
		c.mu.Unlock()
		return nil, apierror.New(apierror.CodeConflict,
			"gate %s already has open dispute %s", in.GateID, open)
	}
	c.mu.Unlock()

	if _, _, err := c.machine.MarkDisputed(ctx, tenantID, in.GateID, disputeID, expectedPrev); err != nil {
		return nil, err
	}
	if _, err := c.appendDisputeEvent(ctx, tenantID, disputeID, "dispute.opened", map[string]any{
		"disputeId":    disputeID,
		"gateId":       in.GateID,
		"openedBy":     in.OpenedBy,
		"reason":       in.Reason,
		"evidenceRefs": anySlice(in.EvidenceRefs),
	}); err != nil {
		return nil, err
	}

	d := &Dispute{
		DisputeID:       disputeID,
		TenantID:        tenantID,
		RunID:           gate.RunID,
		GateID:          in.GateID,
		OpenedBy:        in.OpenedBy,
		Reason:          in.Reason,
		Status:          DisputeOpen,
		DisputeType:     in.DisputeType,
		DisputePriority: in.DisputePriority,
		DisputeChannel:  in.DisputeChannel,
		EscalationLevel: in.EscalationLevel,
		EvidenceRefs:    in.EvidenceRefs,
		OpenedAt:        c.clock().UTC(),
	}
	c.mu.Lock()
	c.disputes[disputeKey(tenantID, disputeID)] = d
	gk := tenantID + "/" + in.GateID
	c.disputesByGate[gk] = append(c.disputesByGate[gk], disputeID)
	c.mu.Unlock()

	return c.GetDispute(tenantID, disputeID)
}

// CloseDispute ends a dispute once every arbitration case under it is
// closed. When the gate was verified under a request binding, closure must
// re-present that binding as evidence. A gate still frozen as disputed is
// restored to its pre-dispute state; an arbitrated gate keeps the verdict's
// disposition. expectedPrev is the run chain tail.
func (c *Court) CloseDispute(ctx context.Context, tenantID, disputeID string, closeEvidence []string, expectedPrev string) (*Dispute, error) {
	d, err := c.GetDispute(tenantID, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, apierror.New(apierror.CodeConflict,
			"dispute %s is %s, close requires open", disputeID, d.Status)
	}
	for _, caseID := range d.CaseIDs {
		cs, err := c.Get(tenantID, caseID)
		if err != nil {
			return nil, err
		}
		if cs.Status != CaseClosed {
			return nil, apierror.New(apierror.CodeConflict,
				"dispute %s still has case %s in %s", disputeID, caseID, cs.Status)
		}
	}
	gate, err := c.machine.Get(tenantID, d.GateID)
	if err != nil {
		return nil, err
	}
	if gate.RequestSha256 != "" {
		reqSha, _ := settlement.ParseEvidence(closeEvidence)
		if reqSha == "" {
			return nil, apierror.New(apierror.CodeDisputeCloseEvidenceRequired,
				"closing this dispute requires the request_sha256 evidence")
		}
		if !crypto.ConstantTimeHexEqual(reqSha, gate.RequestSha256) {
			return nil, apierror.New(apierror.CodeDisputeCloseEvidenceMismatch,
				"close evidence does not match the verified request")
		}
	}

	if gate.Status == settlement.StatusDisputed {
		if _, _, err := c.machine.CloseDispute(ctx, tenantID, d.GateID, disputeID, expectedPrev); err != nil {
			return nil, err
		}
	}
	if _, err := c.appendDisputeEvent(ctx, tenantID, disputeID, "dispute.closed", map[string]any{
		"disputeId":    disputeID,
		"evidenceRefs": anySlice(closeEvidence),
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	stored := c.disputes[disputeKey(tenantID, disputeID)]
	stored.Status = DisputeClosed
	stored.ClosedAt = c.clock().UTC()
	c.mu.Unlock()

	return c.GetDispute(tenantID, disputeID)
}
