// Package arbitration runs the dispute and appeal lifecycle over settled or
// held gates. A dispute freezes its gate; arbitration cases opened under the
// dispute carry signed verdicts that settle or claw back escrow, and a
// closed case can be appealed into a child case for a fresh round of review.
// Disputes and cases each keep their own hash-chained event stream alongside
// the run chain.
package arbitration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/core/pkg/agent"
	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/policy"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
)

// VerdictSchemaVersion tags accepted arbitration verdicts.
const VerdictSchemaVersion = "ArbitrationVerdict.v1"

// CapabilityArbitrate marks agents allowed to sign verdicts.
const CapabilityArbitrate = "arbitrate"

// Case states.
const (
	CaseUnderReview   = "under_review"
	CaseVerdictIssued = "verdict_issued"
	CaseClosed        = "closed"
)

// Verdict outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Case is one round of arbitration under a dispute. Appeals are child cases
// linked through ParentCaseID; a parent materializes its children in
// ChildCaseIDs so the chain is walkable both ways.
type Case struct {
	CaseID    string `json:"caseId"`
	TenantID  string `json:"tenantId"`
	DisputeID string `json:"disputeId"`
	RunID     string `json:"runId"`
	GateID    string `json:"gateId"`
	OpenedBy  string `json:"openedBy"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status"`

	EvidenceRefs []string `json:"evidenceRefs,omitempty"`
	ParentCaseID string   `json:"parentCaseId,omitempty"`
	ChildCaseIDs []string `json:"childCaseIds,omitempty"`

	ArbiterAgentID string `json:"arbiterAgentId,omitempty"`
	VerdictHash    string `json:"verdictHash,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	ReleaseRatePct int    `json:"releaseRatePct,omitempty"`

	OpenedAt time.Time `json:"openedAt"`
	ClosedAt time.Time `json:"closedAt,omitzero"`
}

// AppealChain is a case's position in its appeal lineage.
type AppealChain struct {
	ParentCaseID string   `json:"parentCaseId,omitempty"`
	ChildCaseIDs []string `json:"childCaseIds"`
}

// Actionability reports which operations a case currently admits.
type Actionability struct {
	CanIssueVerdict bool `json:"canIssueVerdict"`
	CanClose        bool `json:"canClose"`
	CanOpenAppeal   bool `json:"canOpenAppeal"`
}

// CaseView is a case snapshot with its appeal chain and actionability, the
// shape served to operators.
type CaseView struct {
	Case
	AppealChain   AppealChain   `json:"appealChain"`
	Actionability Actionability `json:"actionability"`
}

// CaseSubject is the chained event stream of one case.
func CaseSubject(caseID string) ledger.SubjectKey {
	return ledger.SubjectKey{Kind: "case", ID: caseID}
}

// CaseInput are the arbitration-open parameters. OpenedBy defaults to the
// dispute's opener.
type CaseInput struct {
	CaseID    string
	DisputeID string
	OpenedBy  string
	Reason    string
}

// AppealInput are the appeal-open parameters. EvidenceRefs must re-present
// the gate's request binding when one exists.
type AppealInput struct {
	CaseID       string
	OpenedBy     string
	Reason       string
	EvidenceRefs []string
}

// Court runs disputes and arbitration cases against the gate machine.
type Court struct {
	mu             sync.RWMutex
	disputes       map[string]*Dispute // tenant/disputeId
	cases          map[string]*Case    // tenant/caseId
	disputesByGate map[string][]string // tenant/gateId → disputeIds
	casesByGate    map[string][]string // tenant/gateId → caseIds

	machine *settlement.Machine
	agents  *agent.Registry
	log     ledger.EventLog
	billing *policy.BillingMeter
	clock   func() time.Time
}

// NewCourt wires a court to its collaborators. The billing meter may be nil
// when arbitration is not metered.
func NewCourt(machine *settlement.Machine, agents *agent.Registry, log ledger.EventLog, billing *policy.BillingMeter) *Court {
	return &Court{
		disputes:       make(map[string]*Dispute),
		cases:          make(map[string]*Case),
		disputesByGate: make(map[string][]string),
		casesByGate:    make(map[string][]string),
		machine:        machine,
		agents:         agents,
		log:            log,
		billing:        billing,
		clock:          time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (c *Court) WithClock(clock func() time.Time) *Court {
	c.clock = clock
	return c
}

func caseKey(tenantID, caseID string) string { return tenantID + "/" + caseID }

// Get returns a snapshot of a case.
func (c *Court) Get(tenantID, caseID string) (*Case, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.cases[caseKey(tenantID, caseID)]
	if !ok {
		return nil, apierror.New(apierror.CodeNotFound, "no case %s", caseID)
	}
	cp := *cs
	cp.ChildCaseIDs = append([]string(nil), cs.ChildCaseIDs...)
	cp.EvidenceRefs = append([]string(nil), cs.EvidenceRefs...)
	return &cp, nil
}

// View returns a case with its appeal chain and actionability.
func (c *Court) View(tenantID, caseID string) (*CaseView, error) {
	cs, err := c.Get(tenantID, caseID)
	if err != nil {
		return nil, err
	}
	return &CaseView{
		Case: *cs,
		AppealChain: AppealChain{
			ParentCaseID: cs.ParentCaseID,
			ChildCaseIDs: append([]string{}, cs.ChildCaseIDs...),
		},
		Actionability: actionability(cs),
	}, nil
}

// ListByGate returns snapshots of every case opened against a gate.
func (c *Court) ListByGate(tenantID, gateID string) []Case {
	c.mu.RLock()
	ids := append([]string(nil), c.casesByGate[tenantID+"/"+gateID]...)
	c.mu.RUnlock()
	out := make([]Case, 0, len(ids))
	for _, id := range ids {
		if cs, err := c.Get(tenantID, id); err == nil {
			out = append(out, *cs)
		}
	}
	return out
}

func actionability(cs *Case) Actionability {
	return Actionability{
		CanIssueVerdict: cs.Status == CaseUnderReview,
		CanClose:        cs.Status == CaseVerdictIssued,
		CanOpenAppeal:   cs.Status == CaseClosed && cs.VerdictHash != "" && len(cs.ChildCaseIDs) == 0,
	}
}

// ActionabilityOf reports what a case currently admits. An appeal requires a
// closed case with an issued verdict and no existing child.
func (c *Court) ActionabilityOf(tenantID, caseID string) (Actionability, error) {
	cs, err := c.Get(tenantID, caseID)
	if err != nil {
		return Actionability{}, err
	}
	return actionability(cs), nil
}

// appendCaseEvent commits to the case's own chain at its current tail.
func (c *Court) appendCaseEvent(ctx context.Context, tenantID, caseID, eventType string, payload map[string]any) (*ledger.AppendResult, error) {
	tail, err := c.log.LastChainHash(ctx, tenantID, CaseSubject(caseID))
	if err != nil {
		return nil, err
	}
	return c.log.Append(ctx, tenantID, CaseSubject(caseID), tail, eventType, payload)
}

// OpenCase opens an arbitration case under an open dispute and bills it
// against the tenant's plan. The gate must still be frozen as disputed, and
// a dispute carries at most one case that is not yet closed.
func (c *Court) OpenCase(ctx context.Context, tenantID string, in CaseInput) (*CaseView, error) {
	if in.DisputeID == "" {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "disputeId is required")
	}
	d, err := c.GetDispute(tenantID, in.DisputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, apierror.New(apierror.CodeConflict,
			"dispute %s is %s, arbitration requires open", in.DisputeID, d.Status)
	}
	gate, err := c.machine.Get(tenantID, d.GateID)
	if err != nil {
		return nil, err
	}
	if gate.Status != settlement.StatusDisputed {
		return nil, apierror.New(apierror.CodeConflict,
			"gate %s is %s, arbitration requires disputed", d.GateID, gate.Status)
	}
	for _, existing := range d.CaseIDs {
		if cs, err := c.Get(tenantID, existing); err == nil && cs.Status != CaseClosed {
			return nil, apierror.New(apierror.CodeConflict,
				"dispute %s already has active case %s", in.DisputeID, existing)
		}
	}

	if c.billing != nil {
		if err := c.billing.RecordArbitrationCase(tenantID); err != nil {
			return nil, err
		}
	}

	openedBy := in.OpenedBy
	if openedBy == "" {
		openedBy = d.OpenedBy
	}
	return c.openCase(ctx, tenantID, d, in.CaseID, openedBy, in.Reason, nil, "")
}

// openCase creates a case record under a dispute, optionally as the child of
// an appealed parent, and commits its opening event.
func (c *Court) openCase(ctx context.Context, tenantID string, d *Dispute, caseID, openedBy, reason string, evidence []string, parentCaseID string) (*CaseView, error) {
	if caseID == "" {
		caseID = "case_" + uuid.NewString()
	}
	c.mu.Lock()
	if _, exists := c.cases[caseKey(tenantID, caseID)]; exists {
		c.mu.Unlock()
		return nil, apierror.New(apierror.CodeConflict, "case %s already exists", caseID)
	}
	c.mu.Unlock()

	payload := map[string]any{
		"caseId":    caseID,
		"disputeId": d.DisputeID,
		"gateId":    d.GateID,
		"openedBy":  openedBy,
		"reason":    reason,
	}
	if parentCaseID != "" {
		payload["appealOf"] = parentCaseID
		payload["evidenceRefs"] = anySlice(evidence)
	}
	if _, err := c.appendCaseEvent(ctx, tenantID, caseID, "case.opened", payload); err != nil {
		return nil, err
	}

	cs := &Case{
		CaseID:       caseID,
		TenantID:     tenantID,
		DisputeID:    d.DisputeID,
		RunID:        d.RunID,
		GateID:       d.GateID,
		OpenedBy:     openedBy,
		Reason:       reason,
		Status:       CaseUnderReview,
		EvidenceRefs: evidence,
		ParentCaseID: parentCaseID,
		OpenedAt:     c.clock().UTC(),
	}
	c.mu.Lock()
	c.cases[caseKey(tenantID, caseID)] = cs
	gk := tenantID + "/" + d.GateID
	c.casesByGate[gk] = append(c.casesByGate[gk], caseID)
	if stored := c.disputes[disputeKey(tenantID, d.DisputeID)]; stored != nil {
		stored.CaseIDs = append(stored.CaseIDs, caseID)
	}
	if parentCaseID != "" {
		if p := c.cases[caseKey(tenantID, parentCaseID)]; p != nil {
			p.ChildCaseIDs = append(p.ChildCaseIDs, caseID)
		}
	}
	c.mu.Unlock()

	return c.View(tenantID, caseID)
}

// IssueVerdict applies a signed ArbitrationVerdict.v1 to a case under
// review. The verdict must be signed by an agent carrying the arbitrate
// capability and bind the full settlement context: case, tenant, run, gate,
// dispute, and the signing arbiter. When the gate was verified under a
// request binding, the verdict's evidence must re-present it. expectedPrev
// is the run chain tail.
func (c *Court) IssueVerdict(ctx context.Context, tenantID, caseID string, verdict map[string]any, expectedPrev string) (*CaseView, error) {
	cs, err := c.Get(tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if cs.Status != CaseUnderReview {
		return nil, apierror.New(apierror.CodeConflict,
			"case %s is %s, a verdict requires under_review", caseID, cs.Status)
	}
	if sv, _ := verdict["schemaVersion"].(string); sv != VerdictSchemaVersion {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "expected schemaVersion %s", VerdictSchemaVersion)
	}
	if err := envelope.VerifySchema(verdict, c.agents.KeyResolver(tenantID)); err != nil {
		return nil, err
	}

	sig, _ := verdict["signature"].(map[string]any)
	keyID, _ := sig["keyId"].(string)
	_, arbiterID, _ := c.agents.ResolveKey(tenantID, keyID)
	arbiter, err := c.agents.Get(tenantID, arbiterID)
	if err != nil || !arbiter.HasCapability(CapabilityArbitrate) {
		return nil, apierror.New(apierror.CodeSignatureInvalid,
			"verdict signer %s is not an arbiter", arbiterID)
	}

	for _, b := range []struct{ field, want string }{
		{"caseId", caseID},
		{"tenantId", tenantID},
		{"runId", cs.RunID},
		{"settlementId", cs.GateID},
		{"disputeId", cs.DisputeID},
		{"arbiterAgentId", arbiterID},
	} {
		if got, _ := verdict[b.field].(string); got != b.want {
			return nil, apierror.New(apierror.CodeSchemaInvalid,
				"verdict %s is %q, want %q", b.field, verdict[b.field], b.want)
		}
	}
	outcome, _ := verdict["outcome"].(string)
	if outcome != OutcomeAccepted && outcome != OutcomeRejected {
		return nil, apierror.New(apierror.CodeSchemaInvalid,
			"outcome must be %s or %s", OutcomeAccepted, OutcomeRejected)
	}
	pct, ok := asInt(verdict["releaseRatePct"])
	if !ok || pct < 0 || pct > 100 {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "releaseRatePct must be an integer in [0,100]")
	}
	if cs.ParentCaseID != "" {
		ref, _ := verdict["appealRef"].(map[string]any)
		if parent, _ := ref["parentCaseId"].(string); parent != cs.ParentCaseID {
			return nil, apierror.New(apierror.CodeSchemaInvalid,
				"verdict appealRef must name parent case %s", cs.ParentCaseID)
		}
	}

	gate, err := c.machine.Get(tenantID, cs.GateID)
	if err != nil {
		return nil, err
	}
	if gate.RequestSha256 != "" {
		reqSha, _ := settlement.ParseEvidence(stringSlice(verdict["evidenceRefs"]))
		if reqSha == "" {
			return nil, apierror.New(apierror.CodeVerdictBindingEvidenceRequired,
				"a verdict over this gate must carry the request_sha256 evidence")
		}
		if !crypto.ConstantTimeHexEqual(reqSha, gate.RequestSha256) {
			return nil, apierror.New(apierror.CodeVerdictBindingEvidenceMismatch,
				"verdict evidence does not match the verified request")
		}
	}

	verdictHash, _ := verdict["verdictHash"].(string)

	if _, _, err := c.machine.ApplyVerdict(ctx, tenantID, cs.GateID, pct, verdictHash, expectedPrev); err != nil {
		return nil, err
	}
	if _, err := c.appendCaseEvent(ctx, tenantID, caseID, "case.verdict_issued", map[string]any{
		"caseId":         caseID,
		"verdictHash":    verdictHash,
		"arbiterAgentId": arbiterID,
		"outcome":        outcome,
		"releaseRatePct": pct,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	stored := c.cases[caseKey(tenantID, caseID)]
	stored.Status = CaseVerdictIssued
	stored.ArbiterAgentID = arbiterID
	stored.VerdictHash = verdictHash
	stored.Outcome = outcome
	stored.ReleaseRatePct = pct
	c.mu.Unlock()

	return c.View(tenantID, caseID)
}

// CloseCase closes a case after its verdict has been issued. Closing makes
// the verdict final and the case appealable.
func (c *Court) CloseCase(ctx context.Context, tenantID, caseID string) (*CaseView, error) {
	cs, err := c.Get(tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if cs.Status != CaseVerdictIssued {
		return nil, apierror.New(apierror.CodeConflict,
			"case %s is %s, close requires verdict_issued", caseID, cs.Status)
	}
	if _, err := c.appendCaseEvent(ctx, tenantID, caseID, "case.closed", map[string]any{
		"caseId":      caseID,
		"verdictHash": cs.VerdictHash,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	stored := c.cases[caseKey(tenantID, caseID)]
	stored.Status = CaseClosed
	stored.ClosedAt = c.clock().UTC()
	c.mu.Unlock()

	return c.View(tenantID, caseID)
}

// OpenAppeal opens a child case against a closed, verdict-bearing parent,
// re-disputing the gate for a fresh round of review. The appeal must
// re-present the gate's request binding when one exists. A parent admits at
// most one appeal, and the chain ends once the dispute itself closes.
// expectedPrev is the run chain tail.
func (c *Court) OpenAppeal(ctx context.Context, tenantID, parentCaseID string, in AppealInput, expectedPrev string) (*CaseView, error) {
	parent, err := c.Get(tenantID, parentCaseID)
	if err != nil {
		return nil, err
	}
	if !actionability(parent).CanOpenAppeal {
		return nil, apierror.New(apierror.CodeConflict,
			"case %s does not admit an appeal (status %s)", parentCaseID, parent.Status)
	}
	d, err := c.GetDispute(tenantID, parent.DisputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, apierror.New(apierror.CodeConflict,
			"dispute %s is closed, the chain admits no further appeal", d.DisputeID)
	}
	if in.OpenedBy == "" {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "openedBy is required")
	}
	gate, err := c.machine.Get(tenantID, parent.GateID)
	if err != nil {
		return nil, err
	}
	if in.OpenedBy != gate.PayerAgentID && in.OpenedBy != gate.PayeeAgentID {
		return nil, apierror.New(apierror.CodeReversalActionNotAllowed,
			"only the payer or payee may appeal case %s", parentCaseID)
	}
	if gate.RequestSha256 != "" {
		reqSha, _ := settlement.ParseEvidence(in.EvidenceRefs)
		if reqSha == "" {
			return nil, apierror.New(apierror.CodeAppealBindingEvidenceRequired,
				"appealing this case requires the request_sha256 evidence")
		}
		if !crypto.ConstantTimeHexEqual(reqSha, gate.RequestSha256) {
			return nil, apierror.New(apierror.CodeAppealBindingEvidenceMismatch,
				"appeal evidence does not match the verified request")
		}
	}

	if c.billing != nil {
		if err := c.billing.RecordArbitrationCase(tenantID); err != nil {
			return nil, err
		}
	}

	if _, _, err := c.machine.MarkDisputed(ctx, tenantID, parent.GateID, d.DisputeID, expectedPrev); err != nil {
		return nil, err
	}
	view, err := c.openCase(ctx, tenantID, d, in.CaseID, in.OpenedBy, in.Reason, in.EvidenceRefs, parentCaseID)
	if err != nil {
		return nil, err
	}
	if _, err := c.appendCaseEvent(ctx, tenantID, parentCaseID, "case.appealed", map[string]any{
		"caseId":       parentCaseID,
		"appealCaseId": view.CaseID,
	}); err != nil {
		return nil, err
	}
	return c.View(tenantID, view.CaseID)
}

// Lineage walks the appeal chain from a case back to its root.
func (c *Court) Lineage(tenantID, caseID string) ([]Case, error) {
	var out []Case
	for caseID != "" {
		cs, err := c.Get(tenantID, caseID)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
		caseID = cs.ParentCaseID
	}
	return out, nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, it := range items {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), float64(int(n)) == n
	}
	return 0, false
}
