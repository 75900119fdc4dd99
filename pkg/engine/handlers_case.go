package engine

import (
	"context"

	"github.com/nooterra-labs/settld/core/pkg/arbitration"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
)

type disputeOpenRequest struct {
	DisputeID       string   `json:"disputeId"`
	GateID          string   `json:"gateId"`
	OpenedBy        string   `json:"openedBy"`
	Reason          string   `json:"reason"`
	DisputeType     string   `json:"disputeType"`
	DisputePriority string   `json:"disputePriority"`
	DisputeChannel  string   `json:"disputeChannel"`
	EscalationLevel int      `json:"escalationLevel"`
	EvidenceRefs    []string `json:"evidenceRefs"`
}

func (e *Engine) handleDisputeOpen(ctx context.Context, rq *request) (*response, error) {
	var req disputeOpenRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	runID := rq.httpReq.PathValue("runId")
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(runID))
	if err != nil {
		return nil, err
	}
	d, err := e.court.OpenDispute(ctx, rq.tenantID, arbitration.DisputeInput{
		DisputeID:       req.DisputeID,
		GateID:          req.GateID,
		OpenedBy:        req.OpenedBy,
		Reason:          req.Reason,
		DisputeType:     req.DisputeType,
		DisputePriority: req.DisputePriority,
		DisputeChannel:  req.DisputeChannel,
		EscalationLevel: req.EscalationLevel,
		EvidenceRefs:    req.EvidenceRefs,
	}, prev)
	if err != nil {
		return nil, err
	}
	return created(map[string]any{"dispute": d}), nil
}

type disputeCloseRequest struct {
	DisputeID     string   `json:"disputeId"`
	CloseEvidence []string `json:"closeEvidence"`
}

func (e *Engine) handleDisputeClose(ctx context.Context, rq *request) (*response, error) {
	var req disputeCloseRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	runID := rq.httpReq.PathValue("runId")
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(runID))
	if err != nil {
		return nil, err
	}
	d, err := e.court.CloseDispute(ctx, rq.tenantID, req.DisputeID, req.CloseEvidence, prev)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"dispute": d}), nil
}

type arbitrationOpenRequest struct {
	CaseID    string `json:"caseId"`
	DisputeID string `json:"disputeId"`
	OpenedBy  string `json:"openedBy"`
	Reason    string `json:"reason"`
}

func (e *Engine) handleArbitrationOpen(ctx context.Context, rq *request) (*response, error) {
	var req arbitrationOpenRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	cs, err := e.court.OpenCase(ctx, rq.tenantID, arbitration.CaseInput{
		CaseID:    req.CaseID,
		DisputeID: req.DisputeID,
		OpenedBy:  req.OpenedBy,
		Reason:    req.Reason,
	})
	if err != nil {
		return nil, err
	}
	return created(map[string]any{"case": cs}), nil
}

type verdictRequest struct {
	CaseID  string         `json:"caseId"`
	Verdict map[string]any `json:"verdict"`
}

func (e *Engine) handleVerdict(ctx context.Context, rq *request) (*response, error) {
	var req verdictRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	runID := rq.httpReq.PathValue("runId")
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(runID))
	if err != nil {
		return nil, err
	}
	cs, err := e.court.IssueVerdict(ctx, rq.tenantID, req.CaseID, req.Verdict, prev)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"case": cs}), nil
}

type arbitrationCloseRequest struct {
	CaseID string `json:"caseId"`
}

func (e *Engine) handleArbitrationClose(ctx context.Context, rq *request) (*response, error) {
	var req arbitrationCloseRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	cs, err := e.court.CloseCase(ctx, rq.tenantID, req.CaseID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"case": cs}), nil
}

type appealRequest struct {
	ParentCaseID string   `json:"parentCaseId"`
	CaseID       string   `json:"caseId"`
	OpenedBy     string   `json:"openedBy"`
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

func (e *Engine) handleAppeal(ctx context.Context, rq *request) (*response, error) {
	var req appealRequest
	if err := decodeInto(rq, &req); err != nil {
		return nil, err
	}
	runID := rq.httpReq.PathValue("runId")
	prev, err := e.expectedPrev(ctx, rq, settlement.RunSubject(runID))
	if err != nil {
		return nil, err
	}
	cs, err := e.court.OpenAppeal(ctx, rq.tenantID, req.ParentCaseID, arbitration.AppealInput{
		CaseID:       req.CaseID,
		OpenedBy:     req.OpenedBy,
		Reason:       req.Reason,
		EvidenceRefs: req.EvidenceRefs,
	}, prev)
	if err != nil {
		return nil, err
	}
	return created(map[string]any{"case": cs}), nil
}

func (e *Engine) handleDisputeGet(ctx context.Context, rq *request) (*response, error) {
	d, err := e.court.GetDispute(rq.tenantID, rq.httpReq.PathValue("disputeId"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"dispute": d}), nil
}

func (e *Engine) handleCaseGet(ctx context.Context, rq *request) (*response, error) {
	cs, err := e.court.View(rq.tenantID, rq.httpReq.PathValue("caseId"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"case": cs}), nil
}

func (e *Engine) handleCaseLineage(ctx context.Context, rq *request) (*response, error) {
	lineage, err := e.court.Lineage(rq.tenantID, rq.httpReq.PathValue("caseId"))
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"lineage": lineage}), nil
}

// handleRunEvents exposes a run's full chain for audit, with the verification
// result of re-walking every link.
func (e *Engine) handleRunEvents(ctx context.Context, rq *request) (*response, error) {
	runID := rq.httpReq.PathValue("runId")
	events, err := e.log.List(ctx, rq.tenantID, settlement.RunSubject(runID))
	if err != nil {
		if err == ledger.ErrSubjectNotFound {
			events = nil
		} else {
			return nil, err
		}
	}
	broken := ledger.VerifyChain(events)
	return ok(map[string]any{
		"runId":       runID,
		"events":      events,
		"intact":      broken == -1,
		"brokenIndex": broken,
	}), nil
}
