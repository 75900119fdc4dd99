package artifact

import (
	"bytes"
	"strings"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
)

// Conformance schema tags. The report and cert nest their payloads under
// reportCore/certCore so the hash field covers the core alone and
// generatedAt can differ between otherwise identical runs.
const (
	ReportSchemaVersion = "ConformanceRunReport.v1"
	CertSchemaVersion   = "ConformanceCertBundle.v1"
	CasesSchemaVersion  = "ConformanceCases.v1"
)

// Conformance grades.
const (
	GradeConformant    = "conformant"
	GradeNonconformant = "nonconformant"
)

// Pairing diagnostics enumerated by strict cert validation.
const (
	DiagReportHashMismatch   = "REPORT_HASH_MISMATCH"
	DiagReportCoreMismatch   = "REPORT_CORE_MISMATCH"
	DiagReportSchemaMismatch = "REPORT_SCHEMA_MISMATCH"
)

// CaseResult is one conformance case outcome.
type CaseResult struct {
	CaseID       string   `json:"caseId"`
	Status       string   `json:"status"` // "pass" or "fail"
	InvariantIDs []string `json:"invariantIds"`
	Diagnostics  []string `json:"diagnostics,omitempty"`
}

// RunReportInput describes one conformance suite execution.
type RunReportInput struct {
	Suite         string
	PackVersion   string
	EngineVersion string
	Results       []CaseResult
}

// BuildRunReport seals a ConformanceRunReport.v1 over the suite results.
// reportHash covers reportCore only.
func (b *Builder) BuildRunReport(in RunReportInput) (map[string]any, error) {
	if in.Suite == "" || len(in.Results) == 0 {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "suite and results are required")
	}
	var passed, failed int
	results := make([]any, 0, len(in.Results))
	for _, r := range in.Results {
		switch r.Status {
		case "pass":
			passed++
		case "fail":
			failed++
		default:
			return nil, apierror.New(apierror.CodeSchemaInvalid,
				"case %s has status %q, want pass or fail", r.CaseID, r.Status)
		}
		entry := map[string]any{
			"caseId":       r.CaseID,
			"status":       r.Status,
			"invariantIds": toAnySlice(r.InvariantIDs),
		}
		if len(r.Diagnostics) > 0 {
			entry["diagnostics"] = toAnySlice(r.Diagnostics)
		}
		results = append(results, entry)
	}
	grade := GradeConformant
	if failed > 0 {
		grade = GradeNonconformant
	}
	core := map[string]any{
		"schemaVersion": ReportSchemaVersion,
		"generatedAt":   b.clock().UTC().Format(time.RFC3339Nano),
		"reportCore": map[string]any{
			"pack": map[string]any{
				"suite":         in.Suite,
				"packVersion":   in.PackVersion,
				"engineVersion": in.EngineVersion,
			},
			"casesSchemaVersion": CasesSchemaVersion,
			"summary": map[string]any{
				"total":  len(in.Results),
				"passed": passed,
				"failed": failed,
				"grade":  grade,
			},
			"results": results,
		},
	}
	return envelope.SealSchema(core, b.signer)
}

// BuildCertBundle issues a ConformanceCertBundle.v1 over a sealed report.
// The certificate embeds the full reportCore and pins its hash and schema
// version, so the pair is verifiable offline as a unit. The report's hash is
// recomputed before certifying; an inconsistent report is refused.
func (b *Builder) BuildCertBundle(report map[string]any) (map[string]any, error) {
	reportHash, _ := report["reportHash"].(string)
	reportCore, _ := report["reportCore"].(map[string]any)
	if reportHash == "" || reportCore == nil {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "report is not sealed")
	}
	computed, err := canonical.Hash(reportCore)
	if err != nil {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "reportCore does not canonicalize: %v", err)
	}
	if !crypto.ConstantTimeHexEqual(computed, reportHash) {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "reportHash does not match its reportCore")
	}
	core := map[string]any{
		"schemaVersion": CertSchemaVersion,
		"generatedAt":   b.clock().UTC().Format(time.RFC3339Nano),
		"certCore": map[string]any{
			"reportSchemaVersion": report["schemaVersion"],
			"reportHash":          reportHash,
			"reportCore":          reportCore,
		},
	}
	return envelope.SealSchema(core, b.signer)
}

// VerifyCertBundle strictly validates a standalone certificate: the envelope
// hash and signature must verify, and the embedded reportCore must recompute
// to the pinned reportHash. This is the offline path a third party uses when
// handed only the cert.
func VerifyCertBundle(cert map[string]any, resolve envelope.KeyResolver) error {
	if sv, _ := cert["schemaVersion"].(string); sv != CertSchemaVersion {
		return apierror.New(apierror.CodeSchemaInvalid, "expected schemaVersion %s", CertSchemaVersion)
	}
	if err := envelope.VerifySchema(cert, resolve); err != nil {
		return err
	}
	certCore, _ := cert["certCore"].(map[string]any)
	if certCore == nil {
		return apierror.New(apierror.CodeSchemaInvalid, "certificate carries no certCore")
	}
	reportCore, _ := certCore["reportCore"].(map[string]any)
	if reportCore == nil {
		return apierror.New(apierror.CodeSchemaInvalid, "certCore embeds no reportCore")
	}
	computed, err := canonical.Hash(reportCore)
	if err != nil {
		return apierror.New(apierror.CodeSchemaInvalid, "embedded reportCore does not canonicalize: %v", err)
	}
	pinned, _ := certCore["reportHash"].(string)
	if !crypto.ConstantTimeHexEqual(computed, pinned) {
		return apierror.New(apierror.CodeSchemaInvalid,
			"certCore reportHash does not match the embedded reportCore").
			WithDetail("diagnostics", []string{DiagReportHashMismatch})
	}
	if rsv, _ := certCore["reportSchemaVersion"].(string); rsv != ReportSchemaVersion {
		return apierror.New(apierror.CodeSchemaInvalid,
			"certCore pins reportSchemaVersion %q, want %s", rsv, ReportSchemaVersion).
			WithDetail("diagnostics", []string{DiagReportSchemaMismatch})
	}
	return nil
}

// ValidateCertPair strictly cross-validates a report/cert pair: both
// envelopes must verify on their own, and every pairing between them must
// hold — pinned hash against the report's hash, embedded core against the
// report's core byte-for-byte, pinned schema version against the report's.
// Broken pairings are enumerated together in the error's diagnostics detail.
func ValidateCertPair(report, cert map[string]any, resolve envelope.KeyResolver) error {
	if sv, _ := report["schemaVersion"].(string); sv != ReportSchemaVersion {
		return apierror.New(apierror.CodeSchemaInvalid, "expected report schemaVersion %s", ReportSchemaVersion)
	}
	if err := envelope.VerifySchema(report, resolve); err != nil {
		return err
	}
	if err := VerifyCertBundle(cert, resolve); err != nil {
		return err
	}

	certCore := cert["certCore"].(map[string]any)
	var diags []string
	pinnedHash, _ := certCore["reportHash"].(string)
	actualHash, _ := report["reportHash"].(string)
	if !crypto.ConstantTimeHexEqual(pinnedHash, actualHash) {
		diags = append(diags, DiagReportHashMismatch)
	}
	certBytes, err := canonical.Encode(certCore["reportCore"])
	if err != nil {
		return apierror.New(apierror.CodeSchemaInvalid, "embedded reportCore does not canonicalize: %v", err)
	}
	reportBytes, err := canonical.Encode(report["reportCore"])
	if err != nil {
		return apierror.New(apierror.CodeSchemaInvalid, "report reportCore does not canonicalize: %v", err)
	}
	if !bytes.Equal(certBytes, reportBytes) {
		diags = append(diags, DiagReportCoreMismatch)
	}
	if certCore["reportSchemaVersion"] != report["schemaVersion"] {
		diags = append(diags, DiagReportSchemaMismatch)
	}
	if len(diags) > 0 {
		return apierror.New(apierror.CodeSchemaInvalid,
			"certificate does not pair with the report: %s", strings.Join(diags, ", ")).
			WithDetail("diagnostics", diags)
	}
	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
