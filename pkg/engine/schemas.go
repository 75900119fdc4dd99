package engine

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas, enforced at the boundary before any handler runs.
// Validation failures surface as SCHEMA_INVALID without touching kernel state.
const (
	gateCreateSchema = `{
		"type": "object",
		"required": ["runId", "payerAgentId", "payeeAgentId", "amountCents", "currency"],
		"properties": {
			"gateId": {"type": "string"},
			"runId": {"type": "string", "minLength": 1},
			"payerAgentId": {"type": "string", "minLength": 1},
			"payeeAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"toolId": {"type": "string"},
			"policy": {"type": "object"},
			"agentPassport": {"type": "object"}
		},
		"additionalProperties": false
	}`

	gateAuthorizeSchema = `{
		"type": "object",
		"required": ["gateId"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"agentKeyId": {"type": "string"},
			"issuerDecisionToken": {"type": "object"}
		},
		"additionalProperties": false
	}`

	gateVerifySchema = `{
		"type": "object",
		"required": ["gateId", "verificationStatus"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"verificationStatus": {"enum": ["green", "amber", "red"]},
			"verificationMethod": {"type": "string"},
			"verificationPolicy": {"type": "object"},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}},
			"providerSignature": {"type": "string"},
			"providerKeyId": {"type": "string"},
			"providerResponseBase64": {"type": "string"},
			"providerQuote": {"type": "object"},
			"quoteSha256": {"type": "string"},
			"providerQuoteSignature": {"type": "string"},
			"providerQuoteKeyId": {"type": "string"}
		},
		"additionalProperties": false
	}`

	reversalCommandSchema = `{
		"type": "object",
		"required": ["schemaVersion", "commandId", "action", "target", "signature"],
		"properties": {
			"schemaVersion": {"const": "X402ReversalCommand.v1"},
			"commandId": {"type": "string", "minLength": 1},
			"action": {"enum": ["void_authorization", "request_refund", "resolve_refund"]},
			"target": {
				"type": "object",
				"required": ["gateId"],
				"properties": {
					"gateId": {"type": "string", "minLength": 1},
					"receiptHash": {"type": "string"}
				}
			},
			"signature": {"type": "object"}
		}
	}`

	disputeOpenSchema = `{
		"type": "object",
		"required": ["gateId", "openedBy"],
		"properties": {
			"disputeId": {"type": "string"},
			"gateId": {"type": "string", "minLength": 1},
			"openedBy": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"disputeType": {"type": "string"},
			"disputePriority": {"type": "string"},
			"disputeChannel": {"type": "string"},
			"escalationLevel": {"type": "integer", "minimum": 0},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`

	disputeCloseSchema = `{
		"type": "object",
		"required": ["disputeId"],
		"properties": {
			"disputeId": {"type": "string", "minLength": 1},
			"closeEvidence": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`

	arbitrationOpenSchema = `{
		"type": "object",
		"required": ["disputeId"],
		"properties": {
			"caseId": {"type": "string"},
			"disputeId": {"type": "string", "minLength": 1},
			"openedBy": {"type": "string"},
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`

	arbitrationCloseSchema = `{
		"type": "object",
		"required": ["caseId"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	verdictRequestSchema = `{
		"type": "object",
		"required": ["caseId", "verdict"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"verdict": {
				"type": "object",
				"required": [
					"schemaVersion", "verdictId", "caseId", "tenantId", "runId",
					"settlementId", "disputeId", "arbiterAgentId", "outcome",
					"releaseRatePct", "rationale", "evidenceRefs", "issuedAt",
					"appealRef", "signature"
				]
			}
		},
		"additionalProperties": false
	}`

	appealSchema = `{
		"type": "object",
		"required": ["parentCaseId", "openedBy"],
		"properties": {
			"parentCaseId": {"type": "string", "minLength": 1},
			"caseId": {"type": "string"},
			"openedBy": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`

	agentRegisterSchema = `{
		"type": "object",
		"required": ["agentId", "displayName"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"displayName": {"type": "string", "minLength": 1},
			"owner": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"publicKeyPem": {"type": "string"}
		},
		"additionalProperties": false
	}`

	agentKeySchema = `{
		"type": "object",
		"required": ["publicKeyPem"],
		"properties": {
			"publicKeyPem": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	walletOpenSchema = `{
		"type": "object",
		"required": ["agentId", "currency"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"creditCents": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`

	anchorSchema = `{
		"type": "object",
		"required": ["coordinatorId", "publicKeysPem"],
		"properties": {
			"coordinatorId": {"type": "string", "minLength": 1},
			"publicKeysPem": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"additionalProperties": false
	}`

	anchorRevokeSchema = `{
		"type": "object",
		"required": ["coordinatorId"],
		"properties": {
			"coordinatorId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	fedInvokeSchema = `{
		"type": "object",
		"required": ["schemaVersion", "invokeId", "coordinatorId", "operation", "trust", "signature"],
		"properties": {
			"schemaVersion": {"const": "FederationInvoke.v1"},
			"invokeId": {"type": "string", "minLength": 1},
			"coordinatorId": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "minLength": 1},
			"trust": {
				"type": "object",
				"required": ["anchorVersion"],
				"properties": {
					"anchorVersion": {"type": "integer", "minimum": 1}
				}
			},
			"signature": {"type": "object"}
		}
	}`

	fedResultSchema = `{
		"type": "object",
		"required": ["invoke", "result"],
		"properties": {
			"invoke": {"type": "object"},
			"result": {
				"type": "object",
				"required": ["schemaVersion", "invokeEnvelopeHash", "trust", "signature"]
			}
		},
		"additionalProperties": false
	}`

	fedForwardSchema = `{
		"type": "object",
		"required": ["targetId", "operation"],
		"properties": {
			"targetId": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "minLength": 1},
			"payload": {"type": "object"},
			"sealTranscript": {"type": "boolean"}
		},
		"additionalProperties": false
	}`
)

type schemaSet struct {
	gateCreate       *jsonschema.Schema
	gateAuthorize    *jsonschema.Schema
	gateVerify       *jsonschema.Schema
	reversalCommand  *jsonschema.Schema
	disputeOpen      *jsonschema.Schema
	disputeClose     *jsonschema.Schema
	arbitrationOpen  *jsonschema.Schema
	arbitrationClose *jsonschema.Schema
	verdict          *jsonschema.Schema
	appeal           *jsonschema.Schema
	agentRegister    *jsonschema.Schema
	agentKey         *jsonschema.Schema
	walletOpen       *jsonschema.Schema
	anchor           *jsonschema.Schema
	anchorRevoke     *jsonschema.Schema
	fedInvoke        *jsonschema.Schema
	fedResult        *jsonschema.Schema
	fedForward       *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("engine: schema %s: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("engine: schema %s: %w", name, err)
		}
		return sch, nil
	}

	var (
		s   schemaSet
		err error
	)
	specs := []struct {
		name string
		src  string
		dst  **jsonschema.Schema
	}{
		{"gate_create.json", gateCreateSchema, &s.gateCreate},
		{"gate_authorize.json", gateAuthorizeSchema, &s.gateAuthorize},
		{"gate_verify.json", gateVerifySchema, &s.gateVerify},
		{"reversal_command.json", reversalCommandSchema, &s.reversalCommand},
		{"dispute_open.json", disputeOpenSchema, &s.disputeOpen},
		{"dispute_close.json", disputeCloseSchema, &s.disputeClose},
		{"arbitration_open.json", arbitrationOpenSchema, &s.arbitrationOpen},
		{"arbitration_close.json", arbitrationCloseSchema, &s.arbitrationClose},
		{"verdict.json", verdictRequestSchema, &s.verdict},
		{"appeal.json", appealSchema, &s.appeal},
		{"agent_register.json", agentRegisterSchema, &s.agentRegister},
		{"agent_key.json", agentKeySchema, &s.agentKey},
		{"wallet_open.json", walletOpenSchema, &s.walletOpen},
		{"anchor.json", anchorSchema, &s.anchor},
		{"anchor_revoke.json", anchorRevokeSchema, &s.anchorRevoke},
		{"fed_invoke.json", fedInvokeSchema, &s.fedInvoke},
		{"fed_result.json", fedResultSchema, &s.fedResult},
		{"fed_forward.json", fedForwardSchema, &s.fedForward},
	}
	for _, spec := range specs {
		if *spec.dst, err = compile(spec.name, spec.src); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
