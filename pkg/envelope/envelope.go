// Package envelope builds and verifies signed, canonically hashed envelopes.
// An envelope is the core map plus a schema-specific hash field and an
// ed25519 signature block over that hash.
package envelope

import (
	"github.com/nooterra-labs/settld/core/pkg/apierror"
	"github.com/nooterra-labs/settld/core/pkg/canonical"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
)

// Signature is the detached signature block embedded in envelopes.
type Signature struct {
	Algorithm       string `json:"algorithm"`
	KeyID           string `json:"keyId"`
	SignatureBase64 string `json:"signatureBase64"`
}

// hashFieldBySchema maps schemaVersion tags to their envelope hash field.
// Schemas not listed here fall back to "artifactHash".
var hashFieldBySchema = map[string]string{
	"X402ReceiptRecord.v1":     "receiptHash",
	"X402ReversalCommand.v1":   "payloadHash",
	"ArbitrationVerdict.v1":    "verdictHash",
	"SessionReplayPack.v1":     "packHash",
	"SessionTranscript.v1":     "transcriptHash",
	"ConformanceRunReport.v1":  "reportHash",
	"ConformanceCertBundle.v1": "certHash",
	"JobProof.v1":              "proofHash",
	"MonthProof.v1":            "proofHash",
	"FinancePack.v1":           "packHash",
	"FederationInvoke.v1":      "envelopeHash",
	"FederationResult.v1":      "envelopeHash",
}

// coreFieldBySchema marks schemas whose hash covers a single nested core
// object rather than the whole stripped document. The conformance pair nests
// its payload so a cert bundle alone can recompute the report hash from the
// reportCore it embeds; top-level metadata like generatedAt stays outside
// the hash.
var coreFieldBySchema = map[string]string{
	"ConformanceRunReport.v1":  "reportCore",
	"ConformanceCertBundle.v1": "certCore",
}

const defaultHashField = "artifactHash"

// HashFieldFor returns the envelope hash field for a schemaVersion tag.
func HashFieldFor(schemaVersion string) string {
	if f, ok := hashFieldBySchema[schemaVersion]; ok {
		return f
	}
	return defaultHashField
}

// Signer signs canonical core hashes. Implementations bind a key ID.
type Signer interface {
	KeyID() string
	SignHash(hashHex string) (string, error)
}

// KeypairSigner signs with an in-memory Ed25519 PEM keypair.
type KeypairSigner struct {
	keyID      string
	privatePEM string
}

// NewKeypairSigner derives the key ID from the public PEM.
func NewKeypairSigner(kp *crypto.Keypair) (*KeypairSigner, error) {
	keyID, err := crypto.KeyIDFromPublicPEM(kp.PublicPEM)
	if err != nil {
		return nil, err
	}
	return &KeypairSigner{keyID: keyID, privatePEM: kp.PrivatePEM}, nil
}

func (s *KeypairSigner) KeyID() string { return s.keyID }

func (s *KeypairSigner) SignHash(hashHex string) (string, error) {
	return crypto.SignHashHex(hashHex, s.privatePEM)
}

// CoreHash canonicalizes core with the hash field and signature stripped and
// returns its SHA-256 hex digest. Schemas registered in coreFieldBySchema
// hash only their nested core object instead.
func CoreHash(core map[string]any, hashField string) (string, error) {
	if schema, _ := core["schemaVersion"].(string); schema != "" {
		if coreField, nested := coreFieldBySchema[schema]; nested {
			inner, ok := core[coreField].(map[string]any)
			if !ok {
				return "", apierror.New(apierror.CodeSchemaInvalid,
					"%s envelope is missing its %s object", schema, coreField)
			}
			return hashCanonical(inner)
		}
	}
	stripped := make(map[string]any, len(core))
	for k, v := range core {
		if k == hashField || k == "signature" {
			continue
		}
		stripped[k] = v
	}
	return hashCanonical(stripped)
}

func hashCanonical(v any) (string, error) {
	hash, err := canonical.Hash(v)
	if err != nil {
		if ce, ok := err.(*canonical.Error); ok {
			return "", apierror.New(ce.Code, "%s", ce.Msg).WithPath(ce.Path)
		}
		return "", err
	}
	return hash, nil
}

// Seal hashes core (which must not already contain the hash field or a
// signature) and returns a new envelope map with the hash field and, when a
// signer is supplied, an ed25519 signature block.
func Seal(core map[string]any, hashField string, signer Signer) (map[string]any, error) {
	if hashField == "" {
		hashField = defaultHashField
	}
	if _, exists := core[hashField]; exists {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "core already carries %s", hashField)
	}
	if _, exists := core["signature"]; exists {
		return nil, apierror.New(apierror.CodeSchemaInvalid, "core already carries a signature")
	}

	coreHash, err := CoreHash(core, hashField)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(core)+2)
	for k, v := range core {
		env[k] = v
	}
	env[hashField] = coreHash

	if signer != nil {
		sigB64, err := signer.SignHash(coreHash)
		if err != nil {
			return nil, err
		}
		env["signature"] = map[string]any{
			"algorithm":       "ed25519",
			"keyId":           signer.KeyID(),
			"signatureBase64": sigB64,
		}
	}
	return env, nil
}

// SealSchema seals core using the hash field registered for its
// schemaVersion tag.
func SealSchema(core map[string]any, signer Signer) (map[string]any, error) {
	schema, _ := core["schemaVersion"].(string)
	return Seal(core, HashFieldFor(schema), signer)
}

// KeyResolver resolves a signing public key PEM by key ID.
type KeyResolver func(keyID string) (string, bool)

// Verify recomputes the core hash of an envelope and checks the embedded
// signature (when present) against the resolver. It rejects on hash
// mismatch (SIGNATURE_PAYLOAD_HASH_MISMATCH) or bad signature
// (SIGNATURE_INVALID).
func Verify(env map[string]any, hashField string, resolve KeyResolver) error {
	if hashField == "" {
		hashField = defaultHashField
	}
	claimed, _ := env[hashField].(string)
	if claimed == "" {
		return apierror.New(apierror.CodeSignaturePayloadHashMismatch, "envelope is missing %s", hashField)
	}
	recomputed, err := CoreHash(env, hashField)
	if err != nil {
		return err
	}
	if !crypto.ConstantTimeHexEqual(claimed, recomputed) {
		return apierror.New(apierror.CodeSignaturePayloadHashMismatch, "%s does not match canonical core", hashField).
			WithDetail("expected", recomputed).WithDetail("claimed", claimed)
	}

	sigRaw, hasSig := env["signature"]
	if !hasSig {
		return nil
	}
	sig, ok := sigRaw.(map[string]any)
	if !ok {
		return apierror.New(apierror.CodeSignatureInvalid, "signature block is malformed")
	}
	keyID, _ := sig["keyId"].(string)
	sigB64, _ := sig["signatureBase64"].(string)
	if keyID == "" || sigB64 == "" {
		return apierror.New(apierror.CodeSignatureInvalid, "signature block is incomplete")
	}
	if resolve == nil {
		return apierror.New(apierror.CodeSignatureInvalid, "no key resolver configured")
	}
	publicPEM, found := resolve(keyID)
	if !found {
		return apierror.New(apierror.CodeSignatureInvalid, "unknown signing key %s", keyID)
	}
	valid, err := crypto.VerifyHashHex(recomputed, sigB64, publicPEM)
	if err != nil {
		return apierror.New(apierror.CodeSignatureInvalid, "signature verification failed: %v", err)
	}
	if !valid {
		return apierror.New(apierror.CodeSignatureInvalid, "ed25519 signature does not verify")
	}
	return nil
}

// VerifySchema verifies using the schemaVersion-registered hash field.
func VerifySchema(env map[string]any, resolve KeyResolver) error {
	schema, _ := env["schemaVersion"].(string)
	return Verify(env, HashFieldFor(schema), resolve)
}
