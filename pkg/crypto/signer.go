package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadHashHex is returned when a hash is not 64 hex characters.
var ErrBadHashHex = errors.New("crypto: hash must be 64 lowercase hex characters")

// SignHashHex signs the 32 raw bytes of a SHA-256 hex digest with an
// Ed25519 private key in PEM form. Returns a base64 signature.
func SignHashHex(hashHex, privatePEM string) (string, error) {
	raw, err := decodeHash(hashHex)
	if err != nil {
		return "", err
	}
	priv, err := ParsePrivatePEM(privatePEM)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, raw)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyHashHex verifies a base64 Ed25519 signature over the raw bytes of a
// SHA-256 hex digest against a public key in PEM form.
func VerifyHashHex(hashHex, signatureBase64, publicPEM string) (bool, error) {
	raw, err := decodeHash(hashHex)
	if err != nil {
		return false, err
	}
	pub, err := ParsePublicPEM(publicPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("crypto: signature is not base64: %w", err)
	}
	return ed25519.Verify(pub, raw, sig), nil
}

func decodeHash(hashHex string) ([]byte, error) {
	if len(hashHex) != 64 {
		return nil, ErrBadHashHex
	}
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, ErrBadHashHex
	}
	return raw, nil
}
