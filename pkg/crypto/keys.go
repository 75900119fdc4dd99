package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/nooterra-labs/settld/core/pkg/canonical"
)

var (
	// ErrInvalidPEM is returned when key material does not decode.
	ErrInvalidPEM = errors.New("crypto: invalid PEM key material")
	// ErrNotEd25519 is returned for keys of any other algorithm.
	ErrNotEd25519 = errors.New("crypto: key is not ed25519")
)

// Keypair holds a freshly generated Ed25519 keypair in PEM form.
type Keypair struct {
	PublicPEM  string
	PrivatePEM string
}

// GenerateKeypair creates a new Ed25519 keypair encoded as PKIX/PKCS8 PEM.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	return &Keypair{
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, nil
}

// ParsePublicPEM decodes an Ed25519 public key from PEM.
func ParsePublicPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return pub, nil
}

// ParsePrivatePEM decodes an Ed25519 private key from PEM.
func ParsePrivatePEM(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return priv, nil
}

// JWKThumbprint returns the full SHA-256 hex digest of the canonical JWK
// form of an Ed25519 public key (RFC 7638 over {"crv","kty","x"}).
func JWKThumbprint(pub ed25519.PublicKey) (string, error) {
	jwk := map[string]any{
		"crv": "Ed25519",
		"kty": "OKP",
		"x":   base64.RawURLEncoding.EncodeToString(pub),
	}
	return canonical.Hash(jwk)
}

// KeyIDFromPublicPEM derives the external display key ID: the first 16 hex
// characters of the canonical JWK thumbprint.
func KeyIDFromPublicPEM(pemStr string) (string, error) {
	pub, err := ParsePublicPEM(pemStr)
	if err != nil {
		return "", err
	}
	tp, err := JWKThumbprint(pub)
	if err != nil {
		return "", err
	}
	return tp[:16], nil
}

// ThumbprintFromPublicPEM returns the full JWK thumbprint for a PEM key.
func ThumbprintFromPublicPEM(pemStr string) (string, error) {
	pub, err := ParsePublicPEM(pemStr)
	if err != nil {
		return "", err
	}
	return JWKThumbprint(pub)
}
