// Package crypto provides the hashing, Ed25519 signing, and HMAC primitives
// the settlement kernel builds its hash-chained artifacts on.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256HexString hashes the UTF-8 bytes of s.
func SHA256HexString(s string) string {
	return SHA256Hex([]byte(s))
}

// ConstantTimeHexEqual compares two hex strings without leaking timing.
func ConstantTimeHexEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// DefaultWebhookTolerance bounds how stale a webhook timestamp may be.
const DefaultWebhookTolerance = 300 * time.Second

// WebhookSignature computes the HMAC-SHA256 over "{ts}.{body}" with the
// shared secret, hex encoded.
func WebhookSignature(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a webhook HMAC against the shared secret,
// rejecting timestamps outside the tolerance window. tolerance <= 0 uses
// DefaultWebhookTolerance. Comparison is timing safe.
func VerifyWebhookSignature(secret []byte, ts int64, body []byte, signatureHex string, tolerance time.Duration, now time.Time) error {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(tolerance/time.Second) {
		return fmt.Errorf("webhook timestamp outside tolerance (%ds drift)", drift)
	}
	want := WebhookSignature(secret, ts, body)
	if !ConstantTimeHexEqual(want, signatureHex) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}
