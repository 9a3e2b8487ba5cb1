// Package signature verifies gateway HMAC signatures computed over a
// payload-supplied, ordered list of field names.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Verification failures. Verify never panics; malformed input maps onto one of these.
var (
	ErrNoSecret         = errors.New("signature: secret not configured")
	ErrMissingSignature = errors.New("signature: missing signature")
	ErrMissingKeys      = errors.New("signature: signatureKeys missing")
	ErrInvalidKeys      = errors.New("signature: signatureKeys is not a list of strings")
	ErrMismatch         = errors.New("signature: mismatch")
)

// Verifier checks HMAC-SHA256 signatures using one canonicalisation variant.
type Verifier struct {
	Canonical Canonicalizer
}

// NewVerifier returns a Verifier for the given variant, defaulting to Concat.
func NewVerifier(c Canonicalizer) Verifier {
	if c == nil {
		c = Concat
	}
	return Verifier{Canonical: c}
}

// Verify reports whether received is the hex HMAC of the canonical string
// built from keys and fields. Keys absent from fields are skipped.
func (v Verifier) Verify(secret string, keys []string, fields map[string]string, received string) (bool, error) {
	if secret == "" {
		return false, ErrNoSecret
	}
	received = strings.TrimSpace(received)
	if received == "" {
		return false, ErrMissingSignature
	}
	if keys == nil {
		return false, ErrMissingKeys
	}
	provided, err := hex.DecodeString(received)
	if err != nil {
		return false, ErrMismatch
	}
	if !hmac.Equal(mac(secret, v.canonical()(keys, fields)), provided) {
		return false, ErrMismatch
	}
	return true, nil
}

// Sign returns the hex signature the gateway would send for keys and fields.
func (v Verifier) Sign(secret string, keys []string, fields map[string]string) string {
	return Sign(secret, v.canonical()(keys, fields))
}

func (v Verifier) canonical() Canonicalizer {
	if v.Canonical == nil {
		return Concat
	}
	return v.Canonical
}

// Sign returns hex(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	return hex.EncodeToString(mac(secret, message))
}

func mac(secret, message string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return h.Sum(nil)
}
