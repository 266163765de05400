// Package webhook ingests completion callbacks from the AI worker fleet:
// signature verification, payload decoding, and the idempotent processing
// pipeline that moves messages forward and charges the credit ledger.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// ErrBadSignature is returned when the signature header is missing, not hex,
// or does not match the body.
var ErrBadSignature = errors.New("webhook: signature mismatch")

// Signer computes and verifies body signatures with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. An empty secret is a deployment error.
func NewSigner(secret string) *Signer {
	if secret == "" {
		panic("webhook signer requires non-empty secret")
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the provided hex signature against the body in constant time.
func (s *Signer) Verify(body []byte, signature string) error {
	if signature == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	if !hmac.Equal(got, h.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
