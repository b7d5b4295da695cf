// Package webhooks authenticates, classifies and applies provider webhook deliveries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/google/go-github/v57/github"
)

const signaturePrefix = "sha256="

// ErrSecretNotConfigured reports that no webhook secret is available, a server
// misconfiguration rather than an authentication failure.
var ErrSecretNotConfigured = errors.New("webhooks: secret not configured")

// Verifier checks "sha256=<hex>" HMAC signatures against a shared secret.
// The secret can be replaced at runtime, for example when configuration is
// reloaded.
type Verifier struct {
	secret atomic.Pointer[string]
}

// NewVerifier constructs a Verifier holding secret. An empty secret is
// allowed and makes every verification fail with ErrSecretNotConfigured.
func NewVerifier(secret string) *Verifier {
	verifier := &Verifier{}
	verifier.SetSecret(secret)
	return verifier
}

// SetSecret replaces the shared secret.
func (v *Verifier) SetSecret(secret string) {
	trimmed := strings.TrimSpace(secret)
	v.secret.Store(&trimmed)
}

// Configured reports whether a secret is present.
func (v *Verifier) Configured() bool {
	return v.currentSecret() != ""
}

func (v *Verifier) currentSecret() string {
	if v == nil {
		return ""
	}
	secret := v.secret.Load()
	if secret == nil {
		return ""
	}
	return *secret
}

// Verify reports whether signature authenticates body. Malformed or missing
// signatures are a false verdict, never an error; the only error is a missing
// secret.
func (v *Verifier) Verify(body []byte, signature string) (bool, error) {
	secret := v.currentSecret()
	if secret == "" {
		return false, ErrSecretNotConfigured
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false, nil
	}
	return github.ValidateSignature(signature, body, []byte(secret)) == nil, nil
}

// ComputeSignature returns the signature header value for body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
