// Package auth issues and verifies the scoped bearer credentials node
// agents present on callbacks and heartbeats.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Scopes bind a token to what it may authenticate.
const (
	ScopeWorkspace = "workspace"
	ScopeNode      = "node"
)

// Signer derives deterministic per-subject tokens from a shared secret.
// The token for (scope, id) is stable, so the gateway can verify a callback
// without any token storage.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer over the shared callback secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Token returns the credential for the given scope and subject id.
func (s *Signer) Token(scope, id string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(scope + ":" + id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token is the valid credential for (scope, id),
// using a constant-time compare.
func (s *Signer) Verify(scope, id, token string) bool {
	want := s.Token(scope, id)
	return hmac.Equal([]byte(want), []byte(token))
}
