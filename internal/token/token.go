// Package token mints and verifies the three credential tiers: build tokens,
// worker tokens, and VM tokens, plus the one-time passwords that VMs exchange
// for a VM token.
//
// Tokens are opaque random strings; there is nothing to decode and no signing
// key to rotate. Possession is the whole credential, which is why token values
// must never reach logs or error messages.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// tokenBytes gives 192 bits of entropy per token.
const tokenBytes = 24

// New mints a fresh opaque token, URL-safe and padding-free.
func New() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustNew is New for callers that treat entropy exhaustion as fatal,
// such as test fixtures and startup paths.
func MustNew() string {
	t, err := New()
	if err != nil {
		panic(err)
	}
	return t
}

// Equal compares a presented credential against the stored one in constant
// time. Empty stored credentials never match anything.
func Equal(presented, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}

// Expired reports whether a credential with the given expiry is past it.
// A nil expiry means the credential does not expire.
func Expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}

// keychainPasswordLen matches what macOS security(1) tooling accepts without
// quoting headaches: alphanumeric only.
const keychainPasswordLen = 32

const keychainAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewKeychainPassword mints a fresh password for the ephemeral VM keychain.
func NewKeychainPassword() (string, error) {
	buf := make([]byte, keychainPasswordLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = keychainAlphabet[int(b)%len(keychainAlphabet)]
	}
	return string(buf), nil
}
