// Package pkce generates Proof Key for Code Exchange parameters (RFC 7636)
// for a single authorization attempt.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"golang.org/x/oauth2"
)

const (
	// verifierBytes gives 256 bits of entropy and encodes to 43 characters.
	verifierBytes = 32

	// stateBytes is the number of random bytes for the anti-CSRF state.
	stateBytes = 32

	minVerifierLen = 43
	maxVerifierLen = 128

	// MethodS256 is the only challenge method this client sends.
	MethodS256 = "S256"
)

// Session holds the PKCE parameters of one authorization attempt. It is
// immutable once created and is discarded after the code exchange
// succeeds or the attempt times out.
type Session struct {
	Verifier    string
	Challenge   string
	Method      string
	RedirectURI string
	State       string
}

// Generate creates a fresh session with a random verifier and state.
// It only fails when the system random source is unavailable, which is
// not retryable.
func Generate(redirectURI string) (*Session, error) {
	return generate(rand.Reader, redirectURI)
}

func generate(r io.Reader, redirectURI string) (*Session, error) {
	verifier, err := randomString(r, verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generating code verifier: %w", err)
	}

	state, err := randomString(r, stateBytes)
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	return &Session{
		Verifier:    verifier,
		Challenge:   Challenge(verifier),
		Method:      MethodS256,
		RedirectURI: redirectURI,
		State:       state,
	}, nil
}

// NewSession rebuilds a session around a known verifier. The verifier
// must satisfy RFC 7636 section 4.1.
func NewSession(verifier, redirectURI, state string) (*Session, error) {
	if !ValidVerifier(verifier) {
		return nil, fmt.Errorf("invalid code verifier (must be %d-%d unreserved characters)", minVerifierLen, maxVerifierLen)
	}

	return &Session{
		Verifier:    verifier,
		Challenge:   Challenge(verifier),
		Method:      MethodS256,
		RedirectURI: redirectURI,
		State:       state,
	}, nil
}

// Challenge returns base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidVerifier reports whether v has an allowed length and only
// contains unreserved characters: ALPHA / DIGIT / "-" / "." / "_" / "~".
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLen || len(v) > maxVerifierLen {
		return false
	}

	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}

	return true
}

func randomString(r io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrRandomUnavailable, err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
