// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"
)

// TokenSet is the persisted result of a code exchange or refresh. It is
// replaced as a whole on every successful exchange, never patched.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ClientID     string    `json:"client_id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token may still be used at now.
func (t *TokenSet) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within skew of now.
// Callers refresh proactively instead of waiting for a 401.
func (t *TokenSet) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !t.Valid(now.Add(skew))
}

// CanRefresh reports whether a refresh token is available.
func (t *TokenSet) CanRefresh() bool {
	return t != nil && t.RefreshToken != ""
}

// String redacts token material so a TokenSet can be logged or printed.
func (t *TokenSet) String() string {
	return fmt.Sprintf("TokenSet{client_id=%s tenant_id=%s expires_at=%s refresh=%t}",
		t.ClientID, t.TenantID, t.ExpiresAt.Format(time.RFC3339), t.RefreshToken != "")
}

// AuthorizationResult is what the redirect listener captured. It is
// consumed by the code exchange immediately and never persisted.
type AuthorizationResult struct {
	Code  string
	State string
}
