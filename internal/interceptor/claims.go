package interceptor

import (
	"fmt"
	"strings"

	"github.com/alexjbarnes/toolgate/internal/auth"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity claims read from a bearer token. Providers
// differ in which ones they send: OIDC ID tokens carry
// preferred_username, Cognito access tokens carry username.
type Claims struct {
	jwt.RegisteredClaims
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Username          string `json:"username,omitempty"`
}

// ParseClaims decodes token without verifying its signature or expiry.
// Only call it on tokens the gateway has already verified.
func ParseClaims(token string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &Claims{}

	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedClaims, err)
	}

	return claims, nil
}

func claimsFromIdentity(id *auth.Identity) *Claims {
	c := &Claims{
		Name:              id.Name,
		Email:             id.Email,
		PreferredUsername: id.PreferredUsername,
		Username:          id.Username,
	}
	c.Subject = id.Subject

	return c
}

// Identity returns the first non-empty of sub, preferred_username,
// username and email.
func (c *Claims) Identity() string {
	for _, v := range []string{c.Subject, c.PreferredUsername, c.Username, c.Email} {
		if v != "" {
			return v
		}
	}

	return ""
}

// DisplayName returns name, then preferred_username, then the local part
// of the identity.
func (c *Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}

	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}

	local, _, _ := strings.Cut(c.Identity(), "@")

	return local
}
