package devidp

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signingKeyBits = 2048

// AccessClaims is the access token body. The profile claims are what
// the gateway interceptor reads to personalise tool calls.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID          string `json:"client_id"`
	Scope             string `json:"scope,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// Signer issues RS256 access tokens with a per-process key.
type Signer struct {
	key    *rsa.PrivateKey
	keyID  string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner generates a fresh signing key.
func NewSigner(issuer string, ttl time.Duration) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	return &Signer{
		key:    key,
		keyID:  uuid.NewString(),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() crypto.PublicKey {
	return &s.key.PublicKey
}

// Issue signs an access token for user. audience defaults to clientID.
func (s *Signer) Issue(user User, clientID, audience string, scopes []string) (string, time.Time, error) {
	if audience == "" {
		audience = clientID
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.Username,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		ClientID:          clientID,
		Scope:             strings.Join(scopes, " "),
		Name:              user.Name,
		Email:             user.Email,
		PreferredUsername: user.Username,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keyID

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}

	return signed, expiresAt, nil
}

// JWKS returns the public key set served at /jwks.json.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &s.key.PublicKey,
			KeyID:     s.keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}
}
