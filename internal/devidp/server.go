package devidp

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Endpoint paths served by Handler.
const (
	PathAuthorize      = "/oauth/authorize"
	PathToken          = "/oauth/token"
	PathRegister       = "/oauth/register"
	PathJWKS           = "/jwks.json"
	PathOIDCConfig     = "/.well-known/openid-configuration"
	PathServerMetadata = "/.well-known/oauth-authorization-server"
)

// maxRequestBody caps form and JSON request bodies.
const maxRequestBody = 64 << 10

// Config controls a Server.
type Config struct {
	// Issuer is the externally visible base URL, e.g. http://127.0.0.1:9400.
	Issuer string
	Users  Users
	// ClientIDs are pre-registered public clients restricted to loopback
	// redirect URIs.
	ClientIDs []string
	// Audience is put in the aud claim. Empty means the client ID.
	Audience            string
	Scopes              []string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	RotateRefreshTokens bool
}

// Server is the development authorization server.
type Server struct {
	cfg     Config
	store   *Store
	signer  *Signer
	limiter *loginRateLimiter
	logger  *slog.Logger
}

// New creates a Server. Call Close to stop its background cleanup.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("devidp: issuer is required")
	}

	if len(cfg.Users) == 0 {
		return nil, errors.New("devidp: at least one user is required")
	}

	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}

	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}

	signer, err := NewSigner(cfg.Issuer, cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("devidp: %w", err)
	}

	store := NewStore()
	for _, id := range cfg.ClientIDs {
		store.RegisterClient(&Client{ClientID: id, ClientName: id})
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		signer:  signer,
		limiter: newLoginRateLimiter(),
		logger:  logger,
	}, nil
}

// Close stops background cleanup.
func (s *Server) Close() {
	s.store.Stop()
}

// Issuer returns the normalised issuer URL.
func (s *Server) Issuer() string { return s.cfg.Issuer }

// PublicKey returns the token verification key.
func (s *Server) PublicKey() crypto.PublicKey { return s.signer.PublicKey() }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathOIDCConfig, s.handleMetadata)
	mux.HandleFunc(PathServerMetadata, s.handleMetadata)
	mux.HandleFunc(PathJWKS, s.handleJWKS)
	mux.HandleFunc(PathRegister, s.handleRegistration)
	mux.HandleFunc(PathAuthorize, s.handleAuthorize)
	mux.HandleFunc(PathToken, s.handleToken)

	return mux
}

// Metadata is served for both RFC 8414 and OpenID discovery. go-oidc
// requires issuer and jwks_uri; the PKCE client only needs the two
// endpoints.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
}

func (s *Server) metadata() Metadata {
	return Metadata{
		Issuer:                            s.cfg.Issuer,
		AuthorizationEndpoint:             s.cfg.Issuer + PathAuthorize,
		TokenEndpoint:                     s.cfg.Issuer + PathToken,
		RegistrationEndpoint:              s.cfg.Issuer + PathRegister,
		JWKSURI:                           s.cfg.Issuer + PathJWKS,
		ScopesSupported:                   s.cfg.Scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ClaimsSupported:                   []string{"sub", "name", "email", "preferred_username", "client_id", "scope"},
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(s.metadata())
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.signer.JWKS())
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
