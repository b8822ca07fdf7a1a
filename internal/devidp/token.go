package devidp

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/alexjbarnes/toolgate/internal/pkce"
)

const refreshTokenBytes = 32

type tokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	ClientID     string
	RefreshToken string
	Scope        string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	req := tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}

	if req.ClientID == "" || s.store.GetClient(req.ClientID) == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	}

	switch req.GrantType {
	case "authorization_code":
		s.grantAuthorizationCode(w, req)
	case "refresh_token":
		s.grantRefreshToken(w, req)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
	}
}

func (s *Server) grantAuthorizationCode(w http.ResponseWriter, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	ac := s.store.ConsumeCode(req.Code)
	if ac == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if ac.ClientID != req.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code was issued to another client")
		return
	}

	if req.RedirectURI != ac.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if req.CodeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
		return
	}

	if !pkce.ValidVerifier(req.CodeVerifier) || !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	user, ok := s.cfg.Users[ac.UserID]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "user no longer exists")
		return
	}

	refresh := &RefreshGrant{
		Token:     RandomHex(refreshTokenBytes),
		ClientID:  ac.ClientID,
		UserID:    ac.UserID,
		Scopes:    ac.Scopes,
		ExpiresAt: s.store.now().Add(s.cfg.RefreshTokenTTL),
	}
	s.store.SaveRefresh(refresh)

	s.issue(w, user, ac.ClientID, ac.Scopes, refresh.Token)
}

func (s *Server) grantRefreshToken(w http.ResponseWriter, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	rg := s.store.LookupRefresh(req.RefreshToken, s.cfg.RotateRefreshTokens)
	if rg == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired refresh token")
		return
	}

	if rg.ClientID != req.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "refresh token was issued to another client")
		return
	}

	// RFC 6749 Section 6: the new scope must not exceed the original.
	scopes := rg.Scopes
	if req.Scope != "" {
		scopes = strings.Fields(req.Scope)
		for _, sc := range scopes {
			if !slices.Contains(rg.Scopes, sc) {
				writeJSONError(w, http.StatusBadRequest, "invalid_scope", "scope exceeds the original grant")
				return
			}
		}
	}

	user, ok := s.cfg.Users[rg.UserID]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "user no longer exists")
		return
	}

	// Without rotation the client keeps its current refresh token, so
	// none is returned.
	var next string
	if s.cfg.RotateRefreshTokens {
		next = RandomHex(refreshTokenBytes)
		s.store.SaveRefresh(&RefreshGrant{
			Token:     next,
			ClientID:  rg.ClientID,
			UserID:    rg.UserID,
			Scopes:    rg.Scopes,
			ExpiresAt: rg.ExpiresAt,
		})
	}

	s.issue(w, user, rg.ClientID, scopes, next)
}

func (s *Server) issue(w http.ResponseWriter, user User, clientID string, scopes []string, refreshToken string) {
	token, expiresAt, err := s.signer.Issue(user, clientID, s.cfg.Audience, scopes)
	if err != nil {
		s.logger.Error("issuing access token", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue token")

		return
	}

	s.logger.Info("access token issued",
		slog.String("user_id", user.Username),
		slog.String("client_id", clientID),
		slog.Time("expires_at", expiresAt),
	)

	resp := tokenResponse{
		AccessToken:  token,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        strings.Join(scopes, " "),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifyPKCE checks that the S256 challenge of verifier matches.
func verifyPKCE(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(pkce.Challenge(verifier)), []byte(challenge)) == 1
}
