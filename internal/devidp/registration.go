package devidp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.store.RegistrationAllowed() {
		writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many registrations, try again later")
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
		return
	}

	for _, uri := range req.RedirectURIs {
		if !allowedRedirect(uri) {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be https or http loopback")
			return
		}
	}

	// Public clients only: there is no client secret to authenticate with.
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	if authMethod != "none" {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "only public clients (token_endpoint_auth_method=none) are supported")
		return
	}

	client := &Client{
		ClientID:     uuid.NewString(),
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
	}

	if !s.store.RegisterClient(client) {
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "client registration limit reached")
		return
	}

	s.logger.Info("client registered",
		slog.String("client_id", client.ClientID),
		slog.String("client_name", client.ClientName),
	)

	resp := registrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        s.store.now().Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func allowedRedirect(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" || u.Fragment != "" {
		return false
	}

	return u.Scheme == "https" || (u.Scheme == "http" && isLoopbackHost(u.Hostname()))
}
