package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/httpx"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/pkce"
)

const (
	// DefaultHTTPTimeout applies to the default HTTP client.
	DefaultHTTPTimeout = 30 * time.Second

	// defaultExpiresIn is assumed when the token endpoint omits
	// expires_in.
	defaultExpiresIn = 3600 * time.Second
)

// TokenClient talks to the token endpoint of one public client. It holds
// no secrets and no per-login state, so one value can serve many logins.
type TokenClient struct {
	clientID   string
	tenantID   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	metadata   *metadataCache
}

// ClientOption configures a TokenClient.
type ClientOption func(*TokenClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *TokenClient) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *TokenClient) {
		c.logger = logger
	}
}

// WithClock overrides the time source used to compute expiry.
func WithClock(now func() time.Time) ClientOption {
	return func(c *TokenClient) {
		c.now = now
	}
}

// WithMetadataCacheTTL sets how long discovered endpoints are reused.
func WithMetadataCacheTTL(ttl time.Duration) ClientOption {
	return func(c *TokenClient) {
		c.metadata = newMetadataCache(ttl)
	}
}

// NewTokenClient creates a client for clientID in tenantID.
func NewTokenClient(clientID, tenantID string, opts ...ClientOption) *TokenClient {
	c := &TokenClient{
		clientID:   clientID,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		now:        time.Now,
		metadata:   newMetadataCache(DefaultMetadataCacheTTL),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// tokenResponse is the token endpoint body. Some providers send
// expires_in as a string, which json.Number accepts.
type tokenResponse struct {
	AccessToken      string      `json:"access_token"`
	RefreshToken     string      `json:"refresh_token"`
	TokenType        string      `json:"token_type"`
	ExpiresIn        json.Number `json:"expires_in"`
	Scope            string      `json:"scope"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// ExchangeCode trades an authorization code and the session's verifier
// for a TokenSet.
func (c *TokenClient) ExchangeCode(ctx context.Context, sess *pkce.Session, code, tokenEndpoint string) (*models.TokenSet, error) {
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty", StepExchange)
	}

	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {sess.RedirectURI},
		"client_id":     {c.clientID},
		"code_verifier": {sess.Verifier},
	}

	resp, err := c.doTokenRequest(ctx, StepExchange, tokenEndpoint, data)
	if err != nil {
		return nil, err
	}

	ts := &models.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ClientID:     c.clientID,
		TenantID:     c.tenantID,
		ExpiresAt:    c.expiresAt(resp.ExpiresIn),
	}

	c.logger.Info("authorization code exchanged",
		slog.String("client_id", c.clientID),
		slog.Time("expires_at", ts.ExpiresAt),
		slog.Bool("refresh_token", ts.CanRefresh()),
	)

	return ts, nil
}

// Refresh uses the refresh token in ts to obtain a new TokenSet. ts is
// not modified. When the response has no refresh_token the previous one
// is kept, so a provider that does not rotate tokens keeps working.
func (c *TokenClient) Refresh(ctx context.Context, ts *models.TokenSet, tokenEndpoint string, scopes []string) (*models.TokenSet, error) {
	if !ts.CanRefresh() {
		return nil, &ProtocolError{
			Step:        StepRefresh,
			Code:        "invalid_grant",
			Description: "no refresh token stored",
		}
	}

	clientID := ts.ClientID
	if clientID == "" {
		clientID = c.clientID
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.RefreshToken},
		"client_id":     {clientID},
	}

	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}

	resp, err := c.doTokenRequest(ctx, StepRefresh, tokenEndpoint, data)
	if err != nil {
		return nil, err
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = ts.RefreshToken
	}

	next := &models.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		ClientID:     clientID,
		TenantID:     ts.TenantID,
		ExpiresAt:    c.expiresAt(resp.ExpiresIn),
	}

	c.logger.Info("access token refreshed",
		slog.String("client_id", clientID),
		slog.Time("expires_at", next.ExpiresAt),
		slog.Bool("rotated", resp.RefreshToken != ""),
	)

	return next, nil
}

func (c *TokenClient) doTokenRequest(ctx context.Context, step, tokenEndpoint string, data url.Values) (*tokenResponse, error) {
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("%s: token endpoint is empty", step)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: creating token request: %w", step, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", step, ctx.Err())
		}

		return nil, &TransportError{Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := httpx.ReadBody(resp.Body)
	if err != nil {
		return nil, &TransportError{Step: step, Err: err}
	}

	var tr tokenResponse
	jsonErr := json.Unmarshal(body, &tr)

	if jsonErr == nil && tr.Error != "" {
		c.logger.Debug("token endpoint returned an error",
			slog.String("step", step),
			slog.Int("status", resp.StatusCode),
			slog.String("error", tr.Error),
		)

		return nil, &ProtocolError{
			Step:        step,
			Code:        tr.Error,
			Description: tr.ErrorDescription,
			Status:      resp.StatusCode,
		}
	}

	if httpx.IsTransientStatus(resp.StatusCode) {
		return nil, &TransportError{
			Step: step,
			Err:  fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, httpx.SanitizeBody(body)),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{
			Step:        step,
			Code:        "unexpected_status",
			Description: fmt.Sprintf("status %d: %s", resp.StatusCode, httpx.SanitizeBody(body)),
			Status:      resp.StatusCode,
		}
	}

	if jsonErr != nil {
		return nil, fmt.Errorf("%s: parsing token response: %w", step, jsonErr)
	}

	if tr.AccessToken == "" {
		return nil, &ProtocolError{
			Step:        step,
			Code:        "invalid_response",
			Description: "token response has no access_token",
			Status:      resp.StatusCode,
		}
	}

	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "bearer") {
		c.logger.Warn("unexpected token type", slog.String("token_type", tr.TokenType))
	}

	return &tr, nil
}

func (c *TokenClient) expiresAt(expiresIn json.Number) time.Time {
	lifetime := defaultExpiresIn

	if expiresIn != "" {
		if secs, err := expiresIn.Int64(); err == nil && secs > 0 {
			lifetime = time.Duration(secs) * time.Second
		} else {
			c.logger.Warn("ignoring unusable expires_in", slog.String("expires_in", expiresIn.String()))
		}
	}

	return c.now().Add(lifetime)
}
