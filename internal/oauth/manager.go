package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/pkce"
	"github.com/alexjbarnes/toolgate/internal/session"
)

//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks -source=manager.go CodeAuthorizer,TokenExchanger

// DefaultRefreshSkew is how long before expiry a token is refreshed.
const DefaultRefreshSkew = 60 * time.Second

// CodeAuthorizer runs the browser half of the flow.
type CodeAuthorizer interface {
	Authorize(ctx context.Context, sess *pkce.Session, clientID string, ep Endpoints, scopes []string) (*models.AuthorizationResult, error)
}

// TokenExchanger talks to the authorization server's metadata and token
// endpoints.
type TokenExchanger interface {
	Discover(ctx context.Context, issuer string) (*Endpoints, error)
	ExchangeCode(ctx context.Context, sess *pkce.Session, code, tokenEndpoint string) (*models.TokenSet, error)
	Refresh(ctx context.Context, ts *models.TokenSet, tokenEndpoint string, scopes []string) (*models.TokenSet, error)
}

// ManagerConfig describes one public client registration.
type ManagerConfig struct {
	ClientID    string
	TenantID    string
	Issuer      string
	Endpoints   Endpoints
	RedirectURI string
	Scopes      []string
	RefreshSkew time.Duration
	Retry       RetryPolicy
}

// Manager ties the flow together: it generates PKCE parameters, runs the
// authorization, exchanges the code and persists the result. It is used
// from a single goroutine per process.
type Manager struct {
	cfg        ManagerConfig
	authorizer CodeAuthorizer
	tokens     TokenExchanger
	store      session.Store
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, authorizer CodeAuthorizer, tokens TokenExchanger, store session.Store, logger *slog.Logger) *Manager {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	return &Manager{
		cfg:        cfg,
		authorizer: authorizer,
		tokens:     tokens,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Login runs a full interactive authorization and stores the TokenSet.
// The returned TokenSet has been durably saved.
func (m *Manager) Login(ctx context.Context) (*models.TokenSet, error) {
	ep, err := m.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := pkce.Generate(m.cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepAuthorize, err)
	}

	result, err := m.authorizer.Authorize(ctx, sess, m.cfg.ClientID, *ep, m.cfg.Scopes)
	if err != nil {
		return nil, err
	}

	// Authorization codes are single use, so the exchange is not retried.
	ts, err := m.tokens.ExchangeCode(ctx, sess, result.Code, ep.TokenURL)
	if err != nil {
		return nil, err
	}

	if err := m.store.Save(ts); err != nil {
		return nil, fmt.Errorf("%s: %w", StepPersist, err)
	}

	m.logger.Info("login complete", slog.String("client_id", ts.ClientID), slog.Time("expires_at", ts.ExpiresAt))

	return ts, nil
}

// Refresh exchanges the stored refresh token for a new TokenSet and
// stores it. A rejected refresh matches ErrReauthRequired and leaves the
// stored session untouched.
func (m *Manager) Refresh(ctx context.Context) (*models.TokenSet, error) {
	ts, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	return m.refresh(ctx, ts)
}

// Token returns a usable access token, refreshing it first when it is
// within the skew window of expiry. If the refresh fails with a
// transport error and the current token has not yet expired, the current
// token is returned.
func (m *Manager) Token(ctx context.Context) (*models.TokenSet, error) {
	ts, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := m.now()
	if !ts.NeedsRefresh(now, m.cfg.RefreshSkew) {
		return ts, nil
	}

	if !ts.CanRefresh() {
		if ts.Valid(now) {
			return ts, nil
		}

		return nil, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, apperrors.ErrReauthRequired)
	}

	next, err := m.refresh(ctx, ts)
	if err != nil {
		if IsTransient(err) && ts.Valid(m.now()) {
			m.logger.Warn("refresh failed, using current token until it expires",
				slog.Time("expires_at", ts.ExpiresAt),
				slog.String("error", err.Error()),
			)

			return ts, nil
		}

		return nil, err
	}

	return next, nil
}

// Logout removes the stored session.
func (m *Manager) Logout() error {
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	return nil
}

func (m *Manager) refresh(ctx context.Context, ts *models.TokenSet) (*models.TokenSet, error) {
	if !ts.CanRefresh() {
		return nil, fmt.Errorf("%s: no refresh token stored: %w", StepRefresh, apperrors.ErrReauthRequired)
	}

	ep, err := m.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	next, err := Retry(ctx, m.cfg.Retry, m.logger, func() (*models.TokenSet, error) {
		return m.tokens.Refresh(ctx, ts, ep.TokenURL, m.cfg.Scopes)
	})
	if err != nil {
		return nil, err
	}

	if err := m.store.Save(next); err != nil {
		return nil, fmt.Errorf("%s: %w", StepPersist, err)
	}

	return next, nil
}

// endpoints returns the configured endpoints, discovering whatever is
// missing from the issuer.
func (m *Manager) endpoints(ctx context.Context) (*Endpoints, error) {
	ep := m.cfg.Endpoints
	if ep.AuthURL != "" && ep.TokenURL != "" {
		return &ep, nil
	}

	if m.cfg.Issuer == "" {
		return nil, fmt.Errorf("%s: %w: issuer or explicit endpoints", StepDiscover, apperrors.ErrMissingConfig)
	}

	discovered, err := Retry(ctx, m.cfg.Retry, m.logger, func() (*Endpoints, error) {
		return m.tokens.Discover(ctx, m.cfg.Issuer)
	})
	if err != nil {
		return nil, err
	}

	if ep.AuthURL == "" {
		ep.AuthURL = discovered.AuthURL
	}

	if ep.TokenURL == "" {
		ep.TokenURL = discovered.TokenURL
	}

	ep.Issuer = discovered.Issuer

	return &ep, nil
}
