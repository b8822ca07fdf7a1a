package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/pkce"
	"golang.org/x/oauth2"
)

// Authorizer drives the browser half of the flow: it builds the
// authorization URL, shows it to the user and captures the redirect.
type Authorizer struct {
	logger      *slog.Logger
	out         io.Writer
	openBrowser func(string) error
	timeout     time.Duration
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithBrowserOpener replaces the function used to open the URL. A nil
// opener means the URL is only printed.
func WithBrowserOpener(open func(string) error) AuthorizerOption {
	return func(a *Authorizer) {
		a.openBrowser = open
	}
}

// WithOutput sets where user-facing instructions are printed.
func WithOutput(w io.Writer) AuthorizerOption {
	return func(a *Authorizer) {
		a.out = w
	}
}

// WithCallbackTimeout bounds the wait for the redirect.
func WithCallbackTimeout(d time.Duration) AuthorizerOption {
	return func(a *Authorizer) {
		a.timeout = d
	}
}

// WithAuthorizerLogger sets the logger.
func WithAuthorizerLogger(logger *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// NewAuthorizer returns an Authorizer that opens the system browser and
// prints instructions to stderr.
func NewAuthorizer(opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		logger:      slog.Default(),
		out:         os.Stderr,
		openBrowser: OpenBrowser,
		timeout:     DefaultCallbackTimeout,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// AuthorizationURL builds the authorization request for sess. The
// challenge is taken from the session as-is and never recomputed.
func AuthorizationURL(sess *pkce.Session, clientID string, ep Endpoints, scopes []string) string {
	cfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: sess.RedirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthURL,
			TokenURL: ep.TokenURL,
		},
	}

	return cfg.AuthCodeURL(sess.State,
		oauth2.SetAuthURLParam("code_challenge", sess.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", sess.Method),
	)
}

// Authorize runs one authorization attempt and returns the captured code.
// The listener is bound before the browser opens and is released on
// every return path. Failures are not retried; the caller starts over
// with a new PKCE session.
func (a *Authorizer) Authorize(ctx context.Context, sess *pkce.Session, clientID string, ep Endpoints, scopes []string) (*models.AuthorizationResult, error) {
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", StepAuthorize, err)
	}

	listener, err := ListenCallback(sess.RedirectURI, sess.State, a.logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepAuthorize, err)
	}
	defer listener.Close()

	authURL := AuthorizationURL(sess, clientID, ep, scopes)

	a.logger.Info("waiting for authorization callback",
		slog.String("redirect_uri", sess.RedirectURI),
		slog.Duration("timeout", a.timeout),
	)

	if a.openBrowser != nil {
		if err := a.openBrowser(authURL); err != nil {
			a.logger.Warn("could not open browser", slog.String("error", err.Error()))
			fmt.Fprintf(a.out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
		} else {
			fmt.Fprintf(a.out, "Your browser has been opened to sign in. If it did not open, visit:\n\n  %s\n\n", authURL)
		}
	} else {
		fmt.Fprintf(a.out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
	}

	result, err := listener.Wait(ctx, a.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StepAuthorize, err)
	}

	return result, nil
}
