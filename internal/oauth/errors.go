package oauth

import (
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
)

// Steps used to label errors so a user can tell which part of the flow
// failed.
const (
	StepDiscover  = "discover"
	StepAuthorize = "authorize"
	StepExchange  = "exchange"
	StepRefresh   = "refresh"
	StepPersist   = "persist"
)

// ProtocolError is an OAuth error returned by the authorization server,
// either on the redirect or in a token endpoint response body. It is
// never retried automatically.
type ProtocolError struct {
	Step        string
	Code        string
	Description string
	Status      int
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Code)
	if e.Description != "" {
		msg += ": " + e.Description
	}

	if hint := e.Hint(); hint != "" {
		msg += " (" + hint + ")"
	}

	return msg
}

// Hint returns the next step a user should take, or "".
func (e *ProtocolError) Hint() string {
	switch {
	case e.Step == StepRefresh:
		return "refresh token rejected, re-run `toolgate login`"
	case e.Code == "invalid_grant":
		return "authorization code expired or already used, re-run `toolgate login`"
	case e.Code == "invalid_client" || e.Code == "unauthorized_client":
		return "check OAUTH_CLIENT_ID and that the client allows public PKCE logins"
	case e.Code == "access_denied":
		return "sign-in was denied in the browser"
	case e.Code == "invalid_scope":
		return "check OAUTH_SCOPES against the scopes the client is allowed"
	}

	return ""
}

// Is lets a rejected refresh match ErrReauthRequired.
func (e *ProtocolError) Is(target error) bool {
	return target == apperrors.ErrReauthRequired && e.Step == StepRefresh
}

// TransportError wraps a network-level failure or a temporary server
// error. The caller may retry it with backoff.
type TransportError struct {
	Step string
	Err  error
}

func (e *TransportError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransportError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err carries an OAuth protocol error.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
