package errors

import "errors"

// Configuration errors.
var (
	ErrMissingConfig = errors.New("missing required configuration")
)

// Authorization flow errors. The caller must restart the flow from a
// fresh PKCE session; none of these are retried.
var (
	ErrRandomUnavailable        = errors.New("secure random source unavailable")
	ErrAuthorizationTimeout     = errors.New("no authorization callback received before timeout")
	ErrStateMismatch            = errors.New("authorization state mismatch (possible CSRF)")
	ErrMissingAuthorizationCode = errors.New("authorization callback missing code parameter")
	ErrReauthRequired           = errors.New("refresh token rejected, re-run the login flow")
)

// Session store errors.
var (
	ErrSessionNotFound = errors.New("no stored session")
	ErrSessionCorrupt  = errors.New("stored session is corrupt")
	ErrSessionLocked   = errors.New("session store is locked by another process")
	ErrSessionExpired  = errors.New("stored session has expired")
)

// Interceptor contract violations. Each aborts a single request.
var (
	ErrMalformedClaims      = errors.New("malformed bearer token claims")
	ErrReservedKeyCollision = errors.New("reserved argument key already supplied by caller")
	ErrMalformedRequest     = errors.New("malformed gateway request")
)
