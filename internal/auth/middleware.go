package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const ctxIdentity contextKey = iota

// RequestIdentity returns the verified identity from the context, or nil.
func RequestIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxIdentity).(*Identity)
	return id
}

// WithIdentity stores a verified identity in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
// Requests without every required scope get a 403.
func Middleware(verifier TokenVerifier, logger *slog.Logger, serverURL string, requiredScopes ...string) func(http.Handler) http.Handler {
	metadataURL := strings.TrimRight(serverURL, "/") + "/.well-known/oauth-protected-resource"
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)
	wwwAuthScope := fmt.Sprintf(`Bearer error="insufficient_scope", scope="%s", resource_metadata="%s"`,
		strings.Join(requiredScopes, " "), metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			id, err := verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if missing := missingScope(id.Scopes, requiredScopes); missing != "" {
				logger.Debug("middleware: insufficient scope",
					slog.String("user_id", id.Subject),
					slog.String("missing", missing),
					slog.String("ip", ip),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthScope)
				w.WriteHeader(http.StatusForbidden)

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", id.Subject),
				slog.String("client_id", id.ClientID),
				slog.String("ip", ip),
			)

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// missingScope returns the first required scope not granted, or "".
func missingScope(granted, required []string) string {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}

	for _, s := range required {
		if !have[s] {
			return s
		}
	}

	return ""
}
