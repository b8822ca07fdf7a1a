// Package server builds the gateway's HTTP surface: the bearer-protected
// MCP endpoint with the interceptor in front of it, plus discovery,
// health and metrics routes.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/interceptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Verifier       auth.TokenVerifier
	Interceptor    *interceptor.Interceptor
	MCPHandler     http.Handler
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
	ServerURL      string
	Issuer         string
	RequiredScopes []string
	// ExposeIntercept serves the interceptor contract at /intercept so
	// an external gateway can call it.
	ExposeIntercept bool
}

// NewMux builds the gateway mux. The MCP endpoint runs request ID
// assignment, then bearer verification, then the interceptor, so
// unauthenticated calls never reach the interceptor or the tools.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource",
		auth.HandleProtectedResourceMetadata(cfg.ServerURL, cfg.Issuer, cfg.RequiredScopes))
	mux.HandleFunc("/healthz", handleHealth)

	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.ExposeIntercept {
		mux.Handle("/intercept", interceptor.NewHandler(cfg.Interceptor, cfg.Logger))
	}

	authMiddleware := auth.Middleware(cfg.Verifier, cfg.Logger, cfg.ServerURL, cfg.RequiredScopes...)
	mux.Handle("/mcp", RequestID(authMiddleware(cfg.Interceptor.Middleware(cfg.MCPHandler))))

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
