package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/config"
	"github.com/alexjbarnes/toolgate/internal/interceptor"
	"github.com/alexjbarnes/toolgate/internal/mcpserver"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/alexjbarnes/toolgate/internal/weather"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the MCP tools behind bearer verification and the interceptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadGateway()
			if err != nil {
				return err
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()

			verifier, err := auth.NewOIDCVerifier(ctx, cfg.OAuthIssuer(), cfg.GatewayAudience)
			if err != nil {
				return fmt.Errorf("creating token verifier: %w", err)
			}

			policy, err := cfg.Policy()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			icpt := interceptor.New(policy, logger, interceptor.WithMetrics(interceptor.NewMetrics(reg)))

			weatherClient := weather.NewClient(nil)
			if cfg.WeatherBaseURL != "" {
				weatherClient = weatherClient.WithBaseURL(cfg.WeatherBaseURL)
			}

			mcpServer := mcpserver.NewServer(Version, mcpserver.Deps{Weather: weatherClient})
			mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
				return mcpServer
			}, nil)

			mux := server.NewMux(server.MuxConfig{
				Verifier:        verifier,
				Interceptor:     icpt,
				MCPHandler:      mcpHandler,
				Gatherer:        reg,
				Logger:          logger,
				ServerURL:       cfg.GatewayServerURL,
				Issuer:          cfg.OAuthIssuer(),
				RequiredScopes:  cfg.GatewayRequiredScopes,
				ExposeIntercept: cfg.GatewayExposeIntercept,
			})

			logger.Info("starting gateway",
				slog.String("version", Version),
				slog.String("listen", cfg.GatewayListenAddr),
				slog.String("server_url", cfg.GatewayServerURL),
				slog.String("issuer", cfg.OAuthIssuer()),
				slog.Bool("intercept_endpoint", cfg.GatewayExposeIntercept),
			)

			return serveWithPolicyReload(ctx, cfg, icpt, server.NewHTTPServer(cfg.GatewayListenAddr, mux), logger)
		},
	}
}
