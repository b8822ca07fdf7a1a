package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolgate/internal/config"
	"github.com/alexjbarnes/toolgate/internal/httpx"
	"github.com/alexjbarnes/toolgate/internal/interceptor"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newInterceptorCmd() *cobra.Command {
	var (
		stdin  bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "interceptor",
		Short: "Run the request interceptor for an external gateway",
		Long: `Serves the gateway interceptor contract at POST /intercept. With --stdin a
single event is read from standard input and the transformed request is
written to standard output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadInterceptor()
			if err != nil {
				return err
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())

			policy, err := cfg.Policy()
			if err != nil {
				return err
			}

			if stdin {
				return interceptOnce(cmd, interceptor.New(policy, logger))
			}

			reg := prometheus.NewRegistry()
			icpt := interceptor.New(policy, logger, interceptor.WithMetrics(interceptor.NewMetrics(reg)))

			mux := http.NewServeMux()
			mux.Handle("/intercept", interceptor.NewHandler(icpt, logger))
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			logger.Info("starting interceptor", slog.String("listen", listen))

			return serveWithPolicyReload(cmd.Context(), cfg, icpt, server.NewHTTPServer(listen, mux), logger)
		},
	}

	cmd.Flags().BoolVar(&stdin, "stdin", false, "process one event from standard input and exit")
	cmd.Flags().StringVar(&listen, "listen", ":8081", "HTTP listen address")

	return cmd
}

func interceptOnce(cmd *cobra.Command, icpt *interceptor.Interceptor) error {
	body, err := httpx.ReadBody(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("reading event: %w", err)
	}

	var ev interceptor.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}

	resp, err := icpt.Process(&ev)
	if err != nil {
		return fmt.Errorf("%s: %w", interceptor.ErrorCode(err), err)
	}

	return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
}

// serveWithPolicyReload runs srv and, when the policy comes from a file,
// reloads it on change until ctx is cancelled.
func serveWithPolicyReload(ctx context.Context, cfg *config.Config, icpt *interceptor.Interceptor, srv *http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	if cfg.PolicyFile != "" {
		g.Go(func() error {
			return icpt.WatchPolicy(gctx, cfg.PolicyFile)
		})
	}

	g.Go(func() error {
		return server.Serve(gctx, srv, nil, logger)
	})

	return g.Wait()
}
