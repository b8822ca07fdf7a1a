package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/config"
	"github.com/alexjbarnes/toolgate/internal/oauth"
	"github.com/alexjbarnes/toolgate/internal/session"
	"github.com/spf13/cobra"
)

// newManager wires the login manager from configuration. Instructions
// for the user go to out.
func newManager(cfg *config.Config, logger *slog.Logger, out io.Writer, noBrowser bool) (*oauth.Manager, error) {
	store, err := session.Open(cfg.SessionBackend, cfg.SessionFile)
	if err != nil {
		return nil, err
	}

	opts := []oauth.AuthorizerOption{
		oauth.WithOutput(out),
		oauth.WithCallbackTimeout(cfg.CallbackTimeout),
		oauth.WithAuthorizerLogger(logger),
	}
	if noBrowser {
		opts = append(opts, oauth.WithBrowserOpener(nil))
	}

	tokens := oauth.NewTokenClient(cfg.ClientID, cfg.TenantID, oauth.WithLogger(logger))

	return oauth.NewManager(cfg.ManagerConfig(), oauth.NewAuthorizer(opts...), tokens, store, logger), nil
}

func newLoginCmd() *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser and store the session",
		Long: `Runs the OAuth authorization code flow with PKCE. A one-shot listener on
OAUTH_REDIRECT_URI (default ` + config.DefaultRedirectURI + `) receives the
redirect, the code is exchanged without a client secret and the tokens are
written to the session store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())

			mgr, err := newManager(cfg, logger, cmd.ErrOrStderr(), noBrowser)
			if err != nil {
				return err
			}

			ts, err := mgr.Login(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Signed in. Access token valid until %s.\n", ts.ExpiresAt.Local().Format(time.RFC1123))

			return nil
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")

	return cmd
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for new tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())

			mgr, err := newManager(cfg, logger, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}

			ts, err := mgr.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Refreshed. Access token valid until %s.\n", ts.ExpiresAt.Local().Format(time.RFC1123))

			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var asEnv bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it when close to expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())

			mgr, err := newManager(cfg, logger, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}

			ts, err := mgr.Token(cmd.Context())
			if err != nil {
				return err
			}

			if !asEnv {
				fmt.Fprintln(cmd.OutOrStdout(), ts.AccessToken)
				return nil
			}

			return writeExports(cmd.OutOrStdout(), session.Encode(ts))
		},
	}

	cmd.Flags().BoolVar(&asEnv, "env", false, "print the session as shell export statements")

	return cmd
}

// writeExports prints values as sorted "export KEY=value" lines.
func writeExports(w io.Writer, values map[string]string) error {
	for line := range strings.Lines(session.Marshal(values)) {
		if _, err := fmt.Fprintf(w, "export %s", line); err != nil {
			return err
		}
	}

	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			store, err := session.Open(cfg.SessionBackend, cfg.SessionFile)
			if err != nil {
				return err
			}

			mgr := oauth.NewManager(cfg.ManagerConfig(), nil, nil, store, newLogger(cfg, cmd.ErrOrStderr()))
			if err := mgr.Logout(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "Signed out.")

			return nil
		},
	}
}
