package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/toolgate/internal/config"
	"github.com/alexjbarnes/toolgate/internal/devidp"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/spf13/cobra"
)

func newDevIDPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devidp",
		Short: "Run a local authorization server for development",
		Long: `Serves authorize, token, dynamic client registration, discovery and JWKS
endpoints so login and the gateway can be tried without a cloud identity
provider. All state is in memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadDevIDP()
			if err != nil {
				return err
			}

			logger := newLogger(cfg, cmd.ErrOrStderr())

			users, err := devidp.ParseUsers(cfg.DevIDPUsers)
			if err != nil {
				return fmt.Errorf("parsing DEVIDP_USERS: %w", err)
			}

			idp, err := devidp.New(devidp.Config{
				Issuer:              cfg.DevIDPIssuer,
				Users:               users,
				ClientIDs:           cfg.DevIDPClientIDs,
				Audience:            cfg.DevIDPAudience,
				Scopes:              cfg.DevIDPScopes,
				AccessTokenTTL:      cfg.DevIDPAccessTokenTTL,
				RefreshTokenTTL:     cfg.DevIDPRefreshTokenTTL,
				RotateRefreshTokens: cfg.DevIDPRotateRefresh,
			}, logger)
			if err != nil {
				return err
			}
			defer idp.Close()

			logger.Info("starting devidp",
				slog.String("listen", cfg.DevIDPListenAddr),
				slog.String("issuer", idp.Issuer()),
				slog.Int("users", len(users)),
				slog.Bool("rotate_refresh_tokens", cfg.DevIDPRotateRefresh),
			)

			return server.Serve(cmd.Context(), server.NewHTTPServer(cfg.DevIDPListenAddr, idp.Handler()), nil, logger)
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from standard input and print its bcrypt hash for DEVIDP_USERS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return errors.New("no input")
			}

			hash, err := devidp.HashPassword(scanner.Text())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
}
