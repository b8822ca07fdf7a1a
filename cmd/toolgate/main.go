// Command toolgate is the PKCE login client, the gateway with its
// request interceptor, and a development authorization server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/toolgate/internal/config"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/logging"
	"github.com/alexjbarnes/toolgate/internal/oauth"
	"github.com/spf13/cobra"
)

var Version = "dev"

// Exit codes for scripting.
const (
	ExitCodeSuccess = 0
	// ExitCodeError covers configuration and general failures.
	ExitCodeError = 1
	// ExitCodeReauthRequired means the stored session cannot be used and
	// the user must run toolgate login.
	ExitCodeReauthRequired = 2
	// ExitCodeFlowFailed means the interactive authorization did not
	// complete and must be started over.
	ExitCodeFlowFailed = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)

	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitCodeSuccess
	}

	fmt.Fprintf(stderr, "error: %v\n", err)

	code := exitCode(err)
	if code == ExitCodeFlowFailed {
		fmt.Fprintln(stderr, "Run `toolgate login` again to start a new sign-in.")
	}

	return code
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "PKCE sign-in and an identity-enriching gateway for MCP tools",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newLoginCmd(),
		newRefreshCmd(),
		newTokenCmd(),
		newLogoutCmd(),
		newGatewayCmd(),
		newInterceptorCmd(),
		newDevIDPCmd(),
		newHashPasswordCmd(),
	)

	return root
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrReauthRequired),
		errors.Is(err, apperrors.ErrSessionNotFound),
		errors.Is(err, apperrors.ErrSessionExpired),
		errors.Is(err, apperrors.ErrSessionCorrupt):
		return ExitCodeReauthRequired
	case errors.Is(err, apperrors.ErrAuthorizationTimeout),
		errors.Is(err, apperrors.ErrStateMismatch),
		errors.Is(err, apperrors.ErrMissingAuthorizationCode):
		return ExitCodeFlowFailed
	}

	var pe *oauth.ProtocolError
	if errors.As(err, &pe) && (pe.Step == oauth.StepAuthorize || pe.Step == oauth.StepExchange) {
		return ExitCodeFlowFailed
	}

	return ExitCodeError
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(w, cfg.Environment, cfg.LogLevel)
}
