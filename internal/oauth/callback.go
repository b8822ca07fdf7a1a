package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
)

const (
	// DefaultCallbackTimeout bounds how long a login waits for the
	// browser redirect.
	DefaultCallbackTimeout = 5 * time.Minute

	// shutdownGrace lets the confirmation page flush before the
	// listener is torn down.
	shutdownGrace = 2 * time.Second
)

var callbackSuccessPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>toolgate</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; text-align: center; margin-top: 4rem;">
<h1>Signed in</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`))

var callbackErrorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>toolgate</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; text-align: center; margin-top: 4rem;">
<h1>Sign-in failed</h1>
<p>{{.Message}}</p>
<p>Return to the terminal and run <code>toolgate login</code> again.</p>
</body>
</html>`))

type callbackOutcome struct {
	result *models.AuthorizationResult
	err    error
}

// CallbackListener is a single-use loopback HTTP listener bound to the
// host and port of a redirect URI. It accepts one callback request,
// answers it with a confirmation page and then shuts down.
type CallbackListener struct {
	path      string
	state     string
	listeners []net.Listener
	server    *http.Server
	logger   *slog.Logger

	outcome  chan callbackOutcome
	serveErr chan error
	served   sync.Once
	closed   sync.Once
}

// ListenCallback binds the listener for redirectURI. The host must be a
// loopback address. expectedState is compared against the state that
// comes back on the redirect.
func ListenCallback(redirectURI, expectedState string, logger *slog.Logger) (*CallbackListener, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}

	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI must use http on a loopback host, got scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if !isLoopback(host) {
		return nil, fmt.Errorf("redirect URI host %q is not a loopback address", host)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	listeners, err := listenLoopback(host, port)
	if err != nil {
		return nil, err
	}

	l := &CallbackListener{
		path:      path,
		state:     expectedState,
		listeners: listeners,
		logger:    logger,
		outcome:   make(chan callbackOutcome, 1),
		serveErr:  make(chan error, len(listeners)),
	}

	l.server = &http.Server{
		Handler:           http.HandlerFunc(l.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, ln := range listeners {
		go func() {
			if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case l.serveErr <- err:
				default:
				}
			}
		}()

		logger.Debug("callback listener bound", slog.String("addr", ln.Addr().String()), slog.String("path", path))
	}

	return l, nil
}

// listenLoopback binds host:port. For "localhost" it binds 127.0.0.1 and
// also [::1] on the same port when IPv6 is available, since browsers may
// resolve the name to either family.
func listenLoopback(host, port string) ([]net.Listener, error) {
	if !strings.EqualFold(host, "localhost") {
		addr := net.JoinHostPort(host, port)

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("binding callback listener on %s: %w", addr, err)
		}

		return []net.Listener{ln}, nil
	}

	addr := net.JoinHostPort("127.0.0.1", port)

	ln4, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("binding callback listener on %s: %w", addr, err)
	}

	// Port 0 picks a free port on the first bind; reuse it for IPv6.
	_, boundPort, _ := net.SplitHostPort(ln4.Addr().String())

	ln6, err := net.Listen("tcp6", net.JoinHostPort("::1", boundPort))
	if err != nil {
		return []net.Listener{ln4}, nil
	}

	return []net.Listener{ln4, ln6}, nil
}

// Addr returns the bound address. For localhost it is the IPv4 one.
func (l *CallbackListener) Addr() string {
	return l.listeners[0].Addr().String()
}

// Wait blocks until the callback arrives, the timeout elapses or ctx is
// cancelled. The listener is always closed before Wait returns.
func (l *CallbackListener) Wait(ctx context.Context, timeout time.Duration) (*models.AuthorizationResult, error) {
	defer l.Close()

	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-l.outcome:
		if o.err != nil {
			return nil, o.err
		}

		return o.result, nil
	case err := <-l.serveErr:
		return nil, fmt.Errorf("callback listener failed: %w", err)
	case <-timer.C:
		return nil, fmt.Errorf("%w (waited %s)", apperrors.ErrAuthorizationTimeout, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}
}

// Close releases the port. It is safe to call more than once.
func (l *CallbackListener) Close() error {
	var err error

	l.closed.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err = l.server.Shutdown(ctx); err != nil {
			_ = l.server.Close()
		}

		// Serve may not have started yet; close the sockets directly so
		// the port is free when Close returns.
		for _, ln := range l.listeners {
			_ = ln.Close()
		}
	})

	return err
}

func (l *CallbackListener) handle(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSuffix(r.URL.Path, "/") != strings.TrimSuffix(l.path, "/") {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handled := false

	l.served.Do(func() {
		handled = true
		l.process(w, r)
	})

	if !handled {
		http.Error(w, "callback already processed", http.StatusBadRequest)
	}
}

func (l *CallbackListener) process(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	q := r.URL.Query()
	result := &models.AuthorizationResult{
		Code:  q.Get("code"),
		State: q.Get("state"),
	}

	err := l.validate(result, q.Get("error"), q.Get("error_description"))
	if err != nil {
		l.logger.Warn("authorization callback rejected", slog.String("reason", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		_ = callbackErrorPage.Execute(w, map[string]string{"Message": err.Error()})
	} else {
		_ = callbackSuccessPage.Execute(w, nil)
	}

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	l.outcome <- callbackOutcome{result: result, err: err}
}

// validate checks state before anything else so a forged redirect can
// never reach the code exchange.
func (l *CallbackListener) validate(result *models.AuthorizationResult, errCode, errDesc string) error {
	if subtle.ConstantTimeCompare([]byte(result.State), []byte(l.state)) != 1 {
		return apperrors.ErrStateMismatch
	}

	if errCode != "" {
		return &ProtocolError{Step: StepAuthorize, Code: errCode, Description: errDesc}
	}

	if result.Code == "" {
		return apperrors.ErrMissingAuthorizationCode
	}

	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
