package e2e_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/devidp"
	"github.com/alexjbarnes/toolgate/internal/interceptor"
	"github.com/alexjbarnes/toolgate/internal/mcpserver"
	"github.com/alexjbarnes/toolgate/internal/oauth"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/alexjbarnes/toolgate/internal/session"
	"github.com/alexjbarnes/toolgate/internal/weather"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "alice"
	testPassword = "correct-horse-battery"
	testName     = "Alice Smith"
	testEmail    = "alice@example.com"
	testClientID = "toolgate-cli"
	testAudience = "toolgate-gateway"
)

const osloGeocoding = `{"results":[{"name":"Oslo","latitude":59.91273,"longitude":10.74609,"country_code":"NO","timezone":"Europe/Oslo"}]}`

const osloForecast = `{
  "timezone": "Europe/Oslo",
  "current_units": {"temperature_2m": "°C", "wind_speed_10m": "km/h"},
  "current": {"time": "2026-10-19T12:00", "temperature_2m": 7.5, "weather_code": 61, "wind_speed_10m": 14.2},
  "daily": {
    "time": ["2026-10-19"],
    "weather_code": [61],
    "temperature_2m_max": [9.1],
    "temperature_2m_min": [3.4]
  }
}`

// harness is the whole chain: a development authorization server, the
// gateway verifying its tokens, and a login manager with a scripted
// browser.
type harness struct {
	IDP        *devidp.Server
	GatewayURL string
	Registry   *prometheus.Registry
	Manager    *oauth.Manager
	Store      session.Store
}

func newHarness(t *testing.T, rotate bool) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	hash, err := devidp.HashPassword(testPassword)
	require.NoError(t, err)

	idpServer := httptest.NewUnstartedServer(nil)
	idp, err := devidp.New(devidp.Config{
		Issuer: "http://" + idpServer.Listener.Addr().String(),
		Users: devidp.Users{testUsername: {
			Username:     testUsername,
			PasswordHash: hash,
			Name:         testName,
			Email:        testEmail,
		}},
		ClientIDs:           []string{testClientID},
		Audience:            testAudience,
		RotateRefreshTokens: rotate,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(idp.Close)

	idpServer.Config.Handler = idp.Handler()
	idpServer.Start()
	t.Cleanup(idpServer.Close)

	meteo := newOpenMeteo(t)

	verifier, err := auth.NewOIDCVerifier(context.Background(), idp.Issuer(), testAudience)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	icpt := interceptor.New(
		interceptor.DefaultPolicy([]string{"X-Request-Id"}, interceptor.DefaultClaimTools),
		logger,
		interceptor.WithMetrics(interceptor.NewMetrics(reg)),
	)

	mcpServer := mcpserver.NewServer("e2e", mcpserver.Deps{
		Weather: weather.NewClient(meteo.Client()).WithBaseURL(meteo.URL),
	})
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	gw := httptest.NewUnstartedServer(nil)
	gatewayURL := "http://" + gw.Listener.Addr().String()
	gw.Config.Handler = server.NewMux(server.MuxConfig{
		Verifier:    verifier,
		Interceptor: icpt,
		MCPHandler:  mcpHandler,
		Gatherer:    reg,
		Logger:      logger,
		ServerURL:   gatewayURL,
		Issuer:      idp.Issuer(),
	})
	gw.Start()
	t.Cleanup(gw.Close)

	store := session.NewEnvFileStore(filepath.Join(t.TempDir(), "session.env"))

	authorizer := oauth.NewAuthorizer(
		oauth.WithBrowserOpener(scriptedBrowser(t)),
		oauth.WithOutput(io.Discard),
		oauth.WithCallbackTimeout(10*time.Second),
		oauth.WithAuthorizerLogger(logger),
	)

	mgr := oauth.NewManager(oauth.ManagerConfig{
		ClientID:    testClientID,
		Issuer:      idp.Issuer(),
		RedirectURI: freeRedirectURI(t),
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
	}, authorizer, oauth.NewTokenClient(testClientID, ""), store, logger)

	return &harness{
		IDP:        idp,
		GatewayURL: gatewayURL,
		Registry:   reg,
		Manager:    mgr,
		Store:      store,
	}
}

func newOpenMeteo(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !strings.EqualFold(r.URL.Query().Get("name"), "Oslo") {
			_, _ = io.WriteString(w, `{}`)
			return
		}

		_, _ = io.WriteString(w, osloGeocoding)
	})
	mux.HandleFunc("/v1/forecast", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, osloForecast)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

// freeRedirectURI picks an unused loopback port for the callback.
func freeRedirectURI(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return fmt.Sprintf("http://127.0.0.1:%d/callback/", port)
}

var csrfField = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)

// scriptedBrowser stands in for the user: it opens the login page,
// submits the credentials and follows the redirect to the callback
// listener.
func scriptedBrowser(t *testing.T) func(string) error {
	return func(authURL string) error {
		client := &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}

		resp, err := client.Get(authURL)
		if err != nil {
			return err
		}

		page, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("login page returned %d: %s", resp.StatusCode, page)
		}

		m := csrfField.FindSubmatch(page)
		if m == nil {
			return fmt.Errorf("no csrf token on login page")
		}

		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}

		form := url.Values{"csrf_token": {string(m[1])}, "username": {testUsername}, "password": {testPassword}}
		for k, v := range u.Query() {
			form[k] = v
		}

		u.RawQuery = ""

		resp, err = client.PostForm(u.String(), form)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusFound {
			return fmt.Errorf("login returned %d", resp.StatusCode)
		}

		// The redirect lands on the CLI's callback listener.
		resp, err = client.Get(resp.Header.Get("Location"))
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Logf("callback returned %d", resp.StatusCode)
		}

		return nil
	}
}

// mcpSession connects to the gateway with the given bearer token and
// extra headers on every request.
func (h *harness) mcpSession(t *testing.T, token string, headers map[string]string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.GatewayURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token:   token,
				headers: headers,
				base:    http.DefaultTransport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token   string
	headers map[string]string
	base    http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	for k, v := range bt.headers {
		req.Header.Set(k, v)
	}

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the first text content of a tool result.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}

// outcomeCount reads the interceptor counter for one outcome label.
func outcomeCount(t *testing.T, h *harness, outcome string) float64 {
	t.Helper()

	families, err := h.Registry.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "toolgate_interceptor_requests_total" {
			continue
		}

		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}

	return 0
}
