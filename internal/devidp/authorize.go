package devidp

import (
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	codeExpiry = 5 * time.Minute

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries.
	rateLimitPruneThreshold = 1000

	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	csrfTokenBytes = 16
	authCodeBytes  = 32
)

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>toolgate devidp</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f5f5; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
  .card { background: #fff; border: 1px solid #e0e0e0; border-radius: 8px; padding: 2rem; width: 100%; max-width: 360px; }
  .card h1 { font-size: 1.2rem; margin: 0 0 0.25rem; }
  .sub { font-size: 0.85rem; color: #666; margin-bottom: 1.25rem; }
  .error { background: #fef2f2; color: #991b1b; border: 1px solid #fecaca; border-radius: 6px; padding: 0.5rem; font-size: 0.85rem; margin-bottom: 1rem; }
  label { display: block; font-size: 0.85rem; margin-bottom: 0.3rem; }
  input[type="text"], input[type="password"] { width: 100%; box-sizing: border-box; padding: 0.5rem; margin-bottom: 1rem; border: 1px solid #d0d0d0; border-radius: 6px; }
  button { width: 100%; padding: 0.6rem; background: #1a1a1a; color: #fff; border: none; border-radius: 6px; cursor: pointer; }
</style>
</head>
<body>
<div class="card">
  <h1>toolgate devidp</h1>
  <p class="sub"><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting{{if .Scope}} <code>{{.Scope}}</code>{{end}}.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>
</div>
</body>
</html>`))

type loginData struct {
	CSRFToken           string
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Error               string
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After rateLimitMaxFail failures within the window, further
// attempts are rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. Only call this after
// client_id and redirect_uri have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery keeps any query the redirect URI already has
// (RFC 6749 Section 4.1.2).
func appendQuery(redirectURI string, params url.Values) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	return redirectURI + sep + params.Encode()
}

// validateRedirectURI checks redirectURI against the client's registered
// URIs. Exact match is required, except that registered loopback URIs
// match any port (RFC 8252 Section 7.3). Clients without registered URIs
// may only use loopback redirects.
func validateRedirectURI(client *Client, redirectURI string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil || ru.Fragment != "" {
		return false
	}

	if len(client.RedirectURIs) == 0 {
		return ru.Scheme == "http" && isLoopbackHost(ru.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		pu, err := url.Parse(registered)
		if err != nil {
			continue
		}

		// Compare parsed hostnames so 127.0.0.1.evil.com never matches.
		if pu.Scheme == "http" && isLoopbackHost(pu.Hostname()) &&
			ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname() && ru.Path == pu.Path {
			return true
		}
	}

	return false
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// resolveRedirectURI applies RFC 6749 Section 3.1.2.3: the redirect_uri
// may be omitted only when exactly one is registered.
func resolveRedirectURI(client *Client, redirectURI string) (string, bool) {
	if redirectURI == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], true
		}

		return "", false
	}

	return redirectURI, validateRedirectURI(client, redirectURI)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleAuthorizeGET(w, r)
	case http.MethodPost:
		s.handleAuthorizePOST(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) newCSRFToken(clientID, redirectURI string) string {
	token := RandomHex(csrfTokenBytes)
	s.store.SaveCSRF(token, clientID, redirectURI)

	return token
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, data loginData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = loginPage.Execute(w, data)
}

func (s *Server) handleAuthorizeGET(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}

	client := s.store.GetClient(clientID)
	if client == nil {
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return
	}

	redirectURI, ok := resolveRedirectURI(client, q.Get("redirect_uri"))
	if !ok {
		http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
		return
	}

	// Errors after redirect_uri validation go back to the client.
	state := q.Get("state")

	responseType := q.Get("response_type")
	if responseType != "code" {
		errCode := "unsupported_response_type"
		if responseType == "" {
			errCode = "invalid_request"
		}

		redirectWithError(w, r, redirectURI, state, errCode, `response_type must be "code"`)

		return
	}

	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return
	}

	method := q.Get("code_challenge_method")
	if method != "S256" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}

	if bad := s.unsupportedScope(q.Get("scope")); bad != "" {
		redirectWithError(w, r, redirectURI, state, "invalid_scope", "unsupported scope "+bad)
		return
	}

	s.renderLogin(w, http.StatusOK, loginData{
		CSRFToken:           s.newCSRFToken(clientID, redirectURI),
		ClientID:            clientID,
		ClientName:          client.ClientName,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Scope:               q.Get("scope"),
	})
}

func (s *Server) handleAuthorizePOST(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	clientID := r.PostFormValue("client_id")
	state := r.PostFormValue("state")
	codeChallenge := r.PostFormValue("code_challenge")
	scope := r.PostFormValue("scope")
	username := r.PostFormValue("username")

	client := s.store.GetClient(clientID)
	if client == nil {
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return
	}

	redirectURI, ok := resolveRedirectURI(client, r.PostFormValue("redirect_uri"))
	if !ok {
		http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
		return
	}

	if codeChallenge == "" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return
	}

	// Checked before consuming the CSRF token so a rate-limited request
	// does not burn the user's form.
	ip := remoteIP(r)
	if s.limiter.check(ip) {
		s.logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

		return
	}

	// A forged form may carry an attacker's redirect URI, so a CSRF
	// failure is a plain error rather than a redirect.
	if !s.store.ConsumeCSRF(r.PostFormValue("csrf_token"), clientID, redirectURI) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	user, ok := s.cfg.Users.Authenticate(username, r.PostFormValue("password"))
	if !ok {
		s.logger.Warn("login failed", slog.String("username", username), slog.String("ip", ip))
		s.limiter.record(ip)

		s.renderLogin(w, http.StatusUnauthorized, loginData{
			CSRFToken:           s.newCSRFToken(clientID, redirectURI),
			ClientID:            clientID,
			ClientName:          client.ClientName,
			RedirectURI:         redirectURI,
			State:               state,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
			Scope:               scope,
			Error:               "Invalid username or password",
		})

		return
	}

	s.logger.Info("login successful",
		slog.String("username", user.Username),
		slog.String("client_id", clientID),
	)

	code := RandomHex(authCodeBytes)
	s.store.SaveCode(&AuthCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		UserID:        user.Username,
		Scopes:        strings.Fields(scope),
		ExpiresAt:     s.store.now().Add(codeExpiry),
	})

	params := url.Values{}
	params.Set("code", code)

	if state != "" {
		params.Set("state", state)
	}

	// RFC 9207: the issuer identifier prevents mix-up attacks.
	params.Set("iss", s.cfg.Issuer)

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// unsupportedScope returns the first requested scope not in the
// configured list, or "". An empty list allows any scope.
func (s *Server) unsupportedScope(scope string) string {
	if len(s.cfg.Scopes) == 0 {
		return ""
	}

	allowed := make(map[string]bool, len(s.cfg.Scopes))
	for _, sc := range s.cfg.Scopes {
		allowed[sc] = true
	}

	for _, sc := range strings.Fields(scope) {
		if !allowed[sc] {
			return sc
		}
	}

	return ""
}
