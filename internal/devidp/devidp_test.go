package devidp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testIssuer    = "http://127.0.0.1:9400"
	testClientID  = "toolgate-cli"
	testRedirect  = "http://localhost:6274/callback/"
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU2p1r-wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testPassword  = "password123"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUsers(t *testing.T) Users {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	return Users{
		"alice": {Username: "alice", PasswordHash: string(h), Name: "Alice Smith", Email: "alice@example.com"},
	}
}

func testServer(t *testing.T, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Issuer:              testIssuer,
		Users:               testUsers(t),
		ClientIDs:           []string{testClientID},
		Scopes:              []string{"openid", "profile", "tools:call"},
		RotateRefreshTokens: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func authorizeQuery(clientID, redirectURI, state, scope string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("code_challenge", testChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	q.Set("scope", scope)
	return PathAuthorize + "?" + q.Encode()
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)

// getCSRFToken renders the login form and extracts the CSRF token.
func getCSRFToken(t *testing.T, h http.Handler, clientID, redirectURI string) string {
	t.Helper()
	req := httptest.NewRequest("GET", authorizeQuery(clientID, redirectURI, "xyz", "openid tools:call"), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	matches := csrfPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, matches, 2, "CSRF token not found in form")
	return matches[1]
}

func loginForm(csrf, password string) url.Values {
	return url.Values{
		"csrf_token":            {csrf},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirect},
		"state":                 {"xyz"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"openid tools:call"},
		"username":              {"alice"},
		"password":              {password},
	}
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// login runs the form flow and returns the issued code.
func login(t *testing.T, h http.Handler) string {
	t.Helper()
	csrf := getCSRFToken(t, h, testClientID, testRedirect)
	rec := postForm(h, PathAuthorize, loginForm(csrf, testPassword))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchangeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {testClientID},
		"code_verifier": {testVerifier},
	}
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

// --- Store ---

func TestStore_CodeSingleUse(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)
	s.SaveCode(&AuthCode{Code: "abc123", ClientID: "client1", ExpiresAt: time.Now().Add(time.Minute)})

	ac := s.ConsumeCode("abc123")
	require.NotNil(t, ac)
	assert.Equal(t, "client1", ac.ClientID)
	assert.Nil(t, s.ConsumeCode("abc123"))
}

func TestStore_CodeExpired(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)
	s.SaveCode(&AuthCode{Code: "expired", ExpiresAt: time.Now().Add(-time.Minute)})

	assert.Nil(t, s.ConsumeCode("expired"))
}

func TestStore_RefreshConsume(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)
	s.SaveRefresh(&RefreshGrant{Token: "rt", UserID: "alice", ExpiresAt: time.Now().Add(time.Hour)})

	require.NotNil(t, s.LookupRefresh("rt", false))
	require.NotNil(t, s.LookupRefresh("rt", true))
	assert.Nil(t, s.LookupRefresh("rt", false))
}

func TestStore_RefreshExpired(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)
	s.SaveRefresh(&RefreshGrant{Token: "rt", ExpiresAt: time.Now().Add(-time.Second)})

	assert.Nil(t, s.LookupRefresh("rt", false))
}

func TestStore_CSRFBoundToClientAndRedirect(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)

	s.SaveCSRF("tok1", "client1", "http://localhost/cb")
	assert.False(t, s.ConsumeCSRF("tok1", "client2", "http://localhost/cb"))
	// The failed attempt consumed the token.
	assert.False(t, s.ConsumeCSRF("tok1", "client1", "http://localhost/cb"))

	s.SaveCSRF("tok2", "client1", "http://localhost/cb")
	assert.True(t, s.ConsumeCSRF("tok2", "client1", "http://localhost/cb"))
	assert.False(t, s.ConsumeCSRF("", "client1", "http://localhost/cb"))
}

func TestStore_ClientMaxLimit(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)

	for i := 0; i < maxClients; i++ {
		require.True(t, s.RegisterClient(&Client{ClientID: RandomHex(8)}))
	}
	assert.False(t, s.RegisterClient(&Client{ClientID: "one-too-many"}))
}

func TestStore_RegistrationRateLimit(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)

	for i := 0; i < registrationsPerMinute; i++ {
		require.True(t, s.RegistrationAllowed())
	}
	assert.False(t, s.RegistrationAllowed())

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.True(t, s.RegistrationAllowed())
}

func TestStore_Cleanup(t *testing.T) {
	s := NewStore()
	t.Cleanup(s.Stop)
	past := time.Now().Add(-time.Minute)
	s.SaveCode(&AuthCode{Code: "c", ExpiresAt: past})
	s.SaveRefresh(&RefreshGrant{Token: "r", ExpiresAt: past})
	s.SaveCSRF("x", "client", "uri")
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	s.cleanup()

	assert.Empty(t, s.codes)
	assert.Empty(t, s.refresh)
	assert.Empty(t, s.csrf)
}

func TestStore_StopTwice(t *testing.T) {
	s := NewStore()
	s.Stop()
	assert.NotPanics(t, s.Stop)
}

func TestRandomHex(t *testing.T) {
	assert.Len(t, RandomHex(16), 32)
	assert.NotEqual(t, RandomHex(16), RandomHex(16))
}

// --- Users ---

func TestParseUsers(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := ParseUsers("alice:" + string(h) + ":Alice Smith:alice@example.com, bob:" + string(h))
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Alice Smith", users["alice"].Name)
	assert.Equal(t, "alice@example.com", users["alice"].Email)
	assert.Empty(t, users["bob"].Name)
}

func TestParseUsers_Invalid(t *testing.T) {
	tests := []string{
		"alice",
		":hash",
		"alice:plaintext",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseUsers(in)
			assert.Error(t, err)
		})
	}
}

func TestUsers_Authenticate(t *testing.T) {
	users := testUsers(t)

	u, ok := users.Authenticate("alice", testPassword)
	require.True(t, ok)
	assert.Equal(t, "Alice Smith", u.Name)

	_, ok = users.Authenticate("alice", "wrong")
	assert.False(t, ok)

	_, ok = users.Authenticate("mallory", testPassword)
	assert.False(t, ok)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("secret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("secret")))
}

func TestUsers_AuthenticateNormalizesPassword(t *testing.T) {
	// "é" precomposed when hashed, decomposed when typed.
	h, err := HashPassword("caf\u00e9-password")
	require.NoError(t, err)

	users := Users{"bob": {Username: "bob", PasswordHash: h}}

	_, ok := users.Authenticate("bob", "cafe\u0301-password")
	assert.True(t, ok)
}

// --- Signer ---

func TestSigner_IssueAndJWKS(t *testing.T) {
	signer, err := NewSigner(testIssuer, time.Hour)
	require.NoError(t, err)

	user := User{Username: "alice", Name: "Alice Smith", Email: "alice@example.com"}
	raw, expiresAt, err := signer.Issue(user, testClientID, "", []string{"openid", "tools:call"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	var claims AccessClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return signer.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(testIssuer), jwt.WithAudience(testClientID))
	require.NoError(t, err)
	require.True(t, tok.Valid)

	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice Smith", claims.Name)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "alice", claims.PreferredUsername)
	assert.Equal(t, "openid tools:call", claims.Scope)
	assert.NotEmpty(t, claims.ID)

	jwks := signer.JWKS()
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, tok.Header["kid"], jwks.Keys[0].KeyID)
	assert.Equal(t, "RS256", jwks.Keys[0].Algorithm)
}

func TestSigner_ExplicitAudience(t *testing.T) {
	signer, err := NewSigner(testIssuer, time.Hour)
	require.NoError(t, err)

	raw, _, err := signer.Issue(User{Username: "alice"}, testClientID, "toolgate-gateway", nil)
	require.NoError(t, err)

	var claims AccessClaims
	_, _, err = jwt.NewParser().ParseUnverified(raw, &claims)
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"toolgate-gateway"}, claims.Audience)
	assert.Equal(t, testClientID, claims.ClientID)
}

// --- Server ---

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Users: testUsers(t)}, testLogger())
	assert.Error(t, err)

	_, err = New(Config{Issuer: testIssuer}, testLogger())
	assert.Error(t, err)
}

func TestMetadata(t *testing.T) {
	s := testServer(t)

	for _, path := range []string{PathOIDCConfig, PathServerMetadata} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var meta Metadata
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
			assert.Equal(t, testIssuer, meta.Issuer)
			assert.Equal(t, testIssuer+"/oauth/authorize", meta.AuthorizationEndpoint)
			assert.Equal(t, testIssuer+"/oauth/token", meta.TokenEndpoint)
			assert.Equal(t, testIssuer+"/jwks.json", meta.JWKSURI)
			assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
		})
	}
}

func TestMetadata_MethodNotAllowed(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", PathOIDCConfig, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJWKSEndpoint(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", PathJWKS, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Keys, 1)
	assert.Equal(t, "RSA", body.Keys[0]["kty"])
	assert.Equal(t, "sig", body.Keys[0]["use"])
	assert.NotContains(t, body.Keys[0], "d", "private exponent must not be published")
}

// --- Authorize ---

func TestAuthorize_GET_ShowsLoginForm(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", authorizeQuery(testClientID, testRedirect, "xyz", "openid"), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="csrf_token"`)
	assert.Contains(t, rec.Body.String(), testClientID)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAuthorize_GET_PlainErrors(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		redirect string
	}{
		{"missing client", "", testRedirect},
		{"unknown client", "nobody", testRedirect},
		{"non-loopback redirect", testClientID, "https://evil.example.com/cb"},
		{"loopback lookalike", testClientID, "http://127.0.0.1.evil.com/cb"},
		{"missing redirect", testClientID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", authorizeQuery(tt.clientID, tt.redirect, "xyz", ""), nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
}

func TestAuthorize_GET_RedirectErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(url.Values)
		errCode string
	}{
		{"missing PKCE", func(q url.Values) { q.Del("code_challenge") }, "invalid_request"},
		{"plain method", func(q url.Values) { q.Set("code_challenge_method", "plain") }, "invalid_request"},
		{"token response type", func(q url.Values) { q.Set("response_type", "token") }, "unsupported_response_type"},
		{"unknown scope", func(q url.Values) { q.Set("scope", "admin") }, "invalid_scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t)
			u, err := url.Parse(authorizeQuery(testClientID, testRedirect, "xyz", "openid"))
			require.NoError(t, err)
			q := u.Query()
			tt.mutate(q)
			u.RawQuery = q.Encode()

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", u.String(), nil))
			require.Equal(t, http.StatusFound, rec.Code)

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(loc.String(), testRedirect))
			assert.Equal(t, tt.errCode, loc.Query().Get("error"))
			assert.Equal(t, "xyz", loc.Query().Get("state"))
		})
	}
}

func TestAuthorize_POST_ValidLogin(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	csrf := getCSRFToken(t, h, testClientID, testRedirect)

	rec := postForm(h, PathAuthorize, loginForm(csrf, testPassword))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6274", loc.Host)
	assert.Equal(t, "/callback/", loc.Path)
	assert.Len(t, loc.Query().Get("code"), authCodeBytes*2)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, testIssuer, loc.Query().Get("iss"))
}

func TestAuthorize_POST_InvalidPassword(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	csrf := getCSRFToken(t, h, testClientID, testRedirect)

	rec := postForm(h, PathAuthorize, loginForm(csrf, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username or password")
	// A fresh CSRF token is issued for the retry.
	assert.Regexp(t, csrfPattern, rec.Body.String())
}

func TestAuthorize_POST_MissingCSRF(t *testing.T) {
	s := testServer(t)
	rec := postForm(s.Handler(), PathAuthorize, loginForm("", testPassword))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthorize_POST_CSRFReplay(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	csrf := getCSRFToken(t, h, testClientID, testRedirect)

	require.Equal(t, http.StatusFound, postForm(h, PathAuthorize, loginForm(csrf, testPassword)).Code)
	assert.Equal(t, http.StatusForbidden, postForm(h, PathAuthorize, loginForm(csrf, testPassword)).Code)
}

func TestAuthorize_POST_RateLimited(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	for i := 0; i < rateLimitMaxFail; i++ {
		csrf := getCSRFToken(t, h, testClientID, testRedirect)
		require.Equal(t, http.StatusUnauthorized, postForm(h, PathAuthorize, loginForm(csrf, "wrong")).Code)
	}

	csrf := getCSRFToken(t, h, testClientID, testRedirect)
	rec := postForm(h, PathAuthorize, loginForm(csrf, testPassword))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuthorize_MethodNotAllowed(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("PUT", PathAuthorize, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestValidateRedirectURI(t *testing.T) {
	registered := &Client{RedirectURIs: []string{"https://app.example.com/cb", "http://127.0.0.1/cb"}}
	unregistered := &Client{}

	assert.True(t, validateRedirectURI(registered, "https://app.example.com/cb"))
	assert.False(t, validateRedirectURI(registered, "https://app.example.com/other"))
	assert.True(t, validateRedirectURI(registered, "http://127.0.0.1:53124/cb"))
	assert.False(t, validateRedirectURI(registered, "http://127.0.0.1:53124/other"))
	assert.False(t, validateRedirectURI(registered, "http://127.0.0.1.evil.com/cb"))

	assert.True(t, validateRedirectURI(unregistered, "http://localhost:6274/callback/"))
	assert.True(t, validateRedirectURI(unregistered, "http://[::1]:6274/callback/"))
	assert.False(t, validateRedirectURI(unregistered, "https://localhost/cb"))
	assert.False(t, validateRedirectURI(unregistered, "http://localhost/cb#frag"))
}

// --- Token ---

func TestToken_FullFlow(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	resp := decodeToken(t, postForm(h, PathToken, exchangeForm(login(t, h))))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "openid tools:call", resp.Scope)

	var claims AccessClaims
	_, err := jwt.ParseWithClaims(resp.AccessToken, &claims, func(*jwt.Token) (any, error) {
		return s.PublicKey(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice Smith", claims.Name)
}

func TestToken_CodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(url.Values)
		status  int
		errCode string
	}{
		{"wrong verifier", func(f url.Values) { f.Set("code_verifier", strings.Repeat("a", 43)) }, http.StatusBadRequest, "invalid_grant"},
		{"short verifier", func(f url.Values) { f.Set("code_verifier", "short") }, http.StatusBadRequest, "invalid_grant"},
		{"missing verifier", func(f url.Values) { f.Del("code_verifier") }, http.StatusBadRequest, "invalid_grant"},
		{"redirect mismatch", func(f url.Values) { f.Set("redirect_uri", "http://localhost:9999/cb") }, http.StatusBadRequest, "invalid_grant"},
		{"unknown code", func(f url.Values) { f.Set("code", "nope") }, http.StatusBadRequest, "invalid_grant"},
		{"missing code", func(f url.Values) { f.Del("code") }, http.StatusBadRequest, "invalid_request"},
		{"unknown client", func(f url.Values) { f.Set("client_id", "nobody") }, http.StatusUnauthorized, "invalid_client"},
		{"bad grant type", func(f url.Values) { f.Set("grant_type", "password") }, http.StatusBadRequest, "unsupported_grant_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t)
			h := s.Handler()
			form := exchangeForm(login(t, h))
			tt.mutate(form)

			rec := postForm(h, PathToken, form)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errCode, decodeError(t, rec))
		})
	}
}

func TestToken_CodeWrongClient(t *testing.T) {
	s := testServer(t, func(c *Config) { c.ClientIDs = []string{testClientID, "other-cli"} })
	h := s.Handler()
	form := exchangeForm(login(t, h))
	form.Set("client_id", "other-cli")

	rec := postForm(h, PathToken, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestToken_CodeReplay(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	form := exchangeForm(login(t, h))

	decodeToken(t, postForm(h, PathToken, form))
	rec := postForm(h, PathToken, form)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestToken_MethodNotAllowed(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", PathToken, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func refreshForm(token, scope string) url.Values {
	f := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token},
		"client_id":     {testClientID},
	}
	if scope != "" {
		f.Set("scope", scope)
	}
	return f
}

func TestToken_RefreshRotates(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	first := decodeToken(t, postForm(h, PathToken, exchangeForm(login(t, h))))

	second := decodeToken(t, postForm(h, PathToken, refreshForm(first.RefreshToken, "")))
	assert.NotEmpty(t, second.AccessToken)
	assert.NotEmpty(t, second.RefreshToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The rotated-out token is dead.
	rec := postForm(h, PathToken, refreshForm(first.RefreshToken, ""))
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestToken_RefreshWithoutRotation(t *testing.T) {
	s := testServer(t, func(c *Config) { c.RotateRefreshTokens = false })
	h := s.Handler()
	first := decodeToken(t, postForm(h, PathToken, exchangeForm(login(t, h))))

	second := decodeToken(t, postForm(h, PathToken, refreshForm(first.RefreshToken, "")))
	assert.Empty(t, second.RefreshToken, "client keeps its existing refresh token")

	decodeToken(t, postForm(h, PathToken, refreshForm(first.RefreshToken, "")))
}

func TestToken_RefreshScopeNarrowing(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	first := decodeToken(t, postForm(h, PathToken, exchangeForm(login(t, h))))

	narrowed := decodeToken(t, postForm(h, PathToken, refreshForm(first.RefreshToken, "openid")))
	assert.Equal(t, "openid", narrowed.Scope)

	rec := postForm(h, PathToken, refreshForm(narrowed.RefreshToken, "openid profile"))
	assert.Equal(t, "invalid_scope", decodeError(t, rec))
}

func TestToken_RefreshUnknown(t *testing.T) {
	s := testServer(t)
	rec := postForm(s.Handler(), PathToken, refreshForm("nope", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

// --- Registration ---

func register(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", PathRegister, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegistration_Success(t *testing.T) {
	s := testServer(t)
	rec := register(s.Handler(), `{"client_name":"My Agent","redirect_uris":["http://127.0.0.1/cb"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.ClientID, 36)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.NotNil(t, s.store.GetClient(resp.ClientID))
}

func TestRegistration_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"no redirect uris", `{"client_name":"x"}`},
		{"http non-loopback", `{"redirect_uris":["http://app.example.com/cb"]}`},
		{"confidential client", `{"redirect_uris":["https://app.example.com/cb"],"token_endpoint_auth_method":"client_secret_basic"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t)
			rec := register(s.Handler(), tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegistration_RateLimited(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	for i := 0; i < registrationsPerMinute; i++ {
		require.Equal(t, http.StatusCreated, register(h, `{"redirect_uris":["https://app.example.com/cb"]}`).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, register(h, `{"redirect_uris":["https://app.example.com/cb"]}`).Code)
}

func TestRegisteredClientCanAuthorize(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	rec := register(h, `{"redirect_uris":["https://app.example.com/cb"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	getCSRFToken(t, h, resp.ClientID, "https://app.example.com/cb")
}
