package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/interceptor"
	"github.com/alexjbarnes/toolgate/internal/oauth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultRedirectURI is the loopback callback registered for the CLI.
const DefaultRedirectURI = "http://localhost:6274/callback/"

// entraAuthority is the Microsoft identity platform host used when only
// a tenant ID is configured.
const entraAuthority = "https://login.microsoftonline.com"

// Config holds all environment-based configuration for toolgate. Each
// subcommand validates only the section it uses.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// OAuth public client registration. Either OAUTH_ISSUER or
	// OAUTH_TENANT_ID locates the authorization server; explicit
	// endpoints skip discovery.
	ClientID        string        `env:"OAUTH_CLIENT_ID"`
	TenantID        string        `env:"OAUTH_TENANT_ID"`
	Issuer          string        `env:"OAUTH_ISSUER"`
	AuthURL         string        `env:"OAUTH_AUTH_URL"`
	TokenURL        string        `env:"OAUTH_TOKEN_URL"`
	RedirectURI     string        `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:6274/callback/"`
	Scopes          []string      `env:"OAUTH_SCOPES" envSeparator:"," envDefault:"openid,profile,email,offline_access"`
	RefreshSkew     time.Duration `env:"OAUTH_REFRESH_SKEW" envDefault:"60s"`
	CallbackTimeout time.Duration `env:"OAUTH_CALLBACK_TIMEOUT" envDefault:"5m"`

	// Session persistence. An empty SESSION_FILE selects the backend's
	// default location under ~/.toolgate.
	SessionBackend string `env:"SESSION_BACKEND" envDefault:"env"`
	SessionFile    string `env:"SESSION_FILE"`

	// Interceptor policy. A policy file replaces the allow-list settings.
	PolicyFile     string   `env:"INTERCEPTOR_POLICY_FILE"`
	AllowedHeaders []string `env:"INTERCEPTOR_ALLOWED_HEADERS" envSeparator:","`
	ClaimTools     []string `env:"INTERCEPTOR_CLAIM_TOOLS" envSeparator:"," envDefault:"get_personalized_greeting"`

	// Gateway settings. The gateway verifies tokens from the OAuth issuer
	// above.
	GatewayListenAddr      string   `env:"GATEWAY_LISTEN_ADDR" envDefault:":8080"`
	GatewayServerURL       string   `env:"GATEWAY_SERVER_URL"`
	GatewayAudience        string   `env:"GATEWAY_AUDIENCE"`
	GatewayRequiredScopes  []string `env:"GATEWAY_REQUIRED_SCOPES" envSeparator:","`
	GatewayExposeIntercept bool     `env:"GATEWAY_EXPOSE_INTERCEPT" envDefault:"false"`
	WeatherBaseURL         string   `env:"WEATHER_BASE_URL"`

	// Development authorization server.
	DevIDPListenAddr      string        `env:"DEVIDP_LISTEN_ADDR" envDefault:"127.0.0.1:9400"`
	DevIDPIssuer          string        `env:"DEVIDP_ISSUER" envDefault:"http://127.0.0.1:9400"`
	DevIDPUsers           string        `env:"DEVIDP_USERS"`
	DevIDPClientIDs       []string      `env:"DEVIDP_CLIENT_IDS" envSeparator:","`
	DevIDPAudience        string        `env:"DEVIDP_AUDIENCE"`
	DevIDPScopes          []string      `env:"DEVIDP_SCOPES" envSeparator:","`
	DevIDPAccessTokenTTL  time.Duration `env:"DEVIDP_ACCESS_TOKEN_TTL" envDefault:"1h"`
	DevIDPRefreshTokenTTL time.Duration `env:"DEVIDP_REFRESH_TOKEN_TTL" envDefault:"24h"`
	DevIDPRotateRefresh   bool          `env:"DEVIDP_ROTATE_REFRESH_TOKENS" envDefault:"true"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
// Nothing is validated; use the Load* variant for the subcommand.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Scopes = trimList(cfg.Scopes)
	cfg.AllowedHeaders = trimList(cfg.AllowedHeaders)
	cfg.ClaimTools = trimList(cfg.ClaimTools)
	cfg.GatewayRequiredScopes = trimList(cfg.GatewayRequiredScopes)
	cfg.DevIDPClientIDs = trimList(cfg.DevIDPClientIDs)
	cfg.DevIDPScopes = trimList(cfg.DevIDPScopes)

	return cfg, nil
}

// LoadClient loads configuration for login, refresh, token and logout.
func LoadClient() (*Config, error) {
	return loadAndValidate((*Config).validateClient)
}

// LoadGateway loads configuration for the gateway.
func LoadGateway() (*Config, error) {
	return loadAndValidate((*Config).validateGateway)
}

// LoadInterceptor loads configuration for the standalone interceptor.
func LoadInterceptor() (*Config, error) {
	return loadAndValidate((*Config).validateInterceptor)
}

// LoadDevIDP loads configuration for the development authorization server.
func LoadDevIDP() (*Config, error) {
	return loadAndValidate((*Config).validateDevIDP)
}

func loadAndValidate(validate func(*Config) error) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func missing(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrMissingConfig, fmt.Sprintf(format, args...))
}

func (c *Config) validateClient() error {
	if c.ClientID == "" {
		return missing("OAUTH_CLIENT_ID is required")
	}

	if c.OAuthIssuer() == "" && (c.AuthURL == "" || c.TokenURL == "") {
		return missing("one of OAUTH_ISSUER, OAUTH_TENANT_ID or both OAUTH_AUTH_URL and OAUTH_TOKEN_URL is required")
	}

	if c.RedirectURI == "" {
		return missing("OAUTH_REDIRECT_URI is required")
	}

	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Scheme != "http" || u.Host == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URI must be an http loopback URL, got %q", c.RedirectURI)
	}

	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("OAUTH_CALLBACK_TIMEOUT must be positive")
	}

	if c.RefreshSkew < 0 {
		return fmt.Errorf("OAUTH_REFRESH_SKEW must not be negative")
	}

	return c.validateSession()
}

func (c *Config) validateSession() error {
	switch c.SessionBackend {
	case "env", "bolt":
		return nil
	default:
		return fmt.Errorf("SESSION_BACKEND must be env or bolt, got %q", c.SessionBackend)
	}
}

func (c *Config) validateInterceptor() error {
	_, err := c.Policy()
	return err
}

func (c *Config) validateGateway() error {
	if c.OAuthIssuer() == "" {
		return missing("OAUTH_ISSUER or OAUTH_TENANT_ID is required to verify tokens")
	}

	if c.GatewayServerURL == "" {
		return missing("GATEWAY_SERVER_URL is required")
	}

	return c.validateInterceptor()
}

func (c *Config) validateDevIDP() error {
	if c.DevIDPIssuer == "" {
		return missing("DEVIDP_ISSUER is required")
	}

	if c.DevIDPUsers == "" {
		return missing("DEVIDP_USERS is required")
	}

	return nil
}

// OAuthIssuer returns OAUTH_ISSUER, or the Entra v2.0 issuer for
// OAUTH_TENANT_ID when no issuer is set.
func (c *Config) OAuthIssuer() string {
	if c.Issuer != "" {
		return strings.TrimRight(c.Issuer, "/")
	}

	if c.TenantID != "" {
		return entraAuthority + "/" + c.TenantID + "/v2.0"
	}

	return ""
}

// ManagerConfig returns the login manager settings.
func (c *Config) ManagerConfig() oauth.ManagerConfig {
	return oauth.ManagerConfig{
		ClientID: c.ClientID,
		TenantID: c.TenantID,
		Issuer:   c.OAuthIssuer(),
		Endpoints: oauth.Endpoints{
			Issuer:   c.OAuthIssuer(),
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		RedirectURI: c.RedirectURI,
		Scopes:      c.Scopes,
		RefreshSkew: c.RefreshSkew,
	}
}

// Policy returns the interceptor policy: the policy file when one is
// configured, otherwise one built from the allow-list settings.
func (c *Config) Policy() (*interceptor.Policy, error) {
	if c.PolicyFile != "" {
		p, err := interceptor.LoadPolicy(c.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("INTERCEPTOR_POLICY_FILE: %w", err)
		}

		return p, nil
	}

	p := interceptor.DefaultPolicy(c.AllowedHeaders, c.ClaimTools)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("INTERCEPTOR_ALLOWED_HEADERS: %w", err)
	}

	return p, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func trimList(in []string) []string {
	out := in[:0]

	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}
