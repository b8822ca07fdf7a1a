// Package devidp is a local authorization server for development and
// end-to-end tests. It speaks the same authorization code + PKCE
// protocol as the production tenant and signs RS256 access tokens.
// All state is in-memory; codes and refresh tokens are lost on restart.
package devidp

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthCode represents a pending authorization code.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	UserID        string
	Scopes        []string
	ExpiresAt     time.Time
}

// RefreshGrant is an issued refresh token and what it may be exchanged for.
type RefreshGrant struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// Client is a registered public client.
type Client struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

const (
	// maxClients caps the number of registered clients to prevent
	// unbounded growth from unauthenticated registration requests.
	maxClients = 100

	// registrationsPerMinute limits unauthenticated /oauth/register calls.
	registrationsPerMinute = 10

	csrfExpiry      = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// csrfEntry binds a CSRF token to the client and redirect it was issued for.
type csrfEntry struct {
	clientID    string
	redirectURI string
	expiresAt   time.Time
}

// Store holds all in-memory authorization state.
type Store struct {
	mu       sync.RWMutex
	codes    map[string]*AuthCode     // code -> AuthCode
	refresh  map[string]*RefreshGrant // refresh token -> grant
	clients  map[string]*Client       // client_id -> Client
	csrf     map[string]csrfEntry     // csrf token -> binding
	stopGC   chan struct{}
	stopOnce sync.Once
	now      func() time.Time

	registrationTimes []time.Time
}

// NewStore creates an empty store and starts a background goroutine
// that periodically removes expired entries. Call Stop to end it.
func NewStore() *Store {
	s := &Store{
		codes:   make(map[string]*AuthCode),
		refresh: make(map[string]*RefreshGrant),
		clients: make(map[string]*Client),
		csrf:    make(map[string]csrfEntry),
		stopGC:  make(chan struct{}),
		now:     time.Now,
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries from the store.
func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}

	for k, rg := range s.refresh {
		if now.After(rg.ExpiresAt) {
			delete(s.refresh, k)
		}
	}

	for k, entry := range s.csrf {
		if now.After(entry.expiresAt) {
			delete(s.csrf, k)
		}
	}
}

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code. Codes are
// single use: a second call returns nil. Expired codes return nil.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if s.now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// SaveRefresh stores a refresh grant.
func (s *Store) SaveRefresh(rg *RefreshGrant) {
	s.mu.Lock()
	s.refresh[rg.Token] = rg
	s.mu.Unlock()
}

// LookupRefresh returns the grant for token, or nil if unknown or expired.
// When consume is true the token is removed so it cannot be replayed.
func (s *Store) LookupRefresh(token string, consume bool) *RefreshGrant {
	s.mu.Lock()
	defer s.mu.Unlock()

	rg, ok := s.refresh[token]
	if !ok {
		return nil
	}

	if consume {
		delete(s.refresh, token)
	}

	if s.now().After(rg.ExpiresAt) {
		delete(s.refresh, token)
		return nil
	}

	return rg
}

// RegistrationAllowed checks whether a new registration fits under the
// per-minute rate limit and records it if so.
func (s *Store) RegistrationAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	window := now.Add(-1 * time.Minute)

	valid := s.registrationTimes[:0]
	for _, t := range s.registrationTimes {
		if t.After(window) {
			valid = append(valid, t)
		}
	}

	s.registrationTimes = valid

	if len(s.registrationTimes) >= registrationsPerMinute {
		return false
	}

	s.registrationTimes = append(s.registrationTimes, now)

	return true
}

// RegisterClient stores a client. Returns false if the maximum number of
// registered clients has been reached.
func (s *Store) RegisterClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[c.ClientID]; !exists && len(s.clients) >= maxClients {
		return false
	}

	s.clients[c.ClientID] = c

	return true
}

// GetClient returns the client for clientID, or nil.
func (s *Store) GetClient(clientID string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clients[clientID]
}

// SaveCSRF stores a CSRF token bound to a client and redirect URI.
func (s *Store) SaveCSRF(token, clientID, redirectURI string) {
	s.mu.Lock()
	s.csrf[token] = csrfEntry{
		clientID:    clientID,
		redirectURI: redirectURI,
		expiresAt:   s.now().Add(csrfExpiry),
	}
	s.mu.Unlock()
}

// ConsumeCSRF deletes a CSRF token and reports whether it was valid for
// the given client and redirect URI.
func (s *Store) ConsumeCSRF(token, clientID, redirectURI string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.csrf[token]
	if !ok {
		return false
	}

	delete(s.csrf, token)

	return s.now().Before(entry.expiresAt) &&
		entry.clientID == clientID &&
		entry.redirectURI == redirectURI
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
