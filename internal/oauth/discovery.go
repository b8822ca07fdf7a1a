package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/toolgate/internal/httpx"
	"golang.org/x/sync/singleflight"
)

// DefaultMetadataCacheTTL is how long discovered endpoints are reused.
const DefaultMetadataCacheTTL = 30 * time.Minute

// Endpoints are the authorization server URLs the flow talks to.
type Endpoints struct {
	Issuer   string `json:"issuer"`
	AuthURL  string `json:"authorization_endpoint"`
	TokenURL string `json:"token_endpoint"`
}

// Validate checks that both endpoints are present.
func (e *Endpoints) Validate() error {
	if e.AuthURL == "" {
		return fmt.Errorf("authorization endpoint is empty")
	}

	if e.TokenURL == "" {
		return fmt.Errorf("token endpoint is empty")
	}

	return nil
}

type metadataCacheEntry struct {
	endpoints *Endpoints
	fetchedAt time.Time
}

type metadataCache struct {
	mu      sync.RWMutex
	entries map[string]*metadataCacheEntry
	group   singleflight.Group
	ttl     time.Duration
}

func newMetadataCache(ttl time.Duration) *metadataCache {
	return &metadataCache{
		entries: make(map[string]*metadataCacheEntry),
		ttl:     ttl,
	}
}

func (m *metadataCache) get(issuer string) *Endpoints {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.entries[issuer]; ok && time.Since(entry.fetchedAt) < m.ttl {
		return entry.endpoints
	}

	return nil
}

func (m *metadataCache) put(issuer string, ep *Endpoints) {
	m.mu.Lock()
	m.entries[issuer] = &metadataCacheEntry{endpoints: ep, fetchedAt: time.Now()}
	m.mu.Unlock()
}

// Discover resolves the authorization and token endpoints of an issuer
// (the tenant). It tries RFC 8414 first, then OpenID Connect discovery.
// Results are cached per issuer and concurrent lookups are collapsed.
// The shared fetch is not cancelled with any one caller's ctx; it is
// bounded by the HTTP client timeout, and each caller stops waiting when
// its own ctx is done.
func (c *TokenClient) Discover(ctx context.Context, issuer string) (*Endpoints, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty", StepDiscover)
	}

	if ep := c.metadata.get(issuer); ep != nil {
		return ep, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.metadata.group.DoChan(issuer, func() (any, error) {
		if ep := c.metadata.get(issuer); ep != nil {
			return ep, nil
		}

		return c.doDiscover(fetchCtx, issuer)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", StepDiscover, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*Endpoints), nil
	}
}

func (c *TokenClient) doDiscover(ctx context.Context, issuer string) (*Endpoints, error) {
	ep, err := c.fetchMetadata(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err == nil {
		c.metadata.put(issuer, ep)
		return ep, nil
	}

	c.logger.Debug("RFC 8414 metadata fetch failed, trying OIDC discovery",
		"issuer", issuer,
		"error", err)

	ep, oidcErr := c.fetchMetadata(ctx, issuer+"/.well-known/openid-configuration")
	if oidcErr != nil {
		// Both errors stay in the chain so either one being transient
		// makes the lookup retryable.
		return nil, fmt.Errorf("%s: no usable metadata for %s: %w; %w", StepDiscover, issuer, oidcErr, err)
	}

	c.metadata.put(issuer, ep)

	return ep, nil
}

func (c *TokenClient) fetchMetadata(ctx context.Context, metadataURL string) (*Endpoints, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Step: StepDiscover, Err: err}
	}
	defer resp.Body.Close()

	if httpx.IsTransientStatus(resp.StatusCode) {
		return nil, &TransportError{
			Step: StepDiscover,
			Err:  fmt.Errorf("metadata request failed with status %d", resp.StatusCode),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := httpx.ReadBody(resp.Body)
	if err != nil {
		return nil, &TransportError{Step: StepDiscover, Err: err}
	}

	var ep Endpoints
	if err := json.Unmarshal(body, &ep); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	if err := ep.Validate(); err != nil {
		return nil, err
	}

	return &ep, nil
}
