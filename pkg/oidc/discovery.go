package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lorekeeper/mcp-bridge/pkg/providers"
)

// ErrUpstreamUnavailable is returned when a provider's discovery or JWKS
// endpoint cannot be fetched. A failed fetch never replaces a cached value.
var ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

const (
	defaultCacheTTL     = time.Hour
	defaultFetchTimeout = 10 * time.Second
)

// DiscoveryDocument is the subset of the OIDC discovery document the bridge
// needs.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
}

// JWKSet is a provider's published signing key set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type cachedDoc struct {
	doc       *DiscoveryDocument
	expiresAt time.Time
}

type cachedKeys struct {
	keys      []JWK
	expiresAt time.Time
}

// Cache is a read-through cache for discovery documents (keyed by issuer URL)
// and JWK sets (keyed by jwks_uri), each entry carrying an independent TTL.
// Concurrent fetches for the same URL are collapsed with singleflight.
type Cache struct {
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu        sync.Mutex
	discovery map[string]*cachedDoc
	jwks      map[string]*cachedKeys
	group     singleflight.Group
}

// NewCache creates a discovery/JWKS cache with a 1 hour TTL.
func NewCache() *Cache {
	return &Cache{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		ttl:        defaultCacheTTL,
		now:        time.Now,
		discovery:  make(map[string]*cachedDoc),
		jwks:       make(map[string]*cachedKeys),
	}
}

// SetClock overrides the cache's clock. Tests use this to force expiry
// without waiting.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetHTTPClient overrides the HTTP client used for fetches.
func (c *Cache) SetHTTPClient(client *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = client
}

// Discover returns the provider's discovery document, fetching it from the
// issuer's well-known endpoint on a cache miss or after expiry.
func (c *Cache) Discover(ctx context.Context, provider *providers.Provider) (*DiscoveryDocument, error) {
	issuer := provider.IssuerURL

	c.mu.Lock()
	if entry, ok := c.discovery[issuer]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.doc, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("discovery:"+issuer, func() (any, error) {
		doc := &DiscoveryDocument{}
		wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
		if err := c.fetchJSON(ctx, wellKnown, doc); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.discovery[issuer] = &cachedDoc{doc: doc, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

// SigningKeys returns the key set published at jwksURI, fetching it on a
// cache miss or after expiry.
func (c *Cache) SigningKeys(ctx context.Context, jwksURI string) ([]JWK, error) {
	c.mu.Lock()
	if entry, ok := c.jwks[jwksURI]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.keys, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("jwks:"+jwksURI, func() (any, error) {
		set := &JWKSet{}
		if err := c.fetchJSON(ctx, jwksURI, set); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.jwks[jwksURI] = &cachedKeys{keys: set.Keys, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return set.Keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]JWK), nil
}

func (c *Cache) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	c.mu.Lock()
	client := c.httpClient
	c.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned status %d", ErrUpstreamUnavailable, url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", ErrUpstreamUnavailable, url, err)
	}
	return nil
}
