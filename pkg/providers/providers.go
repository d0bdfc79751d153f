package providers

import (
	"fmt"
	"os"
)

// maxProviders caps the number of numbered OIDC_<n>_* provider slots that are
// scanned at startup.
const maxProviders = 20

// Provider describes a configured OIDC identity provider. Providers are
// immutable after load; identity is ID.
type Provider struct {
	ID           string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Name         string
}

// Registry holds the providers configured at startup, in registration order.
// It is immutable after LoadFromEnv returns.
type Registry struct {
	providers []*Provider
	byID      map[string]*Provider
}

// LoadFromEnv reads OIDC_<n>_ISSUER_URL, OIDC_<n>_CLIENT_ID,
// OIDC_<n>_CLIENT_SECRET and OIDC_<n>_PROVIDER_NAME for n = 1..20. Gaps in
// the numbering are skipped. A slot with an issuer but no client ID is a
// configuration error.
func LoadFromEnv() (*Registry, error) {
	r := &Registry{byID: make(map[string]*Provider)}
	for n := 1; n <= maxProviders; n++ {
		issuer := os.Getenv(fmt.Sprintf("OIDC_%d_ISSUER_URL", n))
		if issuer == "" {
			continue
		}
		clientID := os.Getenv(fmt.Sprintf("OIDC_%d_CLIENT_ID", n))
		if clientID == "" {
			return nil, fmt.Errorf("OIDC_%d_ISSUER_URL is set but OIDC_%d_CLIENT_ID is missing", n, n)
		}
		name := os.Getenv(fmt.Sprintf("OIDC_%d_PROVIDER_NAME", n))
		if name == "" {
			name = fmt.Sprintf("Provider %d", n)
		}
		p := &Provider{
			ID:           fmt.Sprintf("oidc-%d", n),
			IssuerURL:    issuer,
			ClientID:     clientID,
			ClientSecret: os.Getenv(fmt.Sprintf("OIDC_%d_CLIENT_SECRET", n)),
			Name:         name,
		}
		r.providers = append(r.providers, p)
		r.byID[p.ID] = p
	}
	return r, nil
}

// NewRegistry builds a registry from explicit providers. Used by tests and by
// callers that manage their own configuration source.
func NewRegistry(providers ...*Provider) *Registry {
	r := &Registry{byID: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		r.providers = append(r.providers, p)
		r.byID[p.ID] = p
	}
	return r
}

// Get returns the provider with the given ID.
func (r *Registry) Get(id string) (*Provider, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", id)
	}
	return p, nil
}

// All returns the providers in registration order. Callers must not modify
// the returned slice.
func (r *Registry) All() []*Provider {
	return r.providers
}

// Len returns the number of configured providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
