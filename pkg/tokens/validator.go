// Package tokens implements the bridge's dual-mode bearer validation. A
// bearer is tried as a local opaque token first, then as a JWT from each
// configured OIDC provider. Validation never partially succeeds: either one
// strategy completes end-to-end or the bearer is invalid.
package tokens

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lorekeeper/mcp-bridge/pkg/apiclient"
	"github.com/lorekeeper/mcp-bridge/pkg/oidc"
	"github.com/lorekeeper/mcp-bridge/pkg/providers"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

// ErrInvalidToken is returned when every validation strategy fails.
var ErrInvalidToken = errors.New("invalid token")

// Validation modes reported in TokenInfo.Mode.
const (
	ModeLocal = "local"
	ModeOIDC  = "oidc"
	// ModeOIDCJWT is the degraded path: the JWT verified but JIT
	// provisioning was unavailable, so the raw JWT is the effective token.
	ModeOIDCJWT = "oidc_jwt"
)

// TokenInfo is the result of a successful validation. EffectiveToken is what
// tool calls are made with; for OIDC logins it is the locally provisioned
// opaque token, not the JWT the caller presented.
type TokenInfo struct {
	Mode           string
	EffectiveToken string
	Claims         jwt.MapClaims
}

// Strategy is one way to authenticate a bearer. Strategies are tried in
// registration order; the first full success wins.
type Strategy interface {
	TryAuthenticate(ctx context.Context, token string) (*TokenInfo, error)
}

// Validator runs an ordered list of authentication strategies.
type Validator struct {
	strategies []Strategy
}

// NewValidator assembles the strategy list for the configured auth mode.
// Local validation always precedes OIDC when both are enabled.
func NewValidator(authMode string, api *apiclient.Client, registry *providers.Registry, verifier *oidc.Verifier) *Validator {
	v := &Validator{}
	if authMode == types.AuthModeLocal || authMode == types.AuthModeBoth {
		v.strategies = append(v.strategies, &localStrategy{api: api})
	}
	if authMode == types.AuthModeOIDC || authMode == types.AuthModeBoth {
		v.strategies = append(v.strategies, &oidcStrategy{registry: registry, verifier: verifier, api: api})
	}
	return v
}

// NewValidatorWithStrategies builds a validator from explicit strategies.
func NewValidatorWithStrategies(strategies ...Strategy) *Validator {
	return &Validator{strategies: strategies}
}

// Validate runs the strategies in order and returns the first success. All
// failure causes collapse into ErrInvalidToken so callers cannot enumerate
// users or providers.
func (v *Validator) Validate(ctx context.Context, bearer string) (*TokenInfo, error) {
	if bearer == "" {
		return nil, ErrInvalidToken
	}
	for _, s := range v.strategies {
		info, err := s.TryAuthenticate(ctx, bearer)
		if err == nil {
			return info, nil
		}
	}
	return nil, ErrInvalidToken
}

// localStrategy accepts opaque tokens minted by the REST backend by using
// them for an authenticated read.
type localStrategy struct {
	api *apiclient.Client
}

func (s *localStrategy) TryAuthenticate(ctx context.Context, token string) (*TokenInfo, error) {
	if err := s.api.Probe(ctx, token); err != nil {
		return nil, ErrInvalidToken
	}
	return &TokenInfo{Mode: ModeLocal, EffectiveToken: token}, nil
}

// oidcStrategy accepts signed JWTs from any configured provider, then
// exchanges the verified identity for a local token via JIT provisioning.
type oidcStrategy struct {
	registry *providers.Registry
	verifier *oidc.Verifier
	api      *apiclient.Client
}

func (s *oidcStrategy) TryAuthenticate(ctx context.Context, token string) (*TokenInfo, error) {
	// Opaque tokens never contain a dot; skip the JWT path entirely.
	if !strings.Contains(token, ".") {
		return nil, ErrInvalidToken
	}

	for _, provider := range s.registry.All() {
		claims, err := s.verifier.Verify(ctx, token, provider)
		if err != nil {
			continue
		}
		return s.provision(ctx, provider, token, claims)
	}
	return nil, ErrInvalidToken
}

func (s *oidcStrategy) provision(ctx context.Context, provider *providers.Provider, rawToken string, claims jwt.MapClaims) (*TokenInfo, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}

	localToken, err := s.api.Provision(ctx, sub, claimString(claims, "preferred_username"), claimString(claims, "email"))
	if err != nil {
		// Degraded mode: the identity is verified but the backend cannot
		// mint a local token right now. The JWT itself becomes the
		// effective token; the backend accepts it on tool calls.
		log.Printf("JIT provisioning unavailable for provider %s: %v", provider.ID, err)
		return &TokenInfo{Mode: ModeOIDCJWT, EffectiveToken: rawToken, Claims: claims}, nil
	}
	return &TokenInfo{Mode: ModeOIDC, EffectiveToken: localToken, Claims: claims}, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
