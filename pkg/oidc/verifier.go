package oidc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lorekeeper/mcp-bridge/pkg/providers"
)

// ErrInvalidToken is returned for any JWT that fails verification. Callers
// must not distinguish failure causes to the outside world.
var ErrInvalidToken = errors.New("invalid token")

// supportedAlgs is the closed set of accepted signing algorithms. Anything
// else, including "none", is rejected before signature verification.
var supportedAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Verifier checks compact JWTs against a provider's published signing keys.
// The order is fixed: decode, select key by kid, verify signature, then
// validate claims. No claim is trusted before the signature check passes.
type Verifier struct {
	cache *Cache

	mu  sync.Mutex
	now func() time.Time
}

// NewVerifier creates a verifier backed by the given discovery/JWKS cache.
func NewVerifier(cache *Cache) *Verifier {
	return &Verifier{cache: cache, now: time.Now}
}

// SetClock overrides the verifier's clock for expiry checks.
func (v *Verifier) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

func (v *Verifier) clock() func() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Verify parses and verifies a compact JWT against the provider. On success
// it returns the token's claims. The expiry claim is required; a token whose
// exp is in the past fails.
func (v *Verifier) Verify(ctx context.Context, rawToken string, provider *providers.Provider) (jwt.MapClaims, error) {
	doc, err := v.cache.Discover(ctx, provider)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(supportedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock()),
	)

	token, err := parser.Parse(rawToken, func(t *jwt.Token) (any, error) {
		return v.signingKeyFor(ctx, doc.JWKSURI, t)
	})
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	// Signature is verified; now validate issuer and audience.
	iss, err := claims.GetIssuer()
	if err != nil || (iss != provider.IssuerURL && iss != doc.Issuer) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, provider.ClientID) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	return claims, nil
}

// signingKeyFor selects the JWKS key matching the token's kid header. When
// the token carries no kid the single published key is used if there is
// exactly one; with multiple keys and no kid we fail closed rather than
// guess.
func (v *Verifier) signingKeyFor(ctx context.Context, jwksURI string, t *jwt.Token) (any, error) {
	keys, err := v.cache.SigningKeys(ctx, jwksURI)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing keys published")
	}

	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		if len(keys) == 1 {
			return keys[0].PublicKey()
		}
		return nil, fmt.Errorf("token has no kid and multiple keys are published")
	}

	for i := range keys {
		if keys[i].KeyID == kid {
			return keys[i].PublicKey()
		}
	}
	return nil, fmt.Errorf("no key matches kid %q", kid)
}
