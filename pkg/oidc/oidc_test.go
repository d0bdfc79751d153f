package oidc

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/lorekeeper/mcp-bridge/pkg/providers"
)

// fakeProvider serves a minimal OIDC discovery document and JWKS endpoint for
// tests. Fetch counters let tests assert cache behavior.
type fakeProvider struct {
	srv  *httptest.Server
	keys []JWK

	// discoveryDelay slows the discovery response so concurrent fetches
	// overlap. Set before issuing requests.
	discoveryDelay time.Duration

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
	failDiscovery atomic.Bool
	failJWKS      atomic.Bool
}

func newFakeProvider(t *testing.T, keys ...JWK) *fakeProvider {
	t.Helper()
	p := &fakeProvider{keys: keys}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.discoveryHits.Add(1)
		time.Sleep(p.discoveryDelay)
		if p.failDiscovery.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(DiscoveryDocument{
			Issuer:                p.srv.URL,
			AuthorizationEndpoint: p.srv.URL + "/authorize",
			TokenEndpoint:         p.srv.URL + "/token",
			JWKSURI:               p.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		if p.failJWKS.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(JWKSet{Keys: p.keys})
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) provider() *providers.Provider {
	return &providers.Provider{
		ID:        "oidc-1",
		IssuerURL: p.srv.URL,
		ClientID:  "test-client",
		Name:      "Test",
	}
}

func rsaJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		KeyType:   "RSA",
		KeyID:     kid,
		Algorithm: "RS256",
		N:         base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:         base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) JWK {
	size := (pub.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return JWK{
		KeyType:   "EC",
		KeyID:     kid,
		Algorithm: "ES256",
		Curve:     pub.Curve.Params().Name,
		X:         base64.RawURLEncoding.EncodeToString(x),
		Y:         base64.RawURLEncoding.EncodeToString(y),
	}
}

// signToken signs claims with the given method and key, setting the kid
// header when non-empty.
func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}
