package validate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeeper/mcp-bridge/pkg/apiclient"
	"github.com/lorekeeper/mcp-bridge/pkg/oidc"
	"github.com/lorekeeper/mcp-bridge/pkg/providers"
	"github.com/lorekeeper/mcp-bridge/pkg/tokens"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

func newMiddleware(t *testing.T) *TokenValidator {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/me" && r.Header.Get("Authorization") == "Bearer valid-token" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(backend.Close)

	cache := oidc.NewCache()
	validator := tokens.NewValidator(types.AuthModeBoth, apiclient.New(backend.URL), providers.NewRegistry(), oidc.NewVerifier(cache))
	return NewTokenValidator(validator, "https://bridge.example")
}

func TestWithTokenValidation(t *testing.T) {
	t.Run("TestValidBearer", func(t *testing.T) {
		mw := newMiddleware(t)

		var got *tokens.TokenInfo
		handler := mw.WithTokenValidation(func(w http.ResponseWriter, r *http.Request) {
			got = GetTokenInfo(r)
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		handler(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, got)
		assert.Equal(t, tokens.ModeLocal, got.Mode)
		assert.Equal(t, "valid-token", got.EffectiveToken)
	})

	t.Run("TestMissingHeader", func(t *testing.T) {
		mw := newMiddleware(t)
		handler := mw.WithTokenValidation(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("next handler must not run")
		})

		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		w := httptest.NewRecorder()
		handler(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		wwwAuth := w.Header().Get("WWW-Authenticate")
		assert.Contains(t, wwwAuth, `Bearer error="invalid_token"`)
		assert.Contains(t, wwwAuth, "https://bridge.example/.well-known/oauth-protected-resource")
	})

	t.Run("TestMalformedHeader", func(t *testing.T) {
		mw := newMiddleware(t)
		handler := mw.WithTokenValidation(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("next handler must not run")
		})

		for _, header := range []string{"valid-token", "Basic dXNlcjpwYXNz", "Bearer "} {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			req.Header.Set("Authorization", header)
			w := httptest.NewRecorder()
			handler(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q should be rejected", header)
		}
	})

	t.Run("TestInvalidToken", func(t *testing.T) {
		mw := newMiddleware(t)
		handler := mw.WithTokenValidation(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("next handler must not run")
		})

		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer wrong-token")
		w := httptest.NewRecorder()
		handler(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "wrong-token", "the rejected token must not be echoed")
	})

	t.Run("TestGetTokenInfoWithoutMiddleware", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.Nil(t, GetTokenInfo(req))
	})
}
