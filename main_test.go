package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeeper/mcp-bridge/pkg/bridge"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

func TestIntegrationFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	t.Setenv("OIDC_1_ISSUER_URL", "https://accounts.google.com")
	t.Setenv("OIDC_1_CLIENT_ID", "test_client_id")
	t.Setenv("OIDC_1_CLIENT_SECRET", "test_client_secret")
	t.Setenv("OIDC_1_PROVIDER_NAME", "Google")

	b, err := bridge.New(&types.Config{
		AuthMode: types.AuthModeBoth,
		APIURL:   backend.URL,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer func() {
		if err := b.Close(); err != nil {
			t.Logf("Error closing bridge: %v", err)
		}
	}()

	srv := httptest.NewServer(b.GetHandler())
	defer srv.Close()

	t.Run("TestHealthEndpoint", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("TestAuthorizationServerMetadata", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var meta types.OAuthMetadata
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
		assert.Equal(t, srv.URL, meta.Issuer)
		assert.Contains(t, meta.GrantTypesSupported, "authorization_code")
	})

	t.Run("TestLoginPageListsProvider", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/oauth/authorize?response_type=code&client_id=c&redirect_uri=https%3A%2F%2Fclaude.ai%2Fcb")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("TestMCPRequiresAuth", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/mcp", "application/json", nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
