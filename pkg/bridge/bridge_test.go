package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

// fakeBackend is the REST API the bridge fronts: token probe, JIT
// provisioning, and the game-data lookups the tools hit.
type fakeBackend struct {
	srv         *httptest.Server
	spellLookup atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer valid-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/gamedata/spells", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer valid-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.spellLookup.Add(1)
		_, _ = w.Write([]byte(`{"name":"Fireball","level":3}`))
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func newTestBridge(t *testing.T) (*Bridge, *httptest.Server, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend(t)

	b, err := New(&types.Config{
		AuthMode: types.AuthModeBoth,
		APIURL:   backend.srv.URL,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	srv := httptest.NewServer(b.GetHandler())
	t.Cleanup(srv.Close)
	return b, srv, backend
}

// noRedirectClient returns redirects to the caller instead of following them.
var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func postMCP(t *testing.T, baseURL, bearer, sessionID, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(raw)
}

func TestBridge(t *testing.T) {
	t.Run("TestConfigValidation", func(t *testing.T) {
		_, err := New(&types.Config{})
		assert.Error(t, err, "API URL is required")

		_, err = New(&types.Config{APIURL: "not-a-url"})
		assert.Error(t, err)

		_, err = New(&types.Config{APIURL: "http://localhost:3000", AuthMode: "banana"})
		assert.Error(t, err)
	})

	t.Run("TestHealth", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("TestOAuthMetadata", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		resp, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var meta types.OAuthMetadata
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
		assert.Equal(t, srv.URL, meta.Issuer)
		assert.Equal(t, srv.URL+"/oauth/authorize", meta.AuthorizationEndpoint)
		assert.Equal(t, srv.URL+"/oauth/token", meta.TokenEndpoint)
		assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
	})

	t.Run("TestProtectedResourceMetadata", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var meta types.OAuthProtectedResourceMetadata
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
		assert.Equal(t, srv.URL+"/mcp", meta.Resource)
		assert.Equal(t, []string{srv.URL}, meta.AuthorizationServers)
	})

	t.Run("TestEndToEndFlow", func(t *testing.T) {
		b, srv, backend := newTestBridge(t)

		// 1. The client authenticates on the authorize endpoint and is
		// redirected back with a single-use code bound to its PKCE challenge.
		verifier := oauth2.GenerateVerifier()
		form := url.Values{}
		form.Set("response_type", "code")
		form.Set("client_id", "mcp-client")
		form.Set("redirect_uri", "https://claude.ai/api/callback")
		form.Set("state", "client-state")
		form.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		form.Set("code_challenge_method", "S256")
		form.Set("token", "valid-token")

		resp, err := noRedirectClient.PostForm(srv.URL+"/oauth/authorize", form)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "claude.ai", loc.Hostname())
		assert.Equal(t, "client-state", loc.Query().Get("state"))
		code := loc.Query().Get("code")
		require.NotEmpty(t, code)

		// 2. The code is redeemed for the token that authenticated.
		tokenForm := url.Values{}
		tokenForm.Set("grant_type", "authorization_code")
		tokenForm.Set("code", code)
		tokenForm.Set("redirect_uri", "https://claude.ai/api/callback")
		tokenForm.Set("client_id", "mcp-client")
		tokenForm.Set("code_verifier", verifier)

		resp, err = http.PostForm(srv.URL+"/oauth/token", tokenForm)
		require.NoError(t, err)
		var tokenResp types.TokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResp))
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "valid-token", tokenResp.AccessToken)
		assert.Equal(t, "bearer", tokenResp.TokenType)

		// 3. Replaying the code fails uniformly.
		resp, err = http.PostForm(srv.URL+"/oauth/token", tokenForm)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		// 4. The access token opens an MCP session.
		initResp, _ := postMCP(t, srv.URL, tokenResp.AccessToken, "", `{
			"jsonrpc": "2.0",
			"id": 1,
			"method": "initialize",
			"params": {
				"protocolVersion": "2025-03-26",
				"capabilities": {},
				"clientInfo": {"name": "test-client", "version": "1.0"}
			}
		}`)
		require.Equal(t, http.StatusOK, initResp.StatusCode)
		sessionID := initResp.Header.Get("Mcp-Session-Id")
		require.NotEmpty(t, sessionID, "initialize must yield a session ID")
		assert.Equal(t, 1, b.sessions.Len())

		notifyResp, _ := postMCP(t, srv.URL, "", sessionID, `{
			"jsonrpc": "2.0",
			"method": "notifications/initialized"
		}`)
		assert.Equal(t, http.StatusAccepted, notifyResp.StatusCode)

		// 5. Tool calls on the session hit the backend with the session's
		// token.
		callResp, callBody := postMCP(t, srv.URL, "", sessionID, `{
			"jsonrpc": "2.0",
			"id": 2,
			"method": "tools/call",
			"params": {"name": "lookup_spell", "arguments": {"name": "Fireball"}}
		}`)
		require.Equal(t, http.StatusOK, callResp.StatusCode)
		assert.Contains(t, callBody, "Fireball")
		assert.Equal(t, int32(1), backend.spellLookup.Load())

		// 6. DELETE ends the session; further requests on it are rejected.
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
		require.NoError(t, err)
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, 0, b.sessions.Len())

		afterResp, _ := postMCP(t, srv.URL, "", sessionID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
		assert.Equal(t, http.StatusNotFound, afterResp.StatusCode)
	})

	t.Run("TestMCPRequiresValidBearer", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		resp, _ := postMCP(t, srv.URL, "wrong-token", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "resource_metadata")
	})

	t.Run("TestUnknownSession", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		resp, body := postMCP(t, srv.URL, "", "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, body, "invalid_session")
	})

	t.Run("TestRejectedRequestsDoNotConsumeSessions", func(t *testing.T) {
		b, srv, _ := newTestBridge(t)

		// A non-initialize request with no session header is rejected by the
		// transport; it must not occupy a session slot no matter how often it
		// is retried.
		for i := 0; i < 5; i++ {
			resp, _ := postMCP(t, srv.URL, "valid-token", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		}
		assert.Equal(t, 0, b.sessions.Len(), "rejected requests must not be registered as sessions")
	})

	t.Run("TestOAuthEndpointsRateLimited", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", "bogus")
		form.Set("client_id", "mcp-client")

		for i := 0; i < rateLimitMax; i++ {
			resp, err := http.PostForm(srv.URL+"/oauth/token", form)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "request %d is within the window ceiling", i+1)
		}

		resp, err := http.PostForm(srv.URL+"/oauth/token", form)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Contains(t, string(body), "too_many_requests")
	})

	t.Run("TestCORSPreflight", func(t *testing.T) {
		_, srv, _ := newTestBridge(t)

		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/oauth/token", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
	})
}
