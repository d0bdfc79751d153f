// Package bridge wires the auth and session subsystems into the HTTP surface
// the MCP client sees: the OAuth endpoints, the metadata well-knowns, and the
// /mcp endpoint that dispatches into per-session tool servers.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/lorekeeper/mcp-bridge/pkg/apiclient"
	"github.com/lorekeeper/mcp-bridge/pkg/handlerutils"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/authorize"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/callback"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/codes"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/token"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/validate"
	"github.com/lorekeeper/mcp-bridge/pkg/oidc"
	"github.com/lorekeeper/mcp-bridge/pkg/pkce"
	"github.com/lorekeeper/mcp-bridge/pkg/providers"
	"github.com/lorekeeper/mcp-bridge/pkg/ratelimit"
	"github.com/lorekeeper/mcp-bridge/pkg/sessions"
	"github.com/lorekeeper/mcp-bridge/pkg/tokens"
	"github.com/lorekeeper/mcp-bridge/pkg/toolserver"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

const (
	sessionHeader = "Mcp-Session-Id"

	// OAuth endpoint brute-force ceiling: 10 requests per source IP per
	// 15 minute window.
	rateLimitWindow = 15 * time.Minute
	rateLimitMax    = 10
)

// Version is stamped at build time.
var Version = "dev"

// Bridge is the assembled auth/session bridge.
type Bridge struct {
	config         *types.Config
	registry       *providers.Registry
	cache          *oidc.Cache
	verifier       *oidc.Verifier
	api            *apiclient.Client
	validator      *tokens.Validator
	tokenValidator *validate.TokenValidator
	codes          *codes.Store
	pkceStore      *pkce.Store
	rateLimiter    *ratelimit.RateLimiter
	sessions       *sessions.Store

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a bridge from configuration. Provider registration, the
// discovery cache, and all in-memory stores are created here; nothing is
// persisted, so a restart discards pending codes and live sessions.
func New(config *types.Config) (*Bridge, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("API URL is required")
	}
	if u, err := url.Parse(config.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid API URL: %s", config.APIURL)
	}

	switch config.AuthMode {
	case "":
		config.AuthMode = types.AuthModeBoth
	case types.AuthModeLocal, types.AuthModeOIDC, types.AuthModeBoth:
	default:
		return nil, fmt.Errorf("invalid auth mode: %s", config.AuthMode)
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if len(config.AllowedRedirectHosts) == 0 {
		config.AllowedRedirectHosts = []string{"claude.ai", "localhost", "127.0.0.1"}
	}

	registry, err := providers.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load OIDC providers: %w", err)
	}
	if config.AuthMode != types.AuthModeLocal && registry.Len() == 0 {
		log.Printf("Auth mode %q with no OIDC providers configured; only local tokens will validate", config.AuthMode)
	}

	cache := oidc.NewCache()
	verifier := oidc.NewVerifier(cache)
	api := apiclient.New(config.APIURL)
	validator := tokens.NewValidator(config.AuthMode, api, registry, verifier)

	b := &Bridge{
		config:         config,
		registry:       registry,
		cache:          cache,
		verifier:       verifier,
		api:            api,
		validator:      validator,
		tokenValidator: validate.NewTokenValidator(validator, config.PublicURL),
		codes:          codes.NewStore(),
		pkceStore:      pkce.NewStore(),
		rateLimiter:    ratelimit.NewRateLimiter(rateLimitWindow, rateLimitMax),
		sessions: sessions.NewStore(func(tok string) *mcpserver.MCPServer {
			return toolserver.New(api, tok, Version)
		}),
	}
	return b, nil
}

// Start launches the background purge loops.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	stop := make(chan struct{})
	context.AfterFunc(b.ctx, func() { close(stop) })
	b.rateLimiter.StartPurging(stop)
	return nil
}

// Close stops the stores' background sweepers.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.codes.Close()
	b.pkceStore.Close()
	b.sessions.Stop()
	return nil
}

// SetupRoutes registers the bridge's endpoints on mux.
func (b *Bridge) SetupRoutes(mux *http.ServeMux) {
	authorizeHandler := authorize.NewHandler(b.codes, b.validator, b.registry, b.pkceStore, b.cache, b.config.AllowedRedirectHosts, b.config.PublicURL)
	callbackHandler := callback.NewHandler(b.codes, b.pkceStore, b.registry, b.cache, b.verifier, b.api, b.config.AllowedRedirectHosts, b.config.PublicURL)
	tokenHandler := token.NewHandler(b.codes)

	mux.HandleFunc("GET /health", b.withCORS(b.healthHandler))

	// The OAuth and metadata routes are method-qualified, so preflights need
	// their own routes; withCORS answers them before the no-op handler runs.
	preflight := b.withCORS(func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("OPTIONS /oauth/{path...}", preflight)
	mux.HandleFunc("OPTIONS /.well-known/{path...}", preflight)

	// OAuth endpoints, rate limited before any other work
	mux.HandleFunc("GET /oauth/authorize", b.withCORS(b.withRateLimit(authorizeHandler)))
	mux.HandleFunc("POST /oauth/authorize", b.withCORS(b.withRateLimit(authorizeHandler)))
	mux.HandleFunc("GET /oauth/callback", b.withCORS(b.withRateLimit(callbackHandler)))
	mux.HandleFunc("POST /oauth/token", b.withCORS(b.withRateLimit(tokenHandler)))

	// Metadata endpoints
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", b.withCORS(b.oauthMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", b.withCORS(b.protectedResourceMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{path...}", b.withCORS(b.protectedResourceMetadataHandler))

	// MCP endpoint
	mux.HandleFunc("/mcp", b.withCORS(b.mcpHandler))
}

// GetHandler returns the bridge's full HTTP handler with access logging.
func (b *Bridge) GetHandler() http.Handler {
	mux := http.NewServeMux()
	b.SetupRoutes(mux)
	return handlers.LoggingHandler(os.Stdout, mux)
}

// mcpHandler dispatches MCP traffic. A request without a session header is an
// initialization: the bearer is validated end-to-end and a fresh tool server
// is bound to the effective token. Requests carrying a session header are
// routed to that session's transport without revalidating the token; the
// session captured it at creation and rotation requires a new session.
func (b *Bridge) mcpHandler(w http.ResponseWriter, r *http.Request) {
	if sid := r.Header.Get(sessionHeader); sid != "" {
		sess, ok := b.sessions.Get(sid)
		if !ok {
			handlerutils.JSON(w, http.StatusNotFound, map[string]string{
				"error":             "invalid_session",
				"error_description": "Session not found or expired",
			})
			return
		}
		sess.Transport().ServeHTTP(w, r)
		if r.Method == http.MethodDelete {
			b.sessions.Close(sid)
		}
		return
	}

	b.tokenValidator.WithTokenValidation(func(w http.ResponseWriter, r *http.Request) {
		info := validate.GetTokenInfo(r)
		sess := b.sessions.Create(info.EffectiveToken)
		sess.Transport().ServeHTTP(w, r)

		// The transport assigns the wire session ID only on a successful
		// initialize. Anything it rejected gets no ID and must not occupy a
		// session slot, or rejected requests would evict live sessions.
		if id := w.Header().Get(sessionHeader); id != "" {
			b.sessions.Register(id, sess)
		}
	})(w, r)
}

// withCORS wraps a handler with CORS headers.
func (b *Bridge) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Mcp-Session-Id, mcp-protocol-version")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Mcp-Session-Id")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// withRateLimit wraps a handler with per-IP rate limiting.
func (b *Bridge) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := handlerutils.GetClientIP(r)
		if !b.rateLimiter.Allow(clientIP) {
			handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
				Error:            "too_many_requests",
				ErrorDescription: "Rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (b *Bridge) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Bridge) oauthMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r, b.config.PublicURL)

	handlerutils.JSON(w, http.StatusOK, &types.OAuthMetadata{
		Issuer:                            baseURL,
		AuthorizationEndpoint:             baseURL + "/oauth/authorize",
		TokenEndpoint:                     baseURL + "/oauth/token",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

func (b *Bridge) protectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r, b.config.PublicURL)

	handlerutils.JSON(w, http.StatusOK, types.OAuthProtectedResourceMetadata{
		Resource:               baseURL + "/mcp",
		AuthorizationServers:   []string{baseURL},
		ResourceName:           "Lorekeeper DM Tools",
		BearerMethodsSupported: []string{"header"},
	})
}
