package callback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/lorekeeper/mcp-bridge/pkg/apiclient"
	"github.com/lorekeeper/mcp-bridge/pkg/handlerutils"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/authorize"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/codes"
	"github.com/lorekeeper/mcp-bridge/pkg/oidc"
	"github.com/lorekeeper/mcp-bridge/pkg/pkce"
	"github.com/lorekeeper/mcp-bridge/pkg/providers"
	"github.com/lorekeeper/mcp-bridge/pkg/tokens"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

// exchangeTimeout bounds the code exchange with the upstream provider, the
// same ceiling the discovery fetches use.
const exchangeTimeout = 10 * time.Second

// Handler completes the upstream leg of a relayed authorization: the provider
// redirects back here with its code, the bridge redeems it with the stored
// PKCE verifier, verifies the resulting id_token, provisions a local account,
// and finally hands the client one of its own codes.
type Handler struct {
	codes        *codes.Store
	pkceStore    *pkce.Store
	registry     *providers.Registry
	cache        *oidc.Cache
	verifier     *oidc.Verifier
	api          *apiclient.Client
	allowedHosts []string
	publicURL    string
}

func NewHandler(codeStore *codes.Store, pkceStore *pkce.Store, registry *providers.Registry, cache *oidc.Cache, verifier *oidc.Verifier, api *apiclient.Client, allowedHosts []string, publicURL string) http.Handler {
	return &Handler{
		codes:        codeStore,
		pkceStore:    pkceStore,
		registry:     registry,
		cache:        cache,
		verifier:     verifier,
		api:          api,
		allowedHosts: allowedHosts,
		publicURL:    publicURL,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstreamCode := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if upstreamCode == "" || state == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing code or state",
		})
		return
	}

	stateData, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Malformed state",
		})
		return
	}
	var authReq types.AuthRequest
	if err := json.Unmarshal(stateData, &authReq); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Malformed state",
		})
		return
	}

	// The state round-trips through the browser, so the redirect host must
	// be checked again before anything is sent to it.
	if !authorize.HostAllowed(authReq.RedirectURI, p.allowedHosts) {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Redirect URI not allowed",
		})
		return
	}

	provider, err := p.registry.Get(authReq.ProviderID)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Unknown provider",
		})
		return
	}

	// Single use: a replayed callback finds no verifier and stops here.
	verifier, ok := p.pkceStore.Consume(authReq.Nonce)
	if !ok {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Authorization request expired, start over",
		})
		return
	}

	doc, err := p.cache.Discover(r.Context(), provider)
	if err != nil {
		log.Printf("Discovery failed for provider %s: %v", provider.ID, err)
		handlerutils.JSON(w, http.StatusServiceUnavailable, types.OAuthError{
			Error:            "temporarily_unavailable",
			ErrorDescription: "Identity provider unavailable",
		})
		return
	}

	cfg := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  fmt.Sprintf("%s/oauth/callback", handlerutils.GetBaseURL(r, p.publicURL)),
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}

	// The exchange runs on oauth2's own HTTP client, so the timeout has to
	// come from the context.
	exchangeCtx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	upstreamToken, err := cfg.Exchange(exchangeCtx, upstreamCode, oauth2.VerifierOption(verifier))
	if err != nil {
		log.Printf("Code exchange failed for provider %s: %v", provider.ID, err)
		handlerutils.JSON(w, http.StatusBadGateway, types.OAuthError{
			Error:            "temporarily_unavailable",
			ErrorDescription: "Code exchange with identity provider failed",
		})
		return
	}

	idToken, _ := upstreamToken.Extra("id_token").(string)
	if idToken == "" {
		handlerutils.JSON(w, http.StatusBadGateway, types.OAuthError{
			Error:            "temporarily_unavailable",
			ErrorDescription: "Identity provider returned no id_token",
		})
		return
	}

	claims, err := p.verifier.Verify(r.Context(), idToken, provider)
	if err != nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Identity verification failed",
		})
		return
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Identity verification failed",
		})
		return
	}

	effectiveToken := idToken
	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)
	if localToken, err := p.api.Provision(r.Context(), sub, username, email); err == nil {
		effectiveToken = localToken
	} else {
		log.Printf("JIT provisioning unavailable for provider %s, falling back to %s mode: %v", provider.ID, tokens.ModeOIDCJWT, err)
	}

	code := p.codes.Mint(effectiveToken, authReq.RedirectURI, authReq.ClientID, authReq.CodeChallenge)
	http.Redirect(w, r, authorize.RedirectURL(authReq.RedirectURI, code, authReq.State), http.StatusFound)
}
