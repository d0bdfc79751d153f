package authorize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/lorekeeper/mcp-bridge/pkg/handlerutils"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/codes"
	"github.com/lorekeeper/mcp-bridge/pkg/oidc"
	"github.com/lorekeeper/mcp-bridge/pkg/pkce"
	"github.com/lorekeeper/mcp-bridge/pkg/providers"
	"github.com/lorekeeper/mcp-bridge/pkg/tokens"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

// upstreamScopes are requested from upstream OIDC providers; the bridge needs
// identity claims only.
const upstreamScopes = "openid profile email"

type Handler struct {
	codes        *codes.Store
	validator    *tokens.Validator
	registry     *providers.Registry
	pkceStore    *pkce.Store
	cache        *oidc.Cache
	allowedHosts []string
	publicURL    string
}

func NewHandler(codeStore *codes.Store, validator *tokens.Validator, registry *providers.Registry, pkceStore *pkce.Store, cache *oidc.Cache, allowedHosts []string, publicURL string) http.Handler {
	return &Handler{
		codes:        codeStore,
		validator:    validator,
		registry:     registry,
		pkceStore:    pkceStore,
		cache:        cache,
		allowedHosts: allowedHosts,
		publicURL:    publicURL,
	}
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Lorekeeper - Connect your assistant</title></head>
<body>
<h1>Connect your AI assistant to Lorekeeper</h1>
<p>Paste an API token from your account settings, or sign in with a linked identity provider.</p>
<form method="POST" action="{{.Action}}">
<input type="hidden" name="response_type" value="{{.Req.ResponseType}}">
<input type="hidden" name="client_id" value="{{.Req.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Req.RedirectURI}}">
<input type="hidden" name="state" value="{{.Req.State}}">
<input type="hidden" name="code_challenge" value="{{.Req.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Req.CodeChallengeMethod}}">
<label>API token: <input type="password" name="token" autocomplete="off"></label>
<button type="submit">Connect</button>
</form>
{{range .Providers}}
<p><a href="{{.URL}}">Sign in with {{.Name}}</a></p>
{{end}}
{{if .Error}}<p>{{.Error}}</p>{{end}}
</body>
</html>`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Lorekeeper - Authorization error</title></head>
<body>
<h1>Authorization error</h1>
<p>{{.Message}}</p>
</body>
</html>`))

type providerLink struct {
	Name string
	URL  string
}

type loginPage struct {
	Action    string
	Req       types.AuthRequest
	Providers []providerLink
	Error     string
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params url.Values
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            "invalid_request",
				ErrorDescription: "Failed to parse form data",
			})
			return
		}
		params = r.Form
	}

	authReq := types.AuthRequest{
		ResponseType:        params.Get("response_type"),
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
	}

	if authReq.ClientID == "" || authReq.RedirectURI == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing required parameters",
		})
		return
	}

	if authReq.ResponseType != "code" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "unsupported_response_type",
			ErrorDescription: "Only the 'code' response type is supported",
		})
		return
	}

	if authReq.CodeChallenge != "" && authReq.CodeChallengeMethod != "S256" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Only the S256 code challenge method is supported",
		})
		return
	}

	// A disallowed redirect host gets an in-band error page. Redirecting
	// would hand the code to the attacker-controlled host.
	if !HostAllowed(authReq.RedirectURI, p.allowedHosts) {
		p.renderError(w, http.StatusBadRequest, "The redirect address is not on this server's allow-list.")
		return
	}

	if providerID := params.Get("provider_id"); providerID != "" {
		p.relayToProvider(w, r, providerID, authReq)
		return
	}

	if r.Method == http.MethodPost {
		p.handleLogin(w, r, authReq)
		return
	}

	p.renderLogin(w, r, authReq, "")
}

// handleLogin validates the submitted API token and mints an authorization
// code bound to it.
func (p *Handler) handleLogin(w http.ResponseWriter, r *http.Request, authReq types.AuthRequest) {
	token := r.FormValue("token")
	info, err := p.validator.Validate(r.Context(), token)
	if err != nil {
		p.renderLogin(w, r, authReq, "That token was not accepted. Check it and try again.")
		return
	}

	code := p.codes.Mint(info.EffectiveToken, authReq.RedirectURI, authReq.ClientID, authReq.CodeChallenge)
	http.Redirect(w, r, RedirectURL(authReq.RedirectURI, code, authReq.State), http.StatusFound)
}

// relayToProvider starts the upstream leg: a PKCE-protected authorization
// request against the chosen OIDC provider, with the client's original
// request folded into the state parameter.
func (p *Handler) relayToProvider(w http.ResponseWriter, r *http.Request, providerID string, authReq types.AuthRequest) {
	provider, err := p.registry.Get(providerID)
	if err != nil {
		p.renderError(w, http.StatusBadRequest, "Unknown identity provider.")
		return
	}

	doc, err := p.cache.Discover(r.Context(), provider)
	if err != nil {
		log.Printf("Discovery failed for provider %s: %v", provider.ID, err)
		p.renderError(w, http.StatusServiceUnavailable, "The identity provider is currently unavailable.")
		return
	}

	challenge := p.pkceStore.Begin()
	authReq.Nonce = challenge.Nonce
	authReq.ProviderID = provider.ID

	stateData, err := json.Marshal(authReq)
	if err != nil {
		p.renderError(w, http.StatusInternalServerError, "Failed to prepare the authorization request.")
		return
	}

	cfg := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  fmt.Sprintf("%s/oauth/callback", handlerutils.GetBaseURL(r, p.publicURL)),
		Scopes:       strings.Fields(upstreamScopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}

	authURL := cfg.AuthCodeURL(
		base64.RawURLEncoding.EncodeToString(stateData),
		oauth2.S256ChallengeOption(challenge.Challenge),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (p *Handler) renderLogin(w http.ResponseWriter, r *http.Request, authReq types.AuthRequest, errMsg string) {
	var links []providerLink
	for _, provider := range p.registry.All() {
		q := url.Values{}
		q.Set("response_type", authReq.ResponseType)
		q.Set("client_id", authReq.ClientID)
		q.Set("redirect_uri", authReq.RedirectURI)
		q.Set("state", authReq.State)
		q.Set("code_challenge", authReq.CodeChallenge)
		q.Set("code_challenge_method", authReq.CodeChallengeMethod)
		q.Set("provider_id", provider.ID)
		links = append(links, providerLink{
			Name: provider.Name,
			URL:  r.URL.Path + "?" + q.Encode(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if errMsg != "" {
		w.WriteHeader(http.StatusUnauthorized)
	}
	if err := loginTemplate.Execute(w, loginPage{
		Action:    r.URL.Path,
		Req:       authReq,
		Providers: links,
		Error:     errMsg,
	}); err != nil {
		log.Printf("Failed to render login page: %v", err)
	}
}

func (p *Handler) renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := errorTemplate.Execute(w, struct{ Message string }{Message: message}); err != nil {
		log.Printf("Failed to render error page: %v", err)
	}
}

// HostAllowed reports whether the redirect URI's host is on the allow-list.
func HostAllowed(redirectURI string, allowedHosts []string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, allowed := range allowedHosts {
		if host == strings.ToLower(strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}

// RedirectURL appends code and state to the client's redirect URI.
func RedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
