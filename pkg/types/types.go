package types

// Auth modes accepted by the bridge.
const (
	AuthModeLocal = "local"
	AuthModeOIDC  = "oidc"
	AuthModeBoth  = "both"
)

// Config holds all configuration values for the auth bridge.
type Config struct {
	AuthMode             string
	APIURL               string
	PublicURL            string
	AllowedRedirectHosts []string
	Host                 string
	Port                 string
}

// AuthRequest represents the client's authorization request. It is round
// tripped through the upstream provider's state parameter, so it must stay
// JSON-serializable.
type AuthRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// Nonce keys the PKCE verifier stored for the upstream leg.
	Nonce string `json:"nonce,omitempty"`
	// ProviderID names the OIDC provider the request was relayed to.
	ProviderID string `json:"provider_id,omitempty"`
}

// AuthCode is a single-use authorization code bound to the token that was
// used to authenticate and the redirect it was issued for. CodeChallenge is
// the client's S256 PKCE challenge, empty when the client sent none.
type AuthCode struct {
	Token         string
	RedirectURI   string
	ClientID      string
	CodeChallenge string
}

// OAuthError represents an OAuth error response body.
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenResponse represents a successful token endpoint response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// OAuthMetadata represents the authorization server metadata published at
// /.well-known/oauth-authorization-server.
type OAuthMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// OAuthProtectedResourceMetadata represents the protected resource metadata
// published at /.well-known/oauth-protected-resource.
type OAuthProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ResourceName           string   `json:"resource_name,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}
