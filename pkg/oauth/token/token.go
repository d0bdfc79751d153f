package token

import (
	"net/http"

	"github.com/lorekeeper/mcp-bridge/pkg/handlerutils"
	"github.com/lorekeeper/mcp-bridge/pkg/oauth/codes"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

// Handler implements the token endpoint. It redeems a single-use
// authorization code for the token it was bound to; codes minted with a PKCE
// challenge additionally require the matching code_verifier. Every redemption
// failure returns the same invalid_grant response so callers cannot probe
// whether a code existed, expired, or was bound elsewhere.
type Handler struct {
	codes *codes.Store
}

func NewHandler(codeStore *codes.Store) http.Handler {
	return &Handler{codes: codeStore}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid request body",
		})
		return
	}

	if r.FormValue("grant_type") != "authorization_code" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "unsupported_grant_type",
			ErrorDescription: "Only the authorization_code grant is supported",
		})
		return
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	clientID := r.FormValue("client_id")
	if code == "" || clientID == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Missing required parameters",
		})
		return
	}

	accessToken, err := p.codes.Redeem(code, redirectURI, clientID, r.FormValue("code_verifier"))
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Invalid authorization code",
		})
		return
	}

	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
	})
}
