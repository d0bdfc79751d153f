package validate

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lorekeeper/mcp-bridge/pkg/handlerutils"
	"github.com/lorekeeper/mcp-bridge/pkg/tokens"
)

type tokenInfoKey struct{}

// TokenValidator turns the dual-mode token validator into HTTP middleware.
type TokenValidator struct {
	validator *tokens.Validator
	publicURL string
}

func NewTokenValidator(validator *tokens.Validator, publicURL string) *TokenValidator {
	return &TokenValidator{validator: validator, publicURL: publicURL}
}

// WithTokenValidation rejects requests whose bearer fails every validation
// path. The response never says why a token was rejected.
func (p *TokenValidator) WithTokenValidation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			p.unauthorized(w, r, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			p.unauthorized(w, r, "Invalid Authorization header format, expected 'Bearer TOKEN'")
			return
		}

		info, err := p.validator.Validate(r.Context(), parts[1])
		if err != nil {
			p.unauthorized(w, r, "Invalid or expired token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), tokenInfoKey{}, info)))
	}
}

func (p *TokenValidator) unauthorized(w http.ResponseWriter, r *http.Request, description string) {
	resourceMetadataURL := fmt.Sprintf("%s/.well-known/oauth-protected-resource", handlerutils.GetBaseURL(r, p.publicURL))
	wwwAuthValue := fmt.Sprintf(`Bearer error="invalid_token", error_description="%s", resource_metadata="%s"`, description, resourceMetadataURL)
	w.Header().Set("WWW-Authenticate", wwwAuthValue)
	handlerutils.JSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "invalid_token",
		"error_description": description,
	})
}

// GetTokenInfo returns the validated token info stored by the middleware.
func GetTokenInfo(r *http.Request) *tokens.TokenInfo {
	info, _ := r.Context().Value(tokenInfoKey{}).(*tokens.TokenInfo)
	return info
}
