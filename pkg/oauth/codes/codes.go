// Package codes stores the bridge's single-use authorization codes. A code
// binds the token that authenticated to the redirect URI and client it was
// issued for; redemption consumes it atomically, so a replayed code fails the
// same way an unknown one does.
package codes

import (
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/lorekeeper/mcp-bridge/pkg/encryption"
	"github.com/lorekeeper/mcp-bridge/pkg/expiring"
	"github.com/lorekeeper/mcp-bridge/pkg/types"
)

// ErrInvalidGrant covers every redemption failure: unknown code, expired
// code, replay, or binding mismatch. Callers must not distinguish them.
var ErrInvalidGrant = errors.New("invalid grant")

const (
	// Codes expire well under the sweep interval.
	codeTTL       = 2 * time.Minute
	sweepInterval = 5 * time.Minute
)

// Store holds pending authorization codes.
type Store struct {
	entries *expiring.Map[types.AuthCode]
}

// NewStore creates a code store with a 2 minute code TTL.
func NewStore() *Store {
	return &Store{entries: expiring.New[types.AuthCode](codeTTL, sweepInterval)}
}

// Mint issues a fresh code bound to the given token, redirect URI and client.
// codeChallenge, when non-empty, is the client's S256 challenge and must be
// answered with the matching verifier at redemption.
func (s *Store) Mint(token, redirectURI, clientID, codeChallenge string) string {
	code := encryption.GenerateRandomString(32)
	s.entries.Set(code, types.AuthCode{
		Token:         token,
		RedirectURI:   redirectURI,
		ClientID:      clientID,
		CodeChallenge: codeChallenge,
	})
	return code
}

// Redeem consumes the code and returns the bound token. The code is deleted
// on first use regardless of whether the binding or PKCE checks pass.
func (s *Store) Redeem(code, redirectURI, clientID, codeVerifier string) (string, error) {
	entry, ok := s.entries.Consume(code)
	if !ok {
		return "", ErrInvalidGrant
	}
	if entry.RedirectURI != redirectURI || entry.ClientID != clientID {
		return "", ErrInvalidGrant
	}
	if entry.CodeChallenge != "" {
		if codeVerifier == "" || oauth2.S256ChallengeFromVerifier(codeVerifier) != entry.CodeChallenge {
			return "", ErrInvalidGrant
		}
	}
	return entry.Token, nil
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.entries.Stop()
}
