// Package pkce holds the code verifiers the bridge generates when it acts as
// an OAuth client against an upstream OIDC provider. Each verifier is keyed
// by a random nonce carried in the relayed request's state and is read
// exactly once when the provider redirects back.
package pkce

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/lorekeeper/mcp-bridge/pkg/encryption"
	"github.com/lorekeeper/mcp-bridge/pkg/expiring"
)

const (
	entryTTL      = 5 * time.Minute
	sweepInterval = time.Minute
)

// Challenge is the material for one upstream authorization request.
type Challenge struct {
	Verifier  string
	Challenge string
	Nonce     string
}

// Store maps nonces to their pending code verifiers.
type Store struct {
	entries *expiring.Map[string]
}

// NewStore creates a PKCE store with a 5 minute entry TTL.
func NewStore() *Store {
	return &Store{entries: expiring.New[string](entryTTL, sweepInterval)}
}

// Begin generates a fresh verifier, its S256 challenge, and the nonce the
// verifier is stored under.
func (s *Store) Begin() Challenge {
	verifier := oauth2.GenerateVerifier()
	nonce := encryption.GenerateRandomString(16)
	s.entries.Set(nonce, verifier)
	return Challenge{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Nonce:     nonce,
	}
}

// Consume removes and returns the verifier stored under nonce. A second call
// for the same nonce reports not found.
func (s *Store) Consume(nonce string) (string, bool) {
	return s.entries.Consume(nonce)
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.entries.Stop()
}
