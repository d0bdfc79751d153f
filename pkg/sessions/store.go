// Package sessions tracks live MCP sessions. Each session owns a tool-server
// instance bound to the bearer token it was created with. The store is
// bounded in age (24 hours) and count (100); sessions are in-memory only, so
// a process restart ends every session and clients must re-initialize.
package sessions

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/lorekeeper/mcp-bridge/pkg/expiring"
)

const (
	sessionTTL    = 24 * time.Hour
	sweepInterval = 15 * time.Minute
	maxSessions   = 100
)

// Factory builds the tool server for a new session, bound to the session's
// effective token.
type Factory func(token string) *mcpserver.MCPServer

// Session is one live MCP session.
type Session struct {
	ID        string
	Token     string
	CreatedAt time.Time

	server    *mcpserver.MCPServer
	transport *mcpserver.StreamableHTTPServer
}

// Transport returns the HTTP handler requests for this session are
// dispatched through.
func (s *Session) Transport() http.Handler {
	return s.transport
}

// Store is the bounded, expiring session table.
type Store struct {
	sessions *expiring.Map[*Session]
	factory  Factory
}

// NewStore creates a session store using factory for tool-server instances.
func NewStore(factory Factory) *Store {
	m := expiring.New[*Session](sessionTTL, sweepInterval)
	m.SetCapacity(maxSessions)
	return &Store{sessions: m, factory: factory}
}

// Create builds an unregistered session bound to token. The caller registers
// it under its wire session ID once the transport has assigned one; sessions
// the transport never IDs are simply dropped and never occupy a slot.
func (s *Store) Create(token string) *Session {
	srv := s.factory(token)
	return &Session{
		ID:        uuid.NewString(),
		Token:     token,
		CreatedAt: time.Now(),
		server:    srv,
		transport: mcpserver.NewStreamableHTTPServer(srv),
	}
}

// Register inserts the session under id. At capacity the oldest session is
// evicted to admit the new one.
func (s *Store) Register(id string, sess *Session) {
	sess.ID = id
	s.sessions.Set(id, sess)
}

// Get returns the live session with the given ID.
func (s *Store) Get(id string) (*Session, bool) {
	return s.sessions.Get(id)
}

// Close removes the session. In-flight tool calls are short request/response
// cycles; nothing needs cancelling.
func (s *Store) Close(id string) {
	s.sessions.Delete(id)
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	return s.sessions.Len()
}

// SetClock overrides the store's expiry clock. Tests use this.
func (s *Store) SetClock(now func() time.Time) {
	s.sessions.SetClock(now)
}

// Sweep removes expired sessions immediately.
func (s *Store) Sweep() {
	s.sessions.Sweep()
}

// Stop terminates the background sweeper.
func (s *Store) Stop() {
	s.sessions.Stop()
}
