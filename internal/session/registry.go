// ABOUTME: Registry of live WebSocket sessions shared by the WS and HTTP paths
// ABOUTME: Holds capability tokens with sliding expiry, serialized by one mutex

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/perch-gateway/internal/auth"
)

// ErrSessionExists indicates a session with the same ID is already connected.
var ErrSessionExists = errors.New("session already registered")

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotNode indicates a capability grant was attempted on a non-node session.
var ErrNotNode = errors.New("session is not a node peer")

// Role tags the client kind of a connected peer. Node-class peers are
// privileged: they may hold capability tokens on behalf of less-trusted
// dependents (browsers loading embedded canvas assets).
type Role string

const (
	// RoleNode is a privileged agent-runtime peer.
	RoleNode Role = "node"
	// RoleClient is an ordinary UI client.
	RoleClient Role = "client"
	// RoleCanvas is a canvas surface attached through a capability token.
	RoleCanvas Role = "canvas"
)

// CapabilityTTL bounds how long a granted capability token stays valid
// without being used. Each successful match slides the expiry forward,
// so an active node re-proves liveness just by being used.
const CapabilityTTL = 10 * time.Minute

// MessageWriter sends one JSON payload to a connected peer. Implemented
// by the ingress WebSocket adapter; faked in tests.
type MessageWriter interface {
	WriteJSON(ctx context.Context, v any) error
}

// Session identifies one live WebSocket connection. It is created on a
// successful upgrade, mutated only through the registry, and destroyed
// on disconnect. The capability fields are guarded by the registry
// mutex.
type Session struct {
	ID          string
	Role        Role
	RemoteAddr  string
	ConnectedAt time.Time

	writer MessageWriter

	capabilityToken  string
	capabilityExpiry time.Time
}

// New creates a session for a freshly accepted connection.
func New(id string, role Role, remoteAddr string, w MessageWriter) *Session {
	return &Session{
		ID:          id,
		Role:        role,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		writer:      w,
	}
}

// Info is the public view of a session, safe to expose on the dashboard.
type Info struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	HasCapability bool      `json:"has_capability"`
}

// Registry is the one piece of cross-path mutable shared state: the WS
// accept/disconnect path and the HTTP capability check both touch it.
// All access goes through its narrow interface and is serialized by a
// single mutex; no lock is held across I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	logger   *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewRegistry creates an empty registry with the default capability TTL.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      CapabilityTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Add registers a new session.
// Returns ErrSessionExists if a session with the same ID exists.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionExists
	}

	r.sessions[s.ID] = s
	r.logger.Info("session connected",
		"session_id", s.ID,
		"role", s.Role,
		"remote", s.RemoteAddr,
		"total", len(r.sessions),
	)
	return nil
}

// Remove drops a session from the registry. After Remove returns, the
// session's capability token can no longer authorize anything.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		delete(r.sessions, id)
		r.logger.Info("session disconnected",
			"session_id", id,
			"role", s.Role,
			"total", len(r.sessions),
		)
	}
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Infos returns public information about all connected sessions.
func (r *Registry) Infos() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, Info{
			ID:            s.ID,
			Role:          s.Role,
			RemoteAddr:    s.RemoteAddr,
			ConnectedAt:   s.ConnectedAt,
			HasCapability: s.capabilityToken != "" && now.Before(s.capabilityExpiry),
		})
	}
	return infos
}

// GrantCapability attaches a capability token to a node session,
// starting its TTL. Only node-class peers may hold capabilities.
func (r *Registry) GrantCapability(id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Role != RoleNode {
		return ErrNotNode
	}

	s.capabilityToken = token
	s.capabilityExpiry = r.now().Add(r.ttl)
	r.logger.Info("capability granted", "session_id", id)
	return nil
}

// FindAuthorizedByCapability reports whether some connected node peer
// holds the presented token unexpired. On a match the session's expiry
// slides forward to now+TTL. The read-then-extend is atomic relative to
// concurrent connect/disconnect: the registry mutex is held throughout.
func (r *Registry) FindAuthorizedByCapability(token string) bool {
	if token == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, s := range r.sessions {
		if s.Role != RoleNode {
			continue
		}
		if s.capabilityToken == "" || !now.Before(s.capabilityExpiry) {
			continue
		}
		if auth.SecureEqual(s.capabilityToken, token) {
			s.capabilityExpiry = now.Add(r.ttl)
			return true
		}
	}
	return false
}

// Broadcast sends payload to every connected session with the given
// role, returning the number of deliveries attempted. Writers are
// snapshotted under the lock and written outside it.
func (r *Registry) Broadcast(ctx context.Context, role Role, payload any) int {
	r.mu.Lock()
	writers := make([]MessageWriter, 0, len(r.sessions))
	ids := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Role == role && s.writer != nil {
			writers = append(writers, s.writer)
			ids = append(ids, s.ID)
		}
	}
	r.mu.Unlock()

	for i, w := range writers {
		if err := w.WriteJSON(ctx, payload); err != nil {
			r.logger.Warn("broadcast write failed", "session_id", ids[i], "error", err)
		}
	}
	return len(writers)
}

// Send writes payload to one session by ID.
func (r *Registry) Send(ctx context.Context, id string, payload any) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	var w MessageWriter
	if ok {
		w = s.writer
	}
	r.mu.Unlock()

	if !ok || w == nil {
		return ErrSessionNotFound
	}
	return w.WriteJSON(ctx, payload)
}

// FirstNode returns the ID of an arbitrary connected node session.
func (r *Registry) FirstNode() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.Role == RoleNode {
			return id, true
		}
	}
	return "", false
}
