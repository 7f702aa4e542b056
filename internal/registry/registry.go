// ABOUTME: In-memory directories mapping routing keys to live connections.
// ABOUTME: One generic implementation backs both the agent and frontend registries.

package registry

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyConnected indicates a live connection already exists for the
// routing key. The existing connection stays authoritative; callers must
// reject the newcomer rather than evict the holder.
var ErrAlreadyConnected = errors.New("connection already registered for key")

// AgentKey routes to the single live connection of an agent process.
type AgentKey struct {
	ProjectID string
	AgentID   string
}

// FrontendKey routes to the live connection of one member session talking
// to one agent.
type FrontendKey struct {
	ProjectID string
	AgentID   string
	MemberID  string
}

// Conn is the minimal handle a registry needs from a connection.
type Conn interface {
	ID() string
}

// Registry is a concurrency-safe directory of live connections keyed by a
// composite routing key. At most one connection may be registered per key.
type Registry[K comparable, C Conn] struct {
	kind string

	mu    sync.RWMutex
	conns map[K]C
	byID  map[string]K

	logger *slog.Logger
}

// New creates a registry. kind names the connection class in logs
// ("agent" or "frontend").
func New[K comparable, C Conn](kind string, logger *slog.Logger) *Registry[K, C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[K, C]{
		kind:   kind,
		conns:  make(map[K]C),
		byID:   make(map[string]K),
		logger: logger.With("component", "registry", "kind", kind),
	}
}

// Register inserts conn under key. Returns ErrAlreadyConnected if another
// connection holds the key.
func (r *Registry[K, C]) Register(key K, conn C) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[key]; exists {
		return ErrAlreadyConnected
	}

	r.conns[key] = conn
	r.byID[conn.ID()] = key

	r.logger.Info("connection registered",
		"connection_id", conn.ID(),
		"key", key,
		"total", len(r.conns),
	)
	return nil
}

// Lookup returns the connection registered under key, if any. Never blocks
// beyond the registry's internal read lock.
func (r *Registry[K, C]) Lookup(key K) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[key]
	return conn, ok
}

// RemoveByConnectionID removes whichever entry holds the connection id.
// Used on disconnect, when the transport no longer knows the routing key.
// Idempotent: removing an absent id is a no-op.
func (r *Registry[K, C]) RemoveByConnectionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byID[id]
	if !ok {
		return
	}

	delete(r.byID, id)
	delete(r.conns, key)

	r.logger.Info("connection removed",
		"connection_id", id,
		"key", key,
		"total", len(r.conns),
	)
}

// RemoveByKey explicitly evicts the entry for key, if present.
func (r *Registry[K, C]) RemoveByKey(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[key]
	if !ok {
		return
	}

	delete(r.conns, key)
	delete(r.byID, conn.ID())

	r.logger.Info("connection evicted",
		"connection_id", conn.ID(),
		"key", key,
		"total", len(r.conns),
	)
}

// Has reports whether a connection is registered under key.
func (r *Registry[K, C]) Has(key K) bool {
	_, ok := r.Lookup(key)
	return ok
}

// Len returns the number of live connections.
func (r *Registry[K, C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
