// Package registry holds the set of live client connections.
//
// The set is shared by the acceptor (register/unregister on connect/disconnect) and the
// broadcaster (snapshot per cycle). Only the set is locked; sends on snapshotted handles
// happen with no lock held, so a slow client never blocks registration.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/metrics"
)

var _ domain.ConnRegistry = (*Registry)(nil)

type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]domain.Conn
}

func New() *Registry {
	return &Registry{conns: make(map[uuid.UUID]domain.Conn)}
}

// Register adds conn. Registering the same handle twice is a no-op.
func (r *Registry) Register(conn domain.Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	n := len(r.conns)
	r.mu.Unlock()

	metrics.RegistryConnectedClients.Set(float64(n))
}

// Unregister removes conn if present.
func (r *Registry) Unregister(conn domain.Conn) {
	r.mu.Lock()
	delete(r.conns, conn.ID())
	n := len(r.conns)
	r.mu.Unlock()

	metrics.RegistryConnectedClients.Set(float64(n))
}

// Snapshot returns a point-in-time copy of the registered handles in no particular order.
func (r *Registry) Snapshot() []domain.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]domain.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
