package peer

import (
	"context"
	"fmt"
	"sync"
)

// Mesh is an in-process transport connecting servers by address. Tests
// wire several instances into a mesh and sync them without a network;
// the servers run the same dispatch core the HTTP handler does.
type Mesh struct {
	mu      sync.RWMutex
	servers map[string]*Server
	// Down marks addresses that fail delivery, for simulating partitions
	// and mid-transfer failures.
	down map[string]bool
}

// NewMesh returns an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{servers: map[string]*Server{}, down: map[string]bool{}}
}

// Attach registers a server under an address.
func (m *Mesh) Attach(addr string, s *Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[addr] = s
}

// SetDown marks an address unreachable (or reachable again).
func (m *Mesh) SetDown(addr string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[addr] = down
}

// Request implements Transport.
func (m *Mesh) Request(ctx context.Context, addr PeerAddress, msg *Message) (*Message, error) {
	m.mu.RLock()
	s, ok := m.servers[addr.Addr]
	down := m.down[addr.Addr]
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("deliver %s to %s: no such peer", msg.Kind, addr.Addr)
	}
	if down {
		return nil, fmt.Errorf("deliver %s to %s: connection refused", msg.Kind, addr.Addr)
	}
	return s.dispatch(ctx, msg), nil
}

// Addresses returns every attached address, for static discovery over
// the mesh.
func (m *Mesh) Addresses() []PeerAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerAddress, 0, len(m.servers))
	for addr, s := range m.servers {
		out = append(out, PeerAddress{InstanceID: s.store.InstanceID(), Addr: addr})
	}
	return out
}
