package chat

import "sync"

// ConnRegistry owns the single main connection slot and the map of
// direct connections keyed by remote peer ID. A connection's kind never
// changes after open; closing a connection removes it from whichever
// slot holds it.
type ConnRegistry struct {
	mu     sync.RWMutex
	main   *Conn
	direct map[string]*Conn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{direct: make(map[string]*Conn)}
}

// RecordMain stores conn as the main connection. Returns false if a
// main connection already exists; the caller owns the losing stream.
func (r *ConnRegistry) RecordMain(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.main != nil {
		return false
	}
	r.main = conn
	return true
}

func (r *ConnRegistry) ClearMain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.main = nil
}

func (r *ConnRegistry) Main() *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.main
}

func (r *ConnRegistry) RecordDirect(peerID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[peerID] = conn
}

func (r *ConnRegistry) LookupDirect(peerID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.direct[peerID]
	return conn, ok
}

func (r *ConnRegistry) RemoveDirect(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.direct, peerID)
}

// DirectPeers lists peers with a live direct connection.
func (r *ConnRegistry) DirectPeers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]string, 0, len(r.direct))
	for id := range r.direct {
		peers = append(peers, id)
	}
	return peers
}

// Remove drops conn from whichever slot holds it. A stale conn that was
// already replaced is left alone.
func (r *ConnRegistry) Remove(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.main == conn {
		r.main = nil
		return
	}
	if existing, ok := r.direct[conn.Peer]; ok && existing == conn {
		delete(r.direct, conn.Peer)
	}
}
