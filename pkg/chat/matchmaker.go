package chat

import (
	"context"
	"log"
	"sync"
)

// mainDialer opens outbound main-kind connections. Implemented by Node;
// tests substitute a fake.
type mainDialer interface {
	dialMain(ctx context.Context, peerID string) (*Conn, error)
}

// Matchmaker consumes lobby snapshots and drives connection attempts
// while the session is looking for a partner. At most one attempt is in
// flight at a time; failures fall back into the loop on the next
// snapshot, so retry is effectively infinite while searching.
type Matchmaker struct {
	selfID  string
	dialer  mainDialer
	session *Session
	ctx     context.Context

	mu          sync.Mutex
	inFlight    bool
	attemptPeer string
}

func newMatchmaker(ctx context.Context, selfID string, dialer mainDialer, session *Session) *Matchmaker {
	return &Matchmaker{ctx: ctx, selfID: selfID, dialer: dialer, session: session}
}

// pickTarget applies the pairing rule to a snapshot sorted oldest-first:
// among waiting peers, the globally oldest waiter holds still and every
// other waiting client dials it. Two clients can still transiently
// compute each other as target on stale snapshots; whichever open is
// recorded as main first wins and the loser stream is closed.
func pickTarget(snapshot []PresenceEntry, selfID string) (string, bool) {
	for _, entry := range snapshot {
		if entry.Status != StatusWaiting {
			continue
		}
		if entry.PeerID == selfID {
			// We are the oldest waiter; someone else initiates.
			return "", false
		}
		return entry.PeerID, true
	}
	return "", false
}

// Evaluate runs the pairing algorithm against one snapshot. No-op
// unless the session is searching, no main connection exists and no
// attempt is already in flight.
func (m *Matchmaker) Evaluate(snapshot []PresenceEntry) {
	if !m.session.searching() || m.session.registry.Main() != nil {
		return
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	target, ok := pickTarget(snapshot, m.selfID)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.attemptPeer = target
	m.mu.Unlock()

	go m.attempt(target)
}

func (m *Matchmaker) attempt(peerID string) {
	ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
	conn, err := m.dialer.dialMain(ctx, peerID)
	cancel()

	m.mu.Lock()
	stale := !m.inFlight || m.attemptPeer != peerID
	m.inFlight = false
	m.attemptPeer = ""
	m.mu.Unlock()

	if err != nil {
		// Timeout or peer-unavailable; the next snapshot re-evaluates
		// candidates, which may retarget the same peer.
		log.Printf("match attempt to %s failed: %v", shortID(peerID), err)
		return
	}
	if stale || !m.session.searching() {
		// The user moved on while the dial was in flight; this open is
		// stale and must not become the main connection.
		conn.Close()
		return
	}

	m.session.enqueueOpen(conn)
}

// Cancel discards any in-flight attempt. A dial completing afterwards
// sees itself as stale and closes its connection.
func (m *Matchmaker) Cancel() {
	m.mu.Lock()
	m.inFlight = false
	m.attemptPeer = ""
	m.mu.Unlock()
}
