package chat

import (
	"log"
	"sync"
	"time"
)

// FriendshipManager runs the two-phase friend handshake and keeps the
// durable friend list. Requests are transient: a reject discards them
// locally and the requester is never told.
type FriendshipManager struct {
	mu      sync.Mutex
	persist *Persist
	profile func() Profile

	pending []FriendRequest

	// lastSeenFlush throttles per-friend LastSeen writes.
	lastSeenFlush map[string]time.Time

	// OnRequest surfaces a newly queued inbound request.
	OnRequest func(FriendRequest)
}

func newFriendshipManager(persist *Persist, profile func() Profile) *FriendshipManager {
	return &FriendshipManager{
		persist:       persist,
		profile:       profile,
		lastSeenFlush: make(map[string]time.Time),
	}
}

// HandleRequest queues an inbound friend request unless the sender is
// already a friend or already pending.
func (f *FriendshipManager) HandleRequest(peerID string, profile Profile) {
	if f.IsFriend(peerID) {
		return
	}

	f.mu.Lock()
	for _, req := range f.pending {
		if req.PeerID == peerID {
			f.mu.Unlock()
			return
		}
	}
	req := FriendRequest{PeerID: peerID, Profile: profile}
	f.pending = append(f.pending, req)
	f.mu.Unlock()

	if f.OnRequest != nil {
		f.OnRequest(req)
	}
}

// Accept completes the handshake for a pending request: the friend is
// persisted locally right away and a friend_accept with our profile
// goes back so the requester persists its own record.
func (f *FriendshipManager) Accept(peerID string, send func(Envelope) error) error {
	f.mu.Lock()
	var accepted *FriendRequest
	for i, req := range f.pending {
		if req.PeerID == peerID {
			accepted = &req
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	if accepted == nil {
		return ErrNoPendingRequest
	}

	f.persist.SaveFriend(FriendRecord{
		PeerID:   accepted.PeerID,
		Profile:  accepted.Profile,
		AddedAt:  nowMillis(),
		LastSeen: nowMillis(),
	})

	if err := send(newEnvelope(EnvFriendAccept, f.profile())); err != nil {
		// The friendship is recorded on our side regardless; the
		// requester simply never learns until a later handshake.
		log.Printf("failed to send friend_accept to %s: %v", shortID(peerID), err)
	}
	return nil
}

// HandleAccept finishes the requester's side of the handshake.
func (f *FriendshipManager) HandleAccept(peerID string, profile Profile) {
	f.persist.SaveFriend(FriendRecord{
		PeerID:   peerID,
		Profile:  profile,
		AddedAt:  nowMillis(),
		LastSeen: nowMillis(),
	})
}

// Reject drops a pending request. No wire message goes back.
func (f *FriendshipManager) Reject(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, req := range f.pending {
		if req.PeerID == peerID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

// Remove deletes a friend locally. The removed peer is not notified.
func (f *FriendshipManager) Remove(peerID string) {
	f.persist.DeleteFriend(peerID)
}

// Pending returns the queued inbound requests.
func (f *FriendshipManager) Pending() []FriendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FriendRequest, len(f.pending))
	copy(out, f.pending)
	return out
}

// Friends returns the durable friend list.
func (f *FriendshipManager) Friends() []FriendRecord {
	return f.persist.Friends()
}

func (f *FriendshipManager) IsFriend(peerID string) bool {
	for _, fr := range f.persist.Friends() {
		if fr.PeerID == peerID {
			return true
		}
	}
	return false
}

// NoteSeen refreshes a friend's LastSeen from presence traffic,
// throttled so chatty lobbies don't churn the store.
func (f *FriendshipManager) NoteSeen(peerID string) {
	f.mu.Lock()
	if last, ok := f.lastSeenFlush[peerID]; ok && time.Since(last) < lastSeenThrottle {
		f.mu.Unlock()
		return
	}
	f.lastSeenFlush[peerID] = time.Now()
	f.mu.Unlock()

	f.persist.TouchFriend(peerID, nowMillis())
}
