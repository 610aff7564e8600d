package chat

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/anuraghashagile/stangersintown/pkg/store"
	"github.com/google/uuid"
)

// Storage keys. History is keyed per remote peer.
const (
	keyFriends      = "friends"
	keyRecentPeers  = "recent-peers"
	keyActiveDirect = "active-direct-chat"
	keyHistory      = "chat-history:" // + peer ID
)

// Persist is the typed layer over the key-value store. Write failures
// are logged and swallowed: the session keeps running on in-memory
// state and at worst loses the entry on reload. Mutations are
// read-modify-write over whole collections, so they are serialized
// here; callers run on more than one goroutine (event loop, CLI).
type Persist struct {
	mu    sync.Mutex
	store store.Store
}

func NewPersist(s store.Store) *Persist {
	return &Persist{store: s}
}

func (p *Persist) load(key string, target any) bool {
	raw, ok := p.store.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		log.Printf("corrupt value under %q, ignoring: %v", key, err)
		return false
	}
	return true
}

func (p *Persist) save(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("failed to encode value for %q: %v", key, err)
		return
	}
	if err := p.store.Set(key, string(data)); err != nil {
		log.Printf("failed to persist %q, continuing in memory: %v", key, err)
	}
}

// Friends returns the durable friend list.
func (p *Persist) Friends() []FriendRecord {
	var friends []FriendRecord
	p.load(keyFriends, &friends)
	return friends
}

// SaveFriend inserts or replaces one friend record.
func (p *Persist) SaveFriend(record FriendRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	friends := p.Friends()
	for i, fr := range friends {
		if fr.PeerID == record.PeerID {
			friends[i] = record
			p.save(keyFriends, friends)
			return
		}
	}
	p.save(keyFriends, append(friends, record))
}

// DeleteFriend removes a friend record if present.
func (p *Persist) DeleteFriend(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	friends := p.Friends()
	for i, fr := range friends {
		if fr.PeerID == peerID {
			p.save(keyFriends, append(friends[:i], friends[i+1:]...))
			return
		}
	}
}

// TouchFriend refreshes LastSeen for an existing friend. Unknown peers
// are ignored.
func (p *Persist) TouchFriend(peerID string, seenAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	friends := p.Friends()
	for i, fr := range friends {
		if fr.PeerID == peerID {
			friends[i].LastSeen = seenAt
			p.save(keyFriends, friends)
			return
		}
	}
}

// RecentPeers returns the met-recently list, most recent first.
func (p *Persist) RecentPeers() []RecentPeer {
	var recents []RecentPeer
	p.load(keyRecentPeers, &recents)
	return recents
}

// AddRecentPeer prepends a peer to the met-recently list, deduplicating
// by profile identity and capping the list.
func (p *Persist) AddRecentPeer(peerID string, profile Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recents := p.RecentPeers()
	filtered := recents[:0]
	for _, rp := range recents {
		if rp.Profile.Username == profile.Username && rp.PeerID == peerID {
			continue
		}
		filtered = append(filtered, rp)
	}

	entry := RecentPeer{
		ID:      uuid.NewString(),
		PeerID:  peerID,
		Profile: profile,
		MetAt:   nowMillis(),
	}
	recents = append([]RecentPeer{entry}, filtered...)
	if len(recents) > maxRecentPeers {
		recents = recents[:maxRecentPeers]
	}
	p.save(keyRecentPeers, recents)
}

// History returns the persisted transcript for one peer.
func (p *Persist) History(peerID string) []Message {
	var msgs []Message
	p.load(keyHistory+peerID, &msgs)
	return msgs
}

// AppendHistory adds one message to a peer's transcript. Vanish-mode
// messages never reach the store.
func (p *Persist) AppendHistory(peerID string, msg Message) {
	if msg.IsVanish {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.save(keyHistory+peerID, append(p.History(peerID), msg))
}

// SaveHistory replaces a peer's transcript wholesale.
func (p *Persist) SaveHistory(peerID string, msgs []Message) {
	p.save(keyHistory+peerID, msgs)
}

// ClearHistory drops a peer's transcript.
func (p *Persist) ClearHistory(peerID string) {
	if err := p.store.Delete(keyHistory + peerID); err != nil {
		log.Printf("failed to clear history for %s: %v", shortID(peerID), err)
	}
}

// ActiveDirect returns the peer of the currently open direct chat.
func (p *Persist) ActiveDirect() (string, bool) {
	peerID, ok := p.store.Get(keyActiveDirect)
	return peerID, ok && peerID != ""
}

func (p *Persist) SetActiveDirect(peerID string) {
	if err := p.store.Set(keyActiveDirect, peerID); err != nil {
		log.Printf("failed to persist active direct chat: %v", err)
	}
}

func (p *Persist) ClearActiveDirect() {
	if err := p.store.Delete(keyActiveDirect); err != nil {
		log.Printf("failed to clear active direct chat: %v", err)
	}
}
