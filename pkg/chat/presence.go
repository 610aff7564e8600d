package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

const (
	presenceUpdate  = "update"
	presenceOffline = "offline"
)

// presenceMsg is the lobby wire format. Every update carries the full
// entry; consumers replace, never merge.
type presenceMsg struct {
	Type  string        `json:"type"` // update|offline
	Entry PresenceEntry `json:"entry"`
}

// PresenceRegistry maintains the local materialized view of the
// matchmaking lobby: one last-write-wins entry per attached peer.
type PresenceRegistry struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	self    PresenceEntry

	// publishedTS remembers our own recent publish timestamps so echoes
	// of our updates are told apart from a colliding identity. Bounded
	// to the last publishedWindow publishes; echoes arrive well within
	// that on any live topic.
	publishedTS    map[int64]struct{}
	publishedOrder []int64

	topic *pubsub.Topic
	ctx   context.Context

	onUpdate    func([]PresenceEntry)
	onCollision func()
}

func newPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries:     make(map[string]PresenceEntry),
		publishedTS: make(map[int64]struct{}),
	}
}

// attach joins the lobby topic and publishes an initial idle entry.
func (p *PresenceRegistry) attach(ctx context.Context, ps *pubsub.PubSub, selfID string, profile Profile) error {
	topic, err := ps.Join(LobbyTopic)
	if err != nil {
		return fmt.Errorf("failed to join lobby topic: %w", err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to lobby: %w", err)
	}

	p.ctx = ctx
	p.topic = topic
	p.mu.Lock()
	p.self = PresenceEntry{
		PeerID:    selfID,
		Status:    StatusIdle,
		Timestamp: nowMillis(),
		Profile:   profile,
	}
	p.entries[selfID] = p.self
	p.mu.Unlock()

	go p.readLoop(sub)
	go p.pruneLoop()

	return p.publishSelf()
}

// SetStatus republishes the full self entry with a fresh timestamp.
func (p *PresenceRegistry) SetStatus(status Status) error {
	p.mu.Lock()
	p.self.Status = status
	p.self.Timestamp = nowMillis()
	p.entries[p.self.PeerID] = p.self
	p.mu.Unlock()
	return p.publishSelf()
}

// SetProfile updates the local profile and re-broadcasts it.
func (p *PresenceRegistry) SetProfile(profile Profile) error {
	p.mu.Lock()
	p.self.Profile = profile
	p.self.Timestamp = nowMillis()
	p.entries[p.self.PeerID] = p.self
	p.mu.Unlock()
	return p.publishSelf()
}

const publishedWindow = 64

func (p *PresenceRegistry) recordPublishedLocked(ts int64) {
	p.publishedTS[ts] = struct{}{}
	p.publishedOrder = append(p.publishedOrder, ts)
	if len(p.publishedOrder) > publishedWindow {
		delete(p.publishedTS, p.publishedOrder[0])
		p.publishedOrder = p.publishedOrder[1:]
	}
}

func (p *PresenceRegistry) publishSelf() error {
	p.mu.Lock()
	entry := p.self
	p.recordPublishedLocked(entry.Timestamp)
	p.mu.Unlock()

	data, err := json.Marshal(presenceMsg{Type: presenceUpdate, Entry: entry})
	if err != nil {
		return err
	}
	if err := p.topic.Publish(p.ctx, data); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	p.notify()
	return nil
}

// detach announces departure. Best effort; peers also prune stale entries.
func (p *PresenceRegistry) detach() {
	p.mu.RLock()
	entry := p.self
	p.mu.RUnlock()
	data, err := json.Marshal(presenceMsg{Type: presenceOffline, Entry: entry})
	if err != nil {
		return
	}
	if err := p.topic.Publish(p.ctx, data); err != nil {
		log.Printf("failed to publish offline notice: %v", err)
	}
}

// Snapshot returns all known entries sorted oldest-first, ties broken
// by peer ID. Both sides of a future pairing compute the same order
// from the same entry set.
func (p *PresenceRegistry) Snapshot() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedEntries(p.entries)
}

func sortedEntries(entries map[string]PresenceEntry) []PresenceEntry {
	out := make([]PresenceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out
}

func entryLess(a, b PresenceEntry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.PeerID < b.PeerID
}

// apply folds one lobby message into the local view. Returns whether
// the view changed. A foreign update for our own peer ID means a second
// live attachment claimed the same identity.
func (p *PresenceRegistry) apply(msg presenceMsg) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.Entry.PeerID == p.self.PeerID {
		if _, ours := p.publishedTS[msg.Entry.Timestamp]; !ours && msg.Type == presenceUpdate {
			if p.onCollision != nil {
				go p.onCollision()
			}
		}
		return false
	}

	if msg.Type == presenceOffline {
		if _, ok := p.entries[msg.Entry.PeerID]; !ok {
			return false
		}
		delete(p.entries, msg.Entry.PeerID)
		return true
	}

	p.entries[msg.Entry.PeerID] = msg.Entry
	return true
}

func (p *PresenceRegistry) readLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(p.ctx)
		if err != nil {
			return
		}

		var pm presenceMsg
		if err := json.Unmarshal(msg.GetData(), &pm); err != nil {
			continue
		}
		if p.apply(pm) {
			p.notify()
		}
	}
}

// pruneLoop drops entries whose owner stopped publishing without an
// offline notice.
func (p *PresenceRegistry) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cutoff := nowMillis() - presenceStale.Milliseconds()
			changed := false
			p.mu.Lock()
			for id, entry := range p.entries {
				if id != p.self.PeerID && entry.Timestamp < cutoff {
					delete(p.entries, id)
					changed = true
				}
			}
			p.mu.Unlock()
			if changed {
				p.notify()
			}
		}
	}
}

func (p *PresenceRegistry) notify() {
	if p.onUpdate != nil {
		p.onUpdate(p.Snapshot())
	}
}
