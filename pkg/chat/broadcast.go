package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// broadcastMsg is one event on the global overlay channel.
type broadcastMsg struct {
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Broadcast is the global overlay channel shared by all attached
// clients, independent of matchmaking. Consumers register per-event
// callbacks.
type Broadcast struct {
	selfID string
	topic  *pubsub.Topic
	ctx    context.Context

	mu       sync.RWMutex
	handlers map[string][]func(from string, payload json.RawMessage)
}

func newBroadcast() *Broadcast {
	return &Broadcast{handlers: make(map[string][]func(string, json.RawMessage))}
}

func (b *Broadcast) attach(ctx context.Context, ps *pubsub.PubSub, selfID string) error {
	topic, err := ps.Join(BroadcastTopic)
	if err != nil {
		return fmt.Errorf("failed to join broadcast topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to broadcast topic: %w", err)
	}

	b.ctx = ctx
	b.selfID = selfID
	b.topic = topic
	go b.readLoop(sub)
	return nil
}

// Publish sends one event to every subscriber.
func (b *Broadcast) Publish(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(broadcastMsg{Event: event, From: b.selfID, Payload: data})
	if err != nil {
		return err
	}
	return b.topic.Publish(b.ctx, raw)
}

// On registers a callback for one event name.
func (b *Broadcast) On(event string, cb func(from string, payload json.RawMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], cb)
}

func (b *Broadcast) readLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			return
		}

		var bm broadcastMsg
		if err := json.Unmarshal(msg.GetData(), &bm); err != nil {
			continue
		}
		if bm.From == b.selfID {
			continue
		}

		b.mu.RLock()
		cbs := append([]func(string, json.RawMessage){}, b.handlers[bm.Event]...)
		b.mu.RUnlock()
		for _, cb := range cbs {
			cb(bm.From, bm.Payload)
		}
	}
}
