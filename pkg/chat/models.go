package chat

import (
	"encoding/json"
	"fmt"
)

// Status is a peer's declared state in the matchmaking lobby.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWaiting Status = "waiting"
	StatusBusy    Status = "busy"
)

// Profile is a user's self-declared identity card. It travels attached
// to presence entries and profile envelopes; changing it locally only
// becomes visible to others on the next publish.
type Profile struct {
	Username  string   `json:"username"`
	Age       int      `json:"age,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	Location  string   `json:"location,omitempty"`
	Interests []string `json:"interests,omitempty"`
}

// PresenceEntry is one peer's published lobby record. Entries replace
// wholesale on every update; Timestamp ordering drives matchmaking.
type PresenceEntry struct {
	PeerID    string  `json:"peerId"`
	Status    Status  `json:"status"`
	Timestamp int64   `json:"ts"` // unix millis of attach/last update
	Profile   Profile `json:"profile"`
}

// Sender marks who produced a message relative to the local user.
type Sender string

const (
	SenderMe       Sender = "me"
	SenderStranger Sender = "stranger"
	SenderSystem   Sender = "system"
)

// MessageType distinguishes text from opaque media payloads.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

// MessageStatus tracks delivery acknowledgement. The only transition is
// sent -> seen; there is no downgrade path.
type MessageStatus string

const (
	StatusSent MessageStatus = "sent"
	StatusSeen MessageStatus = "seen"
)

// Reaction is one emoji attached to a message by one side.
type Reaction struct {
	Emoji  string `json:"emoji"`
	Sender Sender `json:"sender"`
}

// Message is a single chat history entry. Mutated in place for reaction
// append, edits and the sent->seen transition.
type Message struct {
	ID        string        `json:"id"`
	Sender    Sender        `json:"sender"`
	Timestamp int64         `json:"ts"` // unix millis
	Type      MessageType   `json:"type"`
	Text      string        `json:"text,omitempty"`
	FileData  string        `json:"fileData,omitempty"` // opaque encoded payload
	Reactions []Reaction    `json:"reactions,omitempty"`
	Status    MessageStatus `json:"status"`
	IsEdited  bool          `json:"isEdited,omitempty"`
	IsVanish  bool          `json:"isVanish,omitempty"`
}

// AddReaction appends a reaction, deduplicating by emoji+sender.
func (m *Message) AddReaction(r Reaction) {
	for _, existing := range m.Reactions {
		if existing.Emoji == r.Emoji && existing.Sender == r.Sender {
			return
		}
	}
	m.Reactions = append(m.Reactions, r)
}

// FriendRecord is a durable friendship created by a completed two-way
// handshake.
type FriendRecord struct {
	PeerID   string  `json:"peerId"`
	Profile  Profile `json:"profile"`
	AddedAt  int64   `json:"addedAt"`
	LastSeen int64   `json:"lastSeen"`
}

// FriendRequest is a pending inbound request. Transient, never persisted.
type FriendRequest struct {
	PeerID  string  `json:"peerId"`
	Profile Profile `json:"profile"`
}

// RecentPeer is one entry of the met-recently list.
type RecentPeer struct {
	ID      string  `json:"id"`
	PeerID  string  `json:"peerId"`
	Profile Profile `json:"profile"`
	MetAt   int64   `json:"metAt"`
}

// ConnKind fixes a connection's role at open time.
type ConnKind string

const (
	KindMain   ConnKind = "main"
	KindDirect ConnKind = "direct"
)

// EnvType is the closed set of protocol envelope types.
type EnvType string

const (
	EnvMessage       EnvType = "message"
	EnvSeen          EnvType = "seen"
	EnvTyping        EnvType = "typing"
	EnvRecording     EnvType = "recording"
	EnvProfile       EnvType = "profile"
	EnvVanishMode    EnvType = "vanish_mode"
	EnvReaction      EnvType = "reaction"
	EnvEditMessage   EnvType = "edit_message"
	EnvFriendRequest EnvType = "friend_request"
	EnvFriendAccept  EnvType = "friend_accept"
	EnvDisconnect    EnvType = "disconnect"
)

// Envelope is the wire-level frame exchanged on every connection.
// Payload shape depends on Type; decodePayload unpacks it.
type Envelope struct {
	Type      EnvType         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DataType  MessageType     `json:"dataType,omitempty"`
	ID        string          `json:"id,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// newEnvelope marshals payload into an envelope of the given type.
func newEnvelope(t EnvType, payload any) Envelope {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			// All payload types here are plain structs and primitives;
			// a marshal failure is a programming error.
			panic(fmt.Sprintf("unmarshalable envelope payload: %v", err))
		}
		env.Payload = data
	}
	return env
}

// decodePayload unpacks an envelope payload into target. Malformed
// payloads are dropped silently by callers, per the protocol's
// degrade-not-fail rule.
func (e Envelope) decodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, target)
}
