package chat

import (
	"log"
	"time"
)

// reactionBody is the payload of a reaction envelope; the acting side
// is implied by the connection direction.
type reactionBody struct {
	Emoji string `json:"emoji"`
}

// handleEnvelope dispatches one inbound envelope. Unknown types and
// references to absent message IDs are dropped silently; nothing on the
// wire is allowed to take the session down.
func (s *Session) handleEnvelope(conn *Conn, env Envelope) {
	switch conn.Kind {
	case KindMain:
		s.handleMainEnvelope(conn, env)
	case KindDirect:
		s.handleDirectEnvelope(conn, env)
	}
}

func (s *Session) handleMainEnvelope(conn *Conn, env Envelope) {
	switch env.Type {
	case EnvMessage:
		s.handleInboundMessage(conn, env)

	case EnvSeen:
		s.mu.Lock()
		if msg := s.findMessageLocked(env.MessageID); msg != nil && msg.Sender == SenderMe {
			msg.Status = StatusSeen
		}
		s.mu.Unlock()

	case EnvTyping, EnvRecording:
		var active bool
		if err := env.decodePayload(&active); err != nil {
			return
		}
		s.setIndicator(env.Type, active)

	case EnvProfile:
		var profile Profile
		if err := env.decodePayload(&profile); err != nil {
			return
		}
		s.mu.Lock()
		s.partner = &profile
		// Patch the seeded greeting with the stranger's name.
		if len(s.history) > 0 && s.history[0].Sender == SenderSystem {
			s.history[0].Text = "You are now chatting with " + profile.Username + ". Say hi!"
		}
		s.mu.Unlock()
		s.persist.AddRecentPeer(conn.Peer, profile)

	case EnvVanishMode:
		var enabled bool
		if err := env.decodePayload(&enabled); err != nil {
			return
		}
		s.mu.Lock()
		s.remoteVanish = enabled
		s.mu.Unlock()

	case EnvReaction:
		var body reactionBody
		if err := env.decodePayload(&body); err != nil {
			return
		}
		s.mu.Lock()
		if msg := s.findMessageLocked(env.MessageID); msg != nil {
			msg.AddReaction(Reaction{Emoji: body.Emoji, Sender: SenderStranger})
		}
		s.mu.Unlock()

	case EnvEditMessage:
		var text string
		if err := env.decodePayload(&text); err != nil {
			return
		}
		s.mu.Lock()
		if msg := s.findEditTargetLocked(env.MessageID); msg != nil {
			msg.Text = text
			msg.IsEdited = true
		}
		s.mu.Unlock()

	case EnvFriendRequest:
		var profile Profile
		if err := env.decodePayload(&profile); err != nil {
			return
		}
		s.friends.HandleRequest(conn.Peer, profile)

	case EnvFriendAccept:
		var profile Profile
		if err := env.decodePayload(&profile); err != nil {
			return
		}
		s.friends.HandleAccept(conn.Peer, profile)

	case EnvDisconnect:
		if s.registry.Main() == conn {
			s.teardownMain(false)
		} else {
			// Stray main-kind stream from a lost dial race.
			conn.Close()
		}

	default:
		log.Printf("dropping unknown envelope type %q from %s", env.Type, shortID(conn.Peer))
	}
}

// handleInboundMessage appends a stranger message, clears the typing
// indicator and fires a best-effort seen receipt back.
func (s *Session) handleInboundMessage(conn *Conn, env Envelope) {
	var body string
	if err := env.decodePayload(&body); err != nil {
		return
	}

	mtype := env.DataType
	if mtype == "" {
		mtype = TypeText
	}
	msg := &Message{
		ID:        env.ID,
		Sender:    SenderStranger,
		Timestamp: nowMillis(),
		Type:      mtype,
		Status:    StatusSent,
	}
	if mtype == TypeText {
		msg.Text = body
	} else {
		msg.FileData = body
	}

	s.mu.Lock()
	msg.IsVanish = s.remoteVanish
	s.history = append(s.history, msg)
	wasTyping := s.partnerTyping
	wasRecording := s.partnerRecording
	copied := *msg
	s.mu.Unlock()

	// A delivered message supersedes its composition indicator: stop
	// the armed expiry and tell consumers right away.
	if wasTyping {
		s.setIndicator(EnvTyping, false)
	}
	if wasRecording {
		s.setIndicator(EnvRecording, false)
	}

	if msg.IsVanish {
		s.scheduleVanish(msg.ID)
	}

	ack := Envelope{Type: EnvSeen, MessageID: msg.ID}
	s.sendBestEffort(conn, ack)

	if s.OnMessage != nil {
		s.OnMessage(copied)
	}
}

// setIndicator flips a typing/recording flag and arms its auto-expiry
// in case the explicit stop never arrives.
func (s *Session) setIndicator(kind EnvType, active bool) {
	s.mu.Lock()
	var timer **time.Timer
	if kind == EnvTyping {
		s.partnerTyping = active
		timer = &s.typingTimer
	} else {
		s.partnerRecording = active
		timer = &s.recordingTimer
	}
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
	if active {
		*timer = time.AfterFunc(s.typingExpiry, func() { s.setIndicator(kind, false) })
	}
	s.mu.Unlock()

	if s.OnIndicator != nil {
		s.OnIndicator(kind, active)
	}
}

// findEditTargetLocked resolves an edit: the referenced stranger text
// message, or the most recent one when the id is absent.
func (s *Session) findEditTargetLocked(messageID string) *Message {
	if msg := s.findMessageLocked(messageID); msg != nil {
		if msg.Sender == SenderStranger && msg.Type == TypeText {
			return msg
		}
		return nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Sender == SenderStranger && s.history[i].Type == TypeText {
			return s.history[i]
		}
	}
	return nil
}

func (s *Session) handleDirectEnvelope(conn *Conn, env Envelope) {
	switch env.Type {
	case EnvMessage:
		var body string
		if err := env.decodePayload(&body); err != nil {
			return
		}
		mtype := env.DataType
		if mtype == "" {
			mtype = TypeText
		}
		msg := Message{
			ID:        env.ID,
			Sender:    SenderStranger,
			Timestamp: nowMillis(),
			Type:      mtype,
			Status:    StatusSent,
		}
		if mtype == TypeText {
			msg.Text = body
		} else {
			msg.FileData = body
		}
		s.persist.AppendHistory(conn.Peer, msg)
		s.sendBestEffort(conn, Envelope{Type: EnvSeen, MessageID: msg.ID})
		if s.OnDirectMessage != nil {
			s.OnDirectMessage(conn.Peer, msg)
		}

	case EnvSeen, EnvTyping, EnvRecording, EnvReaction:
		// Surfaced as per-peer events; no history mutation here.
		if s.OnDirectEvent != nil {
			s.OnDirectEvent(conn.Peer, env)
		}

	case EnvProfile:
		var profile Profile
		if err := env.decodePayload(&profile); err != nil {
			return
		}
		s.persist.AddRecentPeer(conn.Peer, profile)

	case EnvFriendRequest:
		var profile Profile
		if err := env.decodePayload(&profile); err != nil {
			return
		}
		s.friends.HandleRequest(conn.Peer, profile)

	case EnvFriendAccept:
		var profile Profile
		if err := env.decodePayload(&profile); err != nil {
			return
		}
		s.friends.HandleAccept(conn.Peer, profile)

	case EnvDisconnect:
		s.registry.RemoveDirect(conn.Peer)
		conn.Close()
		s.clearActiveDirect(conn.Peer)

	default:
		// vanish_mode and edit_message are not wired for direct chats.
	}
}
